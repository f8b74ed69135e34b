// Package connmgr implements the connection manager (spec §4.G): it
// composes the serial and UDP transport managers, ages waiting device
// connections once a second, and fuses connected ones by identifier.
//
// The service/Run/loop shape is grounded on the teacher's
// services/hal/hal.go entry point and ticker-driven main loop.
package connmgr

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"edmo-hub/bus"
	"edmo-hub/deviceconn"
	"edmo-hub/fuseddevice"
	"edmo-hub/transport"
	"edmo-hub/transport/serial"
	"edmo-hub/transport/udpnet"
	"edmo-hub/x/strx"
)

const waitingTick = 1 * time.Second

var (
	// TopicDeviceConnected announces a newly fused identifier (first
	// connection) with payload *fuseddevice.Device.
	TopicDeviceConnected = bus.T("connmgr", "device_connected")
	// TopicDeviceLost announces a fused device's last member departing,
	// with payload the identifier string.
	TopicDeviceLost = bus.T("connmgr", "device_lost")
	// TopicDeviceLockChanged announces that a fused device's lock flag
	// flipped, with payload the identifier string. sessionmgr re-projects
	// available_sessions off this, since a candidate's lock state is part
	// of that projection's filter.
	TopicDeviceLockChanged = bus.T("connmgr", "device_lock_changed")
)

// Manager composes the transport managers, owns the waiting list of
// not-yet-validated device connections, and the fused-device catalog.
type Manager struct {
	conn *bus.Connection
	log  *logrus.Entry

	serialMgr *serial.Manager
	udpMgr    *udpnet.Manager

	waiting []*pendingConn
	fused   map[string]*fuseddevice.Device
	byChan  map[transport.Channel]*deviceconn.Connection
	locked  map[string]bool
}

type pendingConn struct {
	ch   transport.Channel
	conn *deviceconn.Connection
}

// New composes a connection manager over the given serial and UDP
// managers, subscribing to their channel lifecycle events on conn.
func New(conn *bus.Connection, serialMgr *serial.Manager, udpMgr *udpnet.Manager, log *logrus.Entry) *Manager {
	return &Manager{
		conn:      conn,
		log:       log.WithField("component", "connmgr"),
		serialMgr: serialMgr,
		udpMgr:    udpMgr,
		fused:     make(map[string]*fuseddevice.Device),
		byChan:    make(map[transport.Channel]*deviceconn.Connection),
		locked:    make(map[string]bool),
	}
}

// Run drives channel-established/lost subscriptions and the 1 Hz waiting
// list reconciliation tick until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	established := m.conn.Subscribe(bus.T("transport", "+", "channel_established"))
	lost := m.conn.Subscribe(bus.T("transport", "+", "channel_lost"))
	defer m.conn.Unsubscribe(established)
	defer m.conn.Unsubscribe(lost)

	ticker := time.NewTicker(waitingTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-established.Channel():
			m.onChannelEstablished(msg)
		case msg := <-lost.Channel():
			m.onChannelLost(msg)
		case <-ticker.C:
			m.reconcileWaiting()
			m.reconcileLockState()
		}
	}
}

func (m *Manager) onChannelEstablished(msg *bus.Message) {
	var ch transport.Channel
	switch p := msg.Payload.(type) {
	case serial.EstablishedPayload:
		ch = p.Channel
	case udpnet.EstablishedPayload:
		ch = p.Channel
	default:
		return
	}

	dc := deviceconn.New(ch, m.log)
	m.waiting = append(m.waiting, &pendingConn{ch: ch, conn: dc})
	m.byChan[ch] = dc
}

func (m *Manager) onChannelLost(msg *bus.Message) {
	var ch transport.Channel
	switch p := msg.Payload.(type) {
	case serial.LostPayload:
		ch = m.findChanByPort(p.Port)
	case udpnet.LostPayload:
		ch = m.findChanByPeer(p.Peer.String())
	default:
		return
	}
	if ch == nil {
		return
	}

	conn, ok := m.byChan[ch]
	if !ok {
		return
	}
	delete(m.byChan, ch)
	m.removeWaiting(ch)

	id := conn.Identifier()
	m.log.WithField("identifier", strx.Coalesce(id, "<unidentified>")).Info("connmgr: channel lost")
	if id == "" {
		return
	}
	fd, ok := m.fused[id]
	if !ok {
		return
	}
	fd.Remove(conn)
	if fd.Empty() {
		delete(m.fused, id)
		delete(m.locked, id)
		m.conn.Publish(m.conn.NewMessage(TopicDeviceLost, id, false))
	}
}

func (m *Manager) findChanByPort(port string) transport.Channel {
	for ch := range m.byChan {
		if sc, ok := ch.(*serial.Channel); ok && sc.PortName() == port {
			return ch
		}
	}
	return nil
}

func (m *Manager) findChanByPeer(peer string) transport.Channel {
	for ch := range m.byChan {
		if uc, ok := ch.(*udpnet.Channel); ok && uc.Peer().String() == peer {
			return ch
		}
	}
	return nil
}

func (m *Manager) removeWaiting(ch transport.Channel) {
	for i, p := range m.waiting {
		if p.ch == ch {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			return
		}
	}
}

// reconcileWaiting runs the 1 Hz tick from spec §4.G: validated
// connections are fused, terminal ones dropped, the rest remain.
func (m *Manager) reconcileWaiting() {
	var remaining []*pendingConn
	for _, p := range m.waiting {
		switch p.conn.Status() {
		case transport.StatusConnected:
			m.fuse(p.conn)
		case transport.StatusFailed, transport.StatusClosed:
			delete(m.byChan, p.ch)
		default:
			remaining = append(remaining, p)
		}
	}
	m.waiting = remaining
}

func (m *Manager) fuse(conn *deviceconn.Connection) {
	id := conn.Identifier()
	if fd, ok := m.fused[id]; ok {
		fd.Add(conn)
		m.log.WithField("identifier", id).Debug("connmgr: member added to fused device")
		return
	}
	fd := fuseddevice.New(id, deviceconn.Handlers{})
	fd.Add(conn)
	m.fused[id] = fd
	m.locked[id] = fd.IsLocked()
	m.log.WithField("identifier", id).Info("connmgr: device connected")
	m.conn.Publish(m.conn.NewMessage(TopicDeviceConnected, fd, false))
}

// reconcileLockState runs alongside reconcileWaiting on the 1 Hz tick: a
// candidate's lock flag can flip on any later Identify reply while it sits
// in the fused catalog, independent of waiting-list membership, so
// available_sessions_updated needs its own trigger for it.
func (m *Manager) reconcileLockState() {
	for id, fd := range m.fused {
		locked := fd.IsLocked()
		if locked != m.locked[id] {
			m.locked[id] = locked
			m.conn.Publish(m.conn.NewMessage(TopicDeviceLockChanged, id, false))
		}
	}
}

// FusedDevice returns the fused device for identifier, if any.
func (m *Manager) FusedDevice(identifier string) (*fuseddevice.Device, bool) {
	fd, ok := m.fused[identifier]
	return fd, ok
}

// Candidates returns every fused device currently in the catalog.
func (m *Manager) Candidates() []*fuseddevice.Device {
	out := make([]*fuseddevice.Device, 0, len(m.fused))
	for _, fd := range m.fused {
		out = append(out, fd)
	}
	return out
}
