// Package sessionmgr implements the session manager (spec §4.I): the
// catalog of candidate and active sessions, admission delegation, and the
// available_sessions projection.
package sessionmgr

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"edmo-hub/bus"
	"edmo-hub/connmgr"
	"edmo-hub/errcode"
	"edmo-hub/fuseddevice"
	"edmo-hub/plugin"
	"edmo-hub/services/config"
	"edmo-hub/session"
)

// TopicAvailableSessionsUpdated fires whenever the available_sessions
// projection may have changed, payload []string of identifiers.
var TopicAvailableSessionsUpdated = bus.T("sessionmgr", "available_sessions_updated")

// Manager holds candidates: identifier -> fused device, and actives:
// identifier -> session, and exposes admission.
type Manager struct {
	conn    *bus.Connection
	log     *logrus.Entry
	factory plugin.Factory
	limits  config.OscillatorLimits

	mu         sync.Mutex
	candidates map[string]*fuseddevice.Device
	actives    map[string]*session.Session
}

// New builds a session manager publishing on conn. factory is used to
// construct plugins for every newly created session; it may be nil. limits
// bounds every oscillator parameter write the resulting sessions accept.
func New(conn *bus.Connection, factory plugin.Factory, limits config.OscillatorLimits, log *logrus.Entry) *Manager {
	return &Manager{
		conn:       conn,
		log:        log.WithField("component", "sessionmgr"),
		factory:    factory,
		limits:     limits,
		candidates: make(map[string]*fuseddevice.Device),
		actives:    make(map[string]*session.Session),
	}
}

// OnDeviceConnected registers identifier as a candidate (connmgr's
// device_connected event payload is *fuseddevice.Device).
func (m *Manager) OnDeviceConnected(fd *fuseddevice.Device) {
	m.mu.Lock()
	id := fd.Identifier()
	m.candidates[id] = fd
	if s, ok := m.actives[id]; ok && s.Closed() {
		delete(m.actives, id)
	} else if ok {
		s.Bind(fd)
	}
	m.mu.Unlock()
	m.announce()
}

// OnDeviceLost drops identifier from the candidate set. An active session
// for it, if any, is left running (unbound, retaining users) per spec's
// "reconnection of a transport mid-session" non-goal: the next
// OnDeviceConnected with the same identifier rebinds it.
func (m *Manager) OnDeviceLost(identifier string) {
	m.mu.Lock()
	delete(m.candidates, identifier)
	if s, ok := m.actives[identifier]; ok {
		s.Unbind()
	}
	m.mu.Unlock()
	m.announce()
}

// AvailableSessions returns identifiers that are either not active and
// not soft-locked, or active with room and a bound device.
func (m *Manager) AvailableSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, fd := range m.candidates {
		s, active := m.actives[id]
		if !active {
			if !fd.IsLocked() {
				out = append(out, id)
			}
			continue
		}
		if !s.Closed() && s.SlotsFree() > 0 {
			out = append(out, id)
		}
	}
	return out
}

// AttemptConnectionTo admits userName onto identifier's session,
// lazily creating the session if one does not yet exist (spec §4.I).
func (m *Manager) AttemptConnectionTo(identifier, userName string) (*session.Controller, error) {
	m.mu.Lock()
	if s, ok := m.actives[identifier]; ok {
		m.mu.Unlock()
		ctrl, err := s.CreateContext(userName)
		m.announce()
		return ctrl, err
	}

	fd, ok := m.candidates[identifier]
	if !ok {
		m.mu.Unlock()
		return nil, errcode.Wrap("sessionmgr.attempt_connection_to", errcode.NoSuchSession, nil)
	}
	if fd.IsLocked() {
		m.mu.Unlock()
		return nil, errcode.Wrap("sessionmgr.attempt_connection_to", errcode.LockedByOtherHost, nil)
	}

	s := session.New(identifier, m.factory, m.limits, fd, m.conn, m.announce, m.log)
	m.actives[identifier] = s
	m.mu.Unlock()

	ctrl, err := s.CreateContext(userName)
	m.announce()
	return ctrl, err
}

// Run subscribes to the connection manager's device_connected/device_lost
// topics and keeps the candidate catalog in sync until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	connected := m.conn.Subscribe(connmgr.TopicDeviceConnected)
	lost := m.conn.Subscribe(connmgr.TopicDeviceLost)
	lockChanged := m.conn.Subscribe(connmgr.TopicDeviceLockChanged)
	defer m.conn.Unsubscribe(connected)
	defer m.conn.Unsubscribe(lost)
	defer m.conn.Unsubscribe(lockChanged)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-connected.Channel():
			if fd, ok := msg.Payload.(*fuseddevice.Device); ok {
				m.OnDeviceConnected(fd)
			}
		case msg := <-lost.Channel():
			if id, ok := msg.Payload.(string); ok {
				m.OnDeviceLost(id)
			}
		case <-lockChanged.Channel():
			// A candidate's lock flag flipping never changes membership, only
			// whether it should appear in the projection, so just re-announce.
			m.announce()
		}
	}
}

func (m *Manager) announce() {
	m.conn.Publish(m.conn.NewMessage(TopicAvailableSessionsUpdated, m.AvailableSessions(), true))
}
