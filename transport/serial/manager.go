package serial

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	goserial "go.bug.st/serial"

	"edmo-hub/bus"
)

// Events published on conn, one per discovered/lost port.
var (
	TopicChannelEstablished = bus.T("transport", "serial", "channel_established")
	TopicChannelLost        = bus.T("transport", "serial", "channel_lost")
)

// EstablishedPayload is published with TopicChannelEstablished.
type EstablishedPayload struct {
	Port    string
	Channel *Channel
}

// LostPayload is published with TopicChannelLost.
type LostPayload struct {
	Port string
}

// Manager diff-polls the OS port enumeration once a second (spec §4.C),
// opening a Channel for each newly observed name and announcing loss when
// a previously tracked name disappears. On hosts that report phantom
// ports after physical disconnection, listPorts intersects the
// enumerated names against the OS device-instance list to drop them.
type Manager struct {
	conn      *bus.Connection
	log       *logrus.Entry
	tracked   map[string]*Channel
	listPorts func() ([]string, error)
	open      func(ctx context.Context, portName string, baudRate int, log *logrus.Entry) *Channel
	pollEvery time.Duration
	baudRate  int
}

// NewManager builds a serial manager publishing on conn, polling every
// pollEvery and opening ports at baudRate (0 selects the channel package's
// default of 9600).
func NewManager(conn *bus.Connection, pollEvery time.Duration, baudRate int, log *logrus.Entry) *Manager {
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	return &Manager{
		conn:      conn,
		log:       log.WithField("component", "serial_manager"),
		tracked:   make(map[string]*Channel),
		listPorts: listPortsFiltered,
		open:      Open,
		pollEvery: pollEvery,
		baudRate:  baudRate,
	}
}

// Run polls until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()
	for {
		m.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) poll(ctx context.Context) {
	names, err := m.listPorts()
	if err != nil {
		m.log.WithError(err).Warn("serial: enumerate ports failed")
		return
	}

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name] = true
		if _, ok := m.tracked[name]; ok {
			continue
		}
		ch := m.open(ctx, name, m.baudRate, m.log)
		m.tracked[name] = ch
		// The port name appearing in the enumeration only means the OS sees
		// it; announce channel_established once the open/retry loop actually
		// lands on StatusConnected, not the instant it's placed in the
		// waiting set, so deviceconn's Identify write is never sent into a
		// still-closing port.
		port := name
		ch.OnConnected(func() {
			m.conn.Publish(m.conn.NewMessage(TopicChannelEstablished, EstablishedPayload{Port: port, Channel: ch}, false))
		})
	}

	for name, ch := range m.tracked {
		if seen[name] {
			continue
		}
		ch.Close()
		delete(m.tracked, name)
		m.conn.Publish(m.conn.NewMessage(TopicChannelLost, LostPayload{Port: name}, false))
	}
}

func listPortsFiltered() ([]string, error) {
	names, err := goserial.GetPortsList()
	if err != nil {
		return nil, err
	}
	instances, ok := devicePresent()
	if !ok {
		return names, nil
	}
	filtered := names[:0:0]
	for _, n := range names {
		if instances[n] {
			filtered = append(filtered, n)
		}
	}
	return filtered, nil
}
