package udpnet

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"edmo-hub/bus"
)

var (
	TopicChannelEstablished = bus.T("transport", "udp", "channel_established")
	TopicChannelLost        = bus.T("transport", "udp", "channel_lost")
)

type EstablishedPayload struct {
	Peer    *net.UDPAddr
	Channel *Channel
}

type LostPayload struct {
	Peer *net.UDPAddr
}

// pollMessage is broadcast once a second on every known non-loopback IPv4
// broadcast endpoint so devices on the LAN can announce themselves.
var pollMessage = []byte("EDMO-POLL")

// Manager owns one ephemeral broadcast-enabled UDP socket. It computes the
// set of broadcast endpoints for every non-loopback IPv4 interface, ticks
// pollMessage out to each, and demultiplexes inbound datagrams into one
// per-peer Channel keyed by source endpoint (spec §4.D).
type Manager struct {
	conn             *net.UDPConn
	bconn            *bus.Connection
	log              *logrus.Entry
	peers            map[string]*Channel
	peersL           chan func()
	pollEvery        time.Duration
	inactivityAfter  time.Duration
}

// NewManager opens the shared socket on bindPort (0 selects an ephemeral
// port) and returns a manager ready to Run, broadcasting pollMessage every
// pollEvery (<=0 selects 1 second) and failing a peer's channel after
// inactivityAfter (<=0 selects the channel package's 10-second default).
func NewManager(bindPort int, pollEvery, inactivityAfter time.Duration, bconn *bus.Connection, log *logrus.Entry) (*Manager, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: bindPort})
	if err != nil {
		return nil, err
	}
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	return &Manager{
		conn:            conn,
		bconn:           bconn,
		log:             log.WithField("component", "udp_manager"),
		peers:           make(map[string]*Channel),
		peersL:          make(chan func()),
		pollEvery:       pollEvery,
		inactivityAfter: inactivityAfter,
	}, nil
}

// LocalAddr reports the shared socket's bound address, useful once
// NewManager was called with bindPort 0 and the OS picked an ephemeral port.
func (m *Manager) LocalAddr() *net.UDPAddr { return m.conn.LocalAddr().(*net.UDPAddr) }

// Run drives the poll ticker and the receive loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	go m.mutator(ctx)
	go m.recvLoop(ctx)

	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.conn.Close()
			return
		case <-ticker.C:
			m.broadcastPoll()
		}
	}
}

// mutator serializes access to m.peers: both the recv loop and the
// watchdog-driven close path touch it, so every mutation runs as a closure
// submitted here rather than under an ad hoc mutex.
func (m *Manager) mutator(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-m.peersL:
			fn()
		}
	}
}

func (m *Manager) broadcastPoll() {
	endpoints, err := broadcastEndpoints(m.conn.LocalAddr().(*net.UDPAddr).Port)
	if err != nil {
		m.log.WithError(err).Warn("udp: failed to compute broadcast endpoints")
		return
	}
	for _, ep := range endpoints {
		if _, err := m.conn.WriteToUDP(pollMessage, ep); err != nil {
			m.log.WithError(err).Debug("udp: broadcast write failed")
		}
	}
}

func (m *Manager) recvLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		n, peer, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.WithError(err).Info("udp: read failed")
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		key := peer.String()

		done := make(chan struct{})
		m.peersL <- func() {
			defer close(done)
			ch, ok := m.peers[key]
			if !ok {
				ch = newChannel(m.conn, peer, m.inactivityAfter, m.log)
				m.peers[key] = ch
				m.bconn.Publish(m.bconn.NewMessage(TopicChannelEstablished, EstablishedPayload{Peer: peer, Channel: ch}, false))
				go m.watchLoss(ctx, key, ch)
			}
			ch.deliverFromPeer(data)
		}
		<-done
	}
}

// watchLoss removes a peer from the tracked set and announces loss once
// its channel reaches a terminal state (inactivity timeout or explicit close).
func (m *Manager) watchLoss(ctx context.Context, key string, ch *Channel) {
	for {
		if ch.Status().Terminal() {
			done := make(chan struct{})
			select {
			case m.peersL <- func() { delete(m.peers, key); close(done) }:
				<-done
			case <-ctx.Done():
				return
			}
			addr, _ := net.ResolveUDPAddr("udp4", key)
			m.bconn.Publish(m.bconn.NewMessage(TopicChannelLost, LostPayload{Peer: addr}, false))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// broadcastEndpoints returns the directed-broadcast address (host bits set,
// per-interface netmask) of every up, non-loopback IPv4 interface, paired
// with the manager's own UDP port.
func broadcastEndpoints(port int) ([]*net.UDPAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []*net.UDPAddr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			bcast := make(net.IP, len(ip4))
			for i := range ip4 {
				bcast[i] = ip4[i] | ^ipnet.Mask[i]
			}
			out = append(out, &net.UDPAddr{IP: bcast, Port: port})
		}
	}
	return out, nil
}
