// Package udpnet implements the UDP transport: a per-peer Channel
// multiplexed over one shared broadcast-enabled socket, and the manager
// that ticks a poll broadcast and demultiplexes inbound datagrams by
// source endpoint (spec §4.D).
//
// Grounded on the recv-loop/session-map/periodic-broadcast pattern in
// alessio-palumbo-lifxlan-go's client manager and controller packages
// (other_examples), generalized from LIFX's single-protocol discovery to
// EDMO's per-peer liveness timeout.
package udpnet

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"edmo-hub/transport"
)

const defaultInactivityTimeout = 10 * time.Second

// Channel is a UDP-peer-backed transport.Channel. Writes go out over the
// manager's shared socket; the channel fails itself if no datagram from
// its peer arrives within its inactivity timeout.
type Channel struct {
	transport.BaseChannel

	peer    *net.UDPAddr
	conn    *net.UDPConn
	timeout time.Duration
	resetCh chan struct{}
	log     *logrus.Entry
}

func newChannel(conn *net.UDPConn, peer *net.UDPAddr, timeout time.Duration, log *logrus.Entry) *Channel {
	if timeout <= 0 {
		timeout = defaultInactivityTimeout
	}
	c := &Channel{
		peer:    peer,
		conn:    conn,
		timeout: timeout,
		resetCh: make(chan struct{}, 1),
		log:     log.WithField("peer", peer.String()),
	}
	c.SetStatus(transport.StatusConnected)
	go c.watchdog()
	return c
}

func (c *Channel) watchdog() {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	for {
		select {
		case <-c.resetCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.timeout)
		case <-timer.C:
			c.log.Info("udp: peer inactive, channel failing")
			c.CloseOnce(transport.StatusFailed)
			return
		}
	}
}

// Peer returns the remote endpoint this channel is bound to.
func (c *Channel) Peer() *net.UDPAddr { return c.peer }

// deliverFromPeer feeds an inbound datagram and resets the inactivity timer.
func (c *Channel) deliverFromPeer(p []byte) {
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
	c.Deliver(p)
}

// Write sends p to the peer over the shared socket. Silent no-op once closed.
func (c *Channel) Write(p []byte) {
	if c.IsClosed() {
		return
	}
	if _, err := c.conn.WriteToUDP(p, c.peer); err != nil {
		c.log.WithError(err).Info("udp: write failed, channel failing")
		c.CloseOnce(transport.StatusFailed)
	}
}

// Close is idempotent; it does not close the shared socket.
func (c *Channel) Close() {
	c.CloseOnce(transport.StatusClosed)
}
