// Package serial implements the serial transport: a Channel over an OS
// serial port (spec §4.C) opened at 9600 baud with DTR asserted, plus the
// manager that diff-polls port enumeration and mints one channel per
// newly observed port.
//
// Port I/O is grounded on go.bug.st/serial (the ecosystem's standard
// cross-platform serial library — see DESIGN.md for why this is an
// out-of-pack dependency rather than a hand-rolled termios/ioctl layer
// like the reference pack's Daedaluz/goserial file).
package serial

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"edmo-hub/transport"
)

const (
	defaultBaudRate = 9600
	openRetryEvery  = 500 * time.Millisecond
	openTimeout     = 3 * time.Second
	readBufSize     = 512
)

// Channel is a serial-port-backed transport.Channel.
type Channel struct {
	transport.BaseChannel

	portName string
	port     serial.Port
	cancel   context.CancelFunc
	log      *logrus.Entry
}

// PortName reports the OS device name this channel was opened against.
func (c *Channel) PortName() string { return c.portName }

// Open attempts to open portName at baudRate-8-N-1 (0 selects
// defaultBaudRate, 9600) with DTR asserted, retrying every 500ms on any
// open error until openTimeout elapses. The returned
// channel starts in StatusWaiting and transitions to StatusConnected once
// the port is open and the read loop is running, or StatusFailed if the
// deadline passes first.
func Open(ctx context.Context, portName string, baudRate int, log *logrus.Entry) *Channel {
	if baudRate <= 0 {
		baudRate = defaultBaudRate
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Channel{portName: portName, cancel: cancel, log: log.WithField("port", portName)}
	c.SetStatus(transport.StatusWaiting)
	go c.openLoop(ctx, baudRate)
	return c
}

func (c *Channel) openLoop(ctx context.Context, baudRate int) {
	deadline := time.Now().Add(openTimeout)
	mode := &serial.Mode{BaudRate: baudRate}

	for {
		port, err := serial.Open(c.portName, mode)
		if err == nil {
			if dtrErr := port.SetDTR(true); dtrErr != nil {
				c.log.WithError(dtrErr).Warn("serial: failed to assert DTR")
			}
			c.port = port
			c.SetStatus(transport.StatusConnected)
			go c.readLoop(ctx)
			return
		}

		if time.Now().After(deadline) {
			c.log.WithError(err).Warn("serial: open timed out")
			c.CloseOnce(transport.StatusFailed)
			return
		}

		select {
		case <-ctx.Done():
			c.CloseOnce(transport.StatusClosed)
			return
		case <-time.After(openRetryEvery):
		}
	}
}

func (c *Channel) readLoop(ctx context.Context) {
	buf := make([]byte, readBufSize)
	for {
		if ctx.Err() != nil {
			c.CloseOnce(transport.StatusClosed)
			return
		}
		n, err := c.port.Read(buf)
		if err != nil {
			c.log.WithError(err).Info("serial: read failed, channel failing")
			c.CloseOnce(transport.StatusFailed)
			return
		}
		if n == 0 {
			continue
		}
		c.Deliver(append([]byte(nil), buf[:n]...))
	}
}

// Write is a silent no-op on a closed channel (spec §4.B contract).
func (c *Channel) Write(p []byte) {
	if c.IsClosed() || c.port == nil {
		return
	}
	if _, err := c.port.Write(p); err != nil {
		c.log.WithError(err).Info("serial: write failed, channel failing")
		c.CloseOnce(transport.StatusFailed)
	}
}

// Close is idempotent.
func (c *Channel) Close() {
	c.cancel()
	if c.port != nil {
		_ = c.port.Close()
	}
	c.CloseOnce(transport.StatusClosed)
}
