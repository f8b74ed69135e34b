// Package deviceconn implements the device connection state machine
// (spec §4.E): it validates a Channel as an EDMO device, reframes its
// inbound byte stream into typed records, and exposes them as typed
// events while providing write methods for outbound commands.
package deviceconn

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"edmo-hub/errcode"
	"edmo-hub/protocol"
	"edmo-hub/transport"
)

const validationTimeout = 3 * time.Second

// hostID is the stable per-host UUID sent as the Identify command's lock
// key, computed once at process start.
var hostID = uuid.New()

// Events, each delivered through the matching Handlers callback.
type (
	// LockStateChangedEvent fires when Identify's lock flag changes value.
	LockStateChangedEvent struct{ Locked bool }
	// TimeReceivedEvent carries the device's reported clock.
	TimeReceivedEvent struct{ Time uint32 }
	// OscillationDataReceivedEvent carries one oscillator's state.
	OscillationDataReceivedEvent struct {
		Index uint8
		State protocol.OscillatorState
	}
	// IMUDataReceivedEvent carries one aggregate IMU sample.
	IMUDataReceivedEvent struct{ IMU protocol.IMUAggregate }
	// UnknownPacketReceivedEvent carries the raw unescaped tag+body that
	// failed to parse or matched no known tag.
	UnknownPacketReceivedEvent struct{ Raw []byte }
)

// Handlers is the set of callbacks a device connection dispatches typed
// events to. Any field left nil is simply not invoked. FusedDevice (§4.F)
// installs these to forward events to its own subscribers.
type Handlers struct {
	OnLockStateChanged func(LockStateChangedEvent)
	OnTimeReceived     func(TimeReceivedEvent)
	OnOscillationData  func(OscillationDataReceivedEvent)
	OnIMUData          func(IMUDataReceivedEvent)
	OnUnknownPacket    func(UnknownPacketReceivedEvent)
	OnStatusChanged    func(transport.Status)
}

// Connection validates a Channel as an EDMO device and exposes its
// decoded event stream.
type Connection struct {
	ch  transport.Channel
	log *logrus.Entry

	mu               sync.RWMutex
	status           transport.Status
	identifier       string
	oscillatorCount  uint8
	armHues          []uint16
	locked           bool
	handlers         Handlers
	validationFailed bool

	reframer *protocol.Reframer
	timer    *time.Timer
}

// New constructs a connection over ch, sends Identify, and starts the
// validation deadline. It does not block.
func New(ch transport.Channel, log *logrus.Entry) *Connection {
	c := &Connection{ch: ch, log: log, status: transport.StatusWaiting}
	c.reframer = &protocol.Reframer{Dispatch: c.dispatch}
	ch.OnData(c.reframer.Feed)

	ch.Write(protocol.Encode(byte(protocol.TagIdentify), protocol.EncodeIdentifyCommand(hostID)))

	c.timer = time.AfterFunc(validationTimeout, c.onValidationTimeout)
	return c
}

// SetHandlers installs the event sink. Only one set is meaningful at a
// time; the fused device re-installs on promotion.
func (c *Connection) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

func (c *Connection) Status() transport.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	// A validation timeout is this layer's own terminal verdict, distinct
	// from the channel's generic StatusClosed — the channel itself closed
	// cleanly, but the connection never proved itself an EDMO device.
	if c.validationFailed {
		return transport.StatusFailed
	}
	if c.ch.Status().Terminal() {
		return c.ch.Status()
	}
	return c.status
}

func (c *Connection) Identifier() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identifier
}

func (c *Connection) OscillatorCount() uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.oscillatorCount
}

func (c *Connection) ArmHues() []uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]uint16(nil), c.armHues...)
}

func (c *Connection) IsLocked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.locked
}

// Write frames and sends a typed command body under the given tag.
func (c *Connection) Write(tag protocol.Tag, body []byte) {
	c.ch.Write(protocol.Encode(byte(tag), body))
}

func (c *Connection) Close() {
	c.timer.Stop()
	c.ch.Close()
}

func (c *Connection) onValidationTimeout() {
	c.mu.Lock()
	already := c.identifier != ""
	if !already {
		c.validationFailed = true
	}
	c.mu.Unlock()
	if already {
		return
	}
	err := errcode.Wrap("deviceconn.validate", errcode.ValidationTimeout, nil)
	c.log.WithError(err).Warn("deviceconn: validation timed out")
	c.ch.Close()
}

func (c *Connection) dispatch(tagBody []byte) {
	if len(tagBody) == 0 {
		return
	}
	tag := protocol.Tag(tagBody[0])
	body := tagBody[1:]

	switch tag {
	case protocol.TagIdentify:
		c.handleIdentify(body, tagBody)
	case protocol.TagGetTime:
		t, err := protocol.DecodeGetTime(body)
		if err != nil {
			c.fireUnknown(tagBody)
			return
		}
		c.fireTimeReceived(t)
	case protocol.TagSendMotorData:
		m, err := protocol.DecodeSendMotorData(body)
		if err != nil {
			c.fireUnknown(tagBody)
			return
		}
		c.fireOscillationData(m.Index, m.State)
	case protocol.TagSendImuData:
		imu, err := protocol.DecodeIMUAggregate(body)
		if err != nil {
			c.fireUnknown(tagBody)
			return
		}
		c.fireIMUData(imu)
	case protocol.TagSendAllData:
		c.handleSendAllData(body, tagBody)
	default:
		c.fireUnknown(tagBody)
	}
}

func (c *Connection) handleIdentify(body, raw []byte) {
	reply, err := protocol.DecodeIdentifyReply(body)
	if err != nil {
		c.fireUnknown(raw)
		return
	}

	c.mu.Lock()
	lockChanged := c.identifier == "" || c.locked != reply.IsLocked
	wasLocked := c.locked
	c.oscillatorCount = reply.OscillatorCount
	c.armHues = reply.ArmHues
	c.locked = reply.IsLocked
	// identifier is set last so external observers see a coherent connection.
	c.identifier = reply.Identifier
	wasWaiting := c.status == transport.StatusWaiting
	c.status = transport.StatusConnected
	c.mu.Unlock()

	if wasWaiting {
		c.timer.Stop()
	}
	if lockChanged && wasLocked != reply.IsLocked {
		c.fireLockChanged(reply.IsLocked)
	}
}

func (c *Connection) handleSendAllData(body, raw []byte) {
	n := int(c.OscillatorCount())
	all, err := protocol.DecodeSendAllData(body, n)
	if err != nil {
		c.fireUnknown(raw)
		return
	}
	c.fireTimeReceived(all.Time)
	for i, st := range all.Oscillators {
		c.fireOscillationData(uint8(i), st)
	}
	c.fireIMUData(all.IMU)
}

func (c *Connection) fireLockChanged(locked bool) {
	c.mu.RLock()
	fn := c.handlers.OnLockStateChanged
	c.mu.RUnlock()
	if fn != nil {
		fn(LockStateChangedEvent{Locked: locked})
	}
}

func (c *Connection) fireTimeReceived(t uint32) {
	c.mu.RLock()
	fn := c.handlers.OnTimeReceived
	c.mu.RUnlock()
	if fn != nil {
		fn(TimeReceivedEvent{Time: t})
	}
}

func (c *Connection) fireOscillationData(idx uint8, st protocol.OscillatorState) {
	c.mu.RLock()
	fn := c.handlers.OnOscillationData
	c.mu.RUnlock()
	if fn != nil {
		fn(OscillationDataReceivedEvent{Index: idx, State: st})
	}
}

func (c *Connection) fireIMUData(imu protocol.IMUAggregate) {
	c.mu.RLock()
	fn := c.handlers.OnIMUData
	c.mu.RUnlock()
	if fn != nil {
		fn(IMUDataReceivedEvent{IMU: imu})
	}
}

func (c *Connection) fireUnknown(raw []byte) {
	c.mu.RLock()
	fn := c.handlers.OnUnknownPacket
	c.mu.RUnlock()
	if fn != nil {
		fn(UnknownPacketReceivedEvent{Raw: append([]byte(nil), raw...)})
	}
}
