package deviceconn

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"edmo-hub/protocol"
	"edmo-hub/transport"
)

// fakeChannel is a minimal in-memory transport.Channel: writes are
// recorded, and tests push inbound bytes through deliver.
type fakeChannel struct {
	mu     sync.Mutex
	status transport.Status
	writes [][]byte
	onData func(p []byte)
	closed bool
}

func newFakeChannel() *fakeChannel { return &fakeChannel{status: transport.StatusWaiting} }

func (f *fakeChannel) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeChannel) Write(p []byte) {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	f.mu.Unlock()
}

func (f *fakeChannel) OnData(fn func(p []byte)) {
	f.mu.Lock()
	f.onData = fn
	f.mu.Unlock()
}

func (f *fakeChannel) Close() {
	f.mu.Lock()
	f.closed = true
	f.status = transport.StatusClosed
	f.mu.Unlock()
}

func (f *fakeChannel) deliver(p []byte) {
	f.mu.Lock()
	fn := f.onData
	f.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

func (f *fakeChannel) lastWrite() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	return f.writes[len(f.writes)-1]
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func identifyReplyFrame(id string, hues []uint16, locked bool) []byte {
	body := append([]byte(id), 0)
	body = append(body, byte(len(hues)))
	for _, h := range hues {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, h)
		body = append(body, b...)
	}
	if locked {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}
	return protocol.Encode(byte(protocol.TagIdentify), body)
}

func TestNew_SendsIdentifyImmediately(t *testing.T) {
	ch := newFakeChannel()
	c := New(ch, testLogger())
	defer c.Close()

	if len(ch.lastWrite()) == 0 {
		t.Fatal("expected New to write an Identify command")
	}
	if c.Status() != transport.StatusWaiting {
		t.Fatalf("status = %v, want waiting before any reply", c.Status())
	}
}

func TestIdentify_SetsIdentifierAndConnects(t *testing.T) {
	ch := newFakeChannel()
	c := New(ch, testLogger())
	defer c.Close()

	ch.deliver(identifyReplyFrame("bot-1", []uint16{10, 200}, false))

	if c.Identifier() != "bot-1" {
		t.Fatalf("identifier = %q, want bot-1", c.Identifier())
	}
	if c.OscillatorCount() != 2 {
		t.Fatalf("oscillator count = %d, want 2", c.OscillatorCount())
	}
	if got := c.ArmHues(); len(got) != 2 || got[0] != 10 || got[1] != 200 {
		t.Fatalf("arm hues = %v, want [10 200]", got)
	}
	if c.Status() != transport.StatusConnected {
		t.Fatalf("status = %v, want connected", c.Status())
	}
	if c.IsLocked() {
		t.Fatal("expected unlocked")
	}
}

func TestIdentify_LockStateChangeFiresOnlyOnActualChange(t *testing.T) {
	ch := newFakeChannel()
	c := New(ch, testLogger())
	defer c.Close()

	var events []bool
	c.SetHandlers(Handlers{OnLockStateChanged: func(e LockStateChangedEvent) {
		events = append(events, e.Locked)
	}})

	// First identify: transitions out of the zero value, but with
	// IsLocked false — the initial state isn't itself a "change".
	ch.deliver(identifyReplyFrame("bot-1", nil, false))
	if len(events) != 0 {
		t.Fatalf("unexpected lock events on first identify: %v", events)
	}

	// Re-identify with the same lock value: no event.
	ch.deliver(identifyReplyFrame("bot-1", nil, false))
	if len(events) != 0 {
		t.Fatalf("unexpected lock events on unchanged re-identify: %v", events)
	}

	// Re-identify with a flipped lock value: exactly one event.
	ch.deliver(identifyReplyFrame("bot-1", nil, true))
	if len(events) != 1 || events[0] != true {
		t.Fatalf("events = %v, want a single true", events)
	}
}

func TestValidationTimeout_ClosesUnidentifiedChannel(t *testing.T) {
	ch := newFakeChannel()
	c := New(ch, testLogger())
	c.timer.Reset(10 * time.Millisecond)

	time.Sleep(50 * time.Millisecond)

	if !ch.closed {
		t.Fatal("expected channel to be closed after validation timeout")
	}
	// The underlying channel closes cleanly (StatusClosed), but the
	// connection itself never proved out as a device: its own Status must
	// report the distinct failed verdict, not just closed.
	if got := c.Status(); got != transport.StatusFailed {
		t.Fatalf("status = %v, want failed", got)
	}
}

func TestValidationTimeout_DoesNotCloseAfterIdentify(t *testing.T) {
	ch := newFakeChannel()
	c := New(ch, testLogger())
	defer c.Close()
	c.timer.Reset(10 * time.Millisecond)

	ch.deliver(identifyReplyFrame("bot-1", nil, false))
	time.Sleep(50 * time.Millisecond)

	if ch.closed {
		t.Fatal("identified connection's channel must not be closed by the validation timer")
	}
	if got := c.Status(); got != transport.StatusConnected {
		t.Fatalf("status = %v, want connected", got)
	}
}

func TestDispatch_GetTimeFiresTimeReceived(t *testing.T) {
	ch := newFakeChannel()
	c := New(ch, testLogger())
	defer c.Close()

	var got uint32
	fired := make(chan struct{}, 1)
	c.SetHandlers(Handlers{OnTimeReceived: func(e TimeReceivedEvent) {
		got = e.Time
		fired <- struct{}{}
	}})

	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, 4242)
	ch.deliver(protocol.Encode(byte(protocol.TagGetTime), body))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for OnTimeReceived")
	}
	if got != 4242 {
		t.Fatalf("time = %d, want 4242", got)
	}
}

func TestDispatch_MalformedBodyFiresUnknown(t *testing.T) {
	ch := newFakeChannel()
	c := New(ch, testLogger())
	defer c.Close()

	fired := make(chan UnknownPacketReceivedEvent, 1)
	c.SetHandlers(Handlers{OnUnknownPacket: func(e UnknownPacketReceivedEvent) {
		fired <- e
	}})

	// GetTime with a short body: malformed.
	ch.deliver(protocol.Encode(byte(protocol.TagGetTime), []byte{1, 2}))

	select {
	case e := <-fired:
		if len(e.Raw) == 0 {
			t.Fatal("expected raw payload on unknown packet event")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for OnUnknownPacket")
	}
}

func TestWrite_FramesCommandUnderTag(t *testing.T) {
	ch := newFakeChannel()
	c := New(ch, testLogger())
	defer c.Close()

	c.Write(protocol.TagSessionStart, protocol.EncodeSessionStart(7))
	want := protocol.Encode(byte(protocol.TagSessionStart), protocol.EncodeSessionStart(7))
	got := ch.lastWrite()
	if string(got) != string(want) {
		t.Fatalf("write = %v, want %v", got, want)
	}
}
