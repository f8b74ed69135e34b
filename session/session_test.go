package session

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"edmo-hub/bus"
	"edmo-hub/deviceconn"
	"edmo-hub/fuseddevice"
	"edmo-hub/plugin"
	"edmo-hub/protocol"
	"edmo-hub/services/config"
	"edmo-hub/transport"
)

// fakeChannel is a minimal transport.Channel used to drive a real
// deviceconn.Connection (and so a real fuseddevice.Device) under test.
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

func (f *fakeChannel) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func defaultLimits() config.OscillatorLimits {
	return config.OscillatorLimits{
		AmplitudeMin: 0, AmplitudeMax: 90,
		OffsetMin: 0, OffsetMax: 180,
		PhaseShiftMin: -180, PhaseShiftMax: 180,
	}
}

func identifyReplyFrame(id string, oscillatorCount uint8) []byte {
	body := append([]byte(id), 0, oscillatorCount)
	for i := uint8(0); i < oscillatorCount; i++ {
		body = append(body, 0, 0) // hue placeholder
	}
	body = append(body, 0) // unlocked
	return protocol.Encode(byte(protocol.TagIdentify), body)
}

// newFusedDevice builds a fused device with one identified member
// reporting oscillatorCount oscillators, plus the fake channel backing it
// so tests can inspect what the session wrote.
func newFusedDevice(t *testing.T, identifier string, oscillatorCount uint8) (*fuseddevice.Device, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	conn := deviceconn.New(ch, testLogger())
	ch.deliver(identifyReplyFrame(identifier, oscillatorCount))

	deadline := time.Now().Add(time.Second)
	for conn.Identifier() != identifier {
		if time.Now().After(deadline) {
			t.Fatalf("connection never identified as %q", identifier)
		}
		time.Sleep(time.Millisecond)
	}

	fd := fuseddevice.New(identifier, deviceconn.Handlers{})
	fd.Add(conn)
	return fd, ch
}

func TestSession_BindGrowsParamsAndAdmitsUpToOscillatorCount(t *testing.T) {
	fd, _ := newFusedDevice(t, "bot-1", 2)
	b := bus.NewBus(8)
	s := New("bot-1", nil, defaultLimits(), fd, b.NewConnection("session"), nil, testLogger())
	defer s.Close()

	if s.SlotsFree() != 2 {
		t.Fatalf("slots free = %d, want 2", s.SlotsFree())
	}

	c1, err := s.CreateContext("alice")
	if err != nil {
		t.Fatalf("CreateContext 1: %v", err)
	}
	c2, err := s.CreateContext("bob")
	if err != nil {
		t.Fatalf("CreateContext 2: %v", err)
	}
	if c1.Slot == c2.Slot {
		t.Fatal("expected distinct slots")
	}

	if _, err := s.CreateContext("carol"); err == nil {
		t.Fatal("expected admission to be refused once the session is full")
	}
}

func TestSession_LeaveFreesSlotForReadmission(t *testing.T) {
	// Two slots, with a second controller staying on, so c1 leaving does not
	// empty the session (an empty session closes, see the test below).
	fd, _ := newFusedDevice(t, "bot-1", 2)
	b := bus.NewBus(8)
	s := New("bot-1", nil, defaultLimits(), fd, b.NewConnection("session"), nil, testLogger())
	defer s.Close()

	c1, err := s.CreateContext("alice")
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	if _, err := s.CreateContext("dave"); err != nil {
		t.Fatalf("CreateContext 2: %v", err)
	}
	if _, err := s.CreateContext("bob"); err == nil {
		t.Fatal("expected both slots to already be taken")
	}

	c1.Leave()

	c2, err := s.CreateContext("bob")
	if err != nil {
		t.Fatalf("CreateContext after Leave: %v", err)
	}
	if c2.Slot != c1.Slot {
		t.Fatalf("expected slot %d to be reused, got %d", c1.Slot, c2.Slot)
	}
}

func TestSession_LastControllerLeavingClosesTheSession(t *testing.T) {
	fd, _ := newFusedDevice(t, "bot-1", 1)
	b := bus.NewBus(8)
	s := New("bot-1", nil, defaultLimits(), fd, b.NewConnection("session"), nil, testLogger())

	c1, err := s.CreateContext("alice")
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	if s.Closed() {
		t.Fatal("session should still be open with a controller present")
	}

	c1.Leave()

	if !s.Closed() {
		t.Fatal("expected session to close once its last controller leaves")
	}
	if _, err := s.CreateContext("bob"); err == nil {
		t.Fatal("expected CreateContext to fail on a closed session")
	}
}

func TestSession_SetAmplitudeClampsToConfiguredBounds(t *testing.T) {
	fd, _ := newFusedDevice(t, "bot-1", 1)
	b := bus.NewBus(8)
	s := New("bot-1", nil, defaultLimits(), fd, b.NewConnection("session"), nil, testLogger())
	defer s.Close()

	c, err := s.CreateContext("alice")
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	c.SetAmplitude(999)
	s.mu.Lock()
	got := s.oscillatorParams[c.Slot].Amplitude
	s.mu.Unlock()
	if got != 90 {
		t.Fatalf("amplitude = %v, want clamped to 90", got)
	}

	c.SetAmplitude(-50)
	s.mu.Lock()
	got = s.oscillatorParams[c.Slot].Amplitude
	s.mu.Unlock()
	if got != 0 {
		t.Fatalf("amplitude = %v, want clamped to 0", got)
	}
}

func TestSession_SetFrequencyIsGloballyUniform(t *testing.T) {
	fd, _ := newFusedDevice(t, "bot-1", 3)
	b := bus.NewBus(8)
	s := New("bot-1", nil, defaultLimits(), fd, b.NewConnection("session"), nil, testLogger())
	defer s.Close()

	c, err := s.CreateContext("alice")
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	c.SetFrequency(2.5)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.oscillatorParams {
		if p.Frequency != 2.5 {
			t.Fatalf("oscillator %d frequency = %v, want 2.5", i, p.Frequency)
		}
	}
}

func TestSession_UnbindThenBindRetainsUsersAndParams(t *testing.T) {
	fd, _ := newFusedDevice(t, "bot-1", 1)
	b := bus.NewBus(8)
	s := New("bot-1", nil, defaultLimits(), fd, b.NewConnection("session"), nil, testLogger())
	defer s.Close()

	c, err := s.CreateContext("alice")
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	c.SetAmplitude(45)

	s.Unbind()
	if s.Closed() {
		t.Fatal("Unbind must not close the session")
	}

	fd2, _ := newFusedDevice(t, "bot-1", 1)
	s.Bind(fd2)

	s.mu.Lock()
	got := s.oscillatorParams[c.Slot].Amplitude
	_, stillPresent := s.controllers[c.Slot]
	s.mu.Unlock()

	if !stillPresent {
		t.Fatal("expected the controller to survive an unbind/rebind cycle")
	}
	if got != 45 {
		t.Fatalf("amplitude after rebind = %v, want 45 (retained)", got)
	}
}

func TestSession_ReconcileWritesOscillatorParamsPeriodically(t *testing.T) {
	fd, ch := newFusedDevice(t, "bot-1", 1)
	b := bus.NewBus(8)
	s := New("bot-1", nil, defaultLimits(), fd, b.NewConnection("session"), nil, testLogger())
	defer s.Close()

	before := ch.writeCount()
	deadline := time.Now().Add(time.Second)
	for ch.writeCount() <= before {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for reconcile loop to write oscillator params")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// countingPlugin counts the lifecycle callbacks it receives, used to
// check plugin installation and SessionStarted/SessionEnded dispatch.
type countingPlugin struct {
	mu       sync.Mutex
	started  int
	ended    int
	updates  int
	priority int
}

func (p *countingPlugin) Priority() int { return p.priority }
func (p *countingPlugin) SessionStarted() {
	p.mu.Lock()
	p.started++
	p.mu.Unlock()
}
func (p *countingPlugin) SessionEnded() {
	p.mu.Lock()
	p.ended++
	p.mu.Unlock()
}
func (p *countingPlugin) Update() {
	p.mu.Lock()
	p.updates++
	p.mu.Unlock()
}

func TestSession_InstallsPluginsAndFiresSessionStartedEnded(t *testing.T) {
	fd, _ := newFusedDevice(t, "bot-1", 1)
	b := bus.NewBus(8)

	cp := &countingPlugin{}
	factory := func(hostFor func(plugin.Plugin) plugin.Host) []plugin.Plugin {
		return []plugin.Plugin{cp}
	}

	s := New("bot-1", factory, defaultLimits(), fd, b.NewConnection("session"), nil, testLogger())

	cp.mu.Lock()
	started := cp.started
	cp.mu.Unlock()
	if started != 1 {
		t.Fatalf("SessionStarted fired %d times, want 1", started)
	}

	c, err := s.CreateContext("alice")
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	c.Leave() // last controller leaving closes the session

	cp.mu.Lock()
	ended := cp.ended
	cp.mu.Unlock()
	if ended != 1 {
		t.Fatalf("SessionEnded fired %d times, want 1", ended)
	}
}
