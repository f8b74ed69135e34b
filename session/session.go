// Package session implements the session core (spec §4.H): admission
// control, slot allocation, the parameter-authority model, periodic
// hardware reconciliation, and orderly teardown for one device identifier.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"edmo-hub/bus"
	"edmo-hub/deviceconn"
	"edmo-hub/errcode"
	"edmo-hub/fuseddevice"
	"edmo-hub/plugin"
	"edmo-hub/protocol"
	"edmo-hub/services/config"
	"edmo-hub/x/mathx"
	"edmo-hub/x/timex"
)

// reconcileHz is the hardware reconciliation rate (spec §4.H's 50ms tick).
const reconcileHz = 20

var reconcileEvery = time.Duration(timex.PeriodFromHz(reconcileHz))

func topicPlayerListUpdated(id string) bus.Topic { return bus.T("session", id, "player_list_updated") }
func topicParamsExternal(id string, slot int) bus.Topic {
	return bus.T("session", id, "slot", slot, "params_updated_externally")
}
func topicExternalRelation(id string, slot int) bus.Topic {
	return bus.T("session", id, "slot", slot, "external_relation_changed")
}
func topicObjectives(id string) bus.Topic   { return bus.T("device", id, "objectives") }
func topicSessionEnded(id string) bus.Topic { return bus.T("session", id, "session_ended") }

// PlayerListEntry is one row of the player_list_updated snapshot.
type PlayerListEntry struct {
	Slot int
	Name string
}

// Session arbitrates concurrent controllers over one device identifier.
type Session struct {
	identifier string
	factory    plugin.Factory
	limits     config.OscillatorLimits
	conn       *bus.Connection
	log        *logrus.Entry

	// notifyAvailable is invoked (outside the session mutex) whenever
	// admission state changes in a way the session manager's
	// available_sessions projection must re-derive from.
	notifyAvailable func()

	mu              sync.Mutex
	closed          bool
	device          *fuseddevice.Device
	oscillatorCount int
	oscillatorParams []protocol.OscillatorParams
	armHues         []uint16
	pool            *slotPool
	admission       *semaphore.Weighted
	controllers     map[int]*Controller
	lastKnownTime   uint32
	plugins         []plugin.Descriptor

	cancelReconcile context.CancelFunc
	reconcileDone   chan struct{}
}

// New constructs an unbound session for identifier, bounding every
// controller/plugin parameter write to limits. If fd is non-nil, the
// session binds to it immediately.
func New(identifier string, factory plugin.Factory, limits config.OscillatorLimits, fd *fuseddevice.Device, conn *bus.Connection, notifyAvailable func(), log *logrus.Entry) *Session {
	s := &Session{
		identifier:      identifier,
		factory:         factory,
		limits:          limits,
		conn:            conn,
		notifyAvailable: notifyAvailable,
		log:             log.WithField("session", identifier),
		controllers:     make(map[int]*Controller),
	}
	if fd != nil {
		s.Bind(fd)
	}
	return s
}

// Identifier returns the device identifier this session arbitrates.
func (s *Session) Identifier() string { return s.identifier }

// Bind attaches the session to a (possibly new) fused device: grows the
// parameter array, rebuilds the slot pool, reasserts host state, and
// starts the reconciliation loop (spec §4.H).
func (s *Session) Bind(fd *fuseddevice.Device) {
	s.mu.Lock()
	if s.pool == nil {
		s.pool = newSlotPool(0)
	}
	oldCount := s.oscillatorCount
	newCount := int(fd.OscillatorCount())

	if newCount > oldCount {
		for i := oldCount; i < newCount; i++ {
			s.oscillatorParams = append(s.oscillatorParams, protocol.DefaultOscillatorParams())
		}
		occupied := make(map[int]bool, len(s.controllers))
		for slot := range s.controllers {
			occupied[slot] = true
		}
		s.pool.grow(oldCount, newCount, occupied)
		s.oscillatorCount = newCount
	}
	s.armHues = fd.ArmHues()
	s.device = fd

	if s.admission == nil || newCount > oldCount {
		// semaphore.Weighted has no resize operation, so growth replaces it
		// with one sized to the new capacity, re-acquiring for every slot
		// already occupied so the free count keeps matching s.pool.len().
		s.admission = semaphore.NewWeighted(int64(s.oscillatorCount))
		for range s.controllers {
			_ = s.admission.TryAcquire(1)
		}
	}

	params := append([]protocol.OscillatorParams(nil), s.oscillatorParams...)
	s.mu.Unlock()

	// A rebind may report fewer oscillators than the session ever grew to
	// (a device reconnecting with, say, a detached arm); never write past
	// what the device currently claims to have.
	active := mathx.Min(len(params), newCount)
	for i := 0; i < active; i++ {
		fd.Write(protocol.TagUpdateOscillator, protocol.EncodeUpdateOscillator(uint8(i), params[i]))
	}
	fd.Write(protocol.TagSessionStart, protocol.EncodeSessionStart(s.lastKnownTime))

	fd.SetHandlers(deviceconn.Handlers{
		OnIMUData:         s.onIMUData,
		OnOscillationData: s.onOscillationData,
		OnTimeReceived:    s.onTimeReceived,
	})

	if s.factory != nil && s.plugins == nil {
		s.installPlugins()
	}

	s.startReconcile()
}

func (s *Session) installPlugins() {
	hostFor := func(p plugin.Plugin) plugin.Host { return &pluginHost{s: s, self: p} }
	raw := s.factory(hostFor)
	sort.SliceStable(raw, func(i, j int) bool { return raw[i].Priority() < raw[j].Priority() })
	descs := make([]plugin.Descriptor, len(raw))
	for i, p := range raw {
		descs[i] = plugin.Describe(p)
	}
	s.plugins = descs
	for _, d := range s.plugins {
		if d.Capabilities.Has(plugin.CapSessionStarted) {
			d.Plugin.(plugin.SessionStarted).SessionStarted()
		}
	}
}

// Unbind detaches from the device: the reconciliation loop stops,
// handlers are cleared, parameters and users are retained for a seamless
// future rebind.
func (s *Session) Unbind() {
	s.stopReconcile()
	s.mu.Lock()
	fd := s.device
	s.device = nil
	s.mu.Unlock()
	if fd != nil {
		fd.SetHandlers(deviceconn.Handlers{})
	}
}

func (s *Session) startReconcile() {
	s.mu.Lock()
	if s.cancelReconcile != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelReconcile = cancel
	s.reconcileDone = make(chan struct{})
	s.mu.Unlock()
	go s.reconcileLoop(ctx)
}

func (s *Session) stopReconcile() {
	s.mu.Lock()
	cancel := s.cancelReconcile
	done := s.reconcileDone
	s.cancelReconcile = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// reconcileLoop re-asserts the authoritative parameter snapshot every
// 50ms: plugin Update() calls in priority order, then one UpdateOscillator
// write per oscillator (spec §4.H).
func (s *Session) reconcileLoop(ctx context.Context) {
	defer close(s.reconcileDone)
	ticker := time.NewTicker(reconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcileOnce()
		}
	}
}

func (s *Session) reconcileOnce() {
	s.mu.Lock()
	plugins := s.plugins
	fd := s.device
	params := append([]protocol.OscillatorParams(nil), s.oscillatorParams...)
	s.mu.Unlock()

	for _, d := range plugins {
		if d.Capabilities.Has(plugin.CapUpdate) {
			d.Plugin.(plugin.Updatable).Update()
		}
	}

	if fd == nil {
		return
	}
	active := mathx.Min(len(params), int(fd.OscillatorCount()))
	for i := 0; i < active; i++ {
		fd.Write(protocol.TagUpdateOscillator, protocol.EncodeUpdateOscillator(uint8(i), params[i]))
	}
}

// CreateContext admits a new controller for userName (spec §4.H).
func (s *Session) CreateContext(userName string) (*Controller, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errcode.Wrap("session.create_context", errcode.SessionClosed, nil)
	}
	if !s.admission.TryAcquire(1) {
		s.mu.Unlock()
		return nil, errcode.Wrap("session.create_context", errcode.SessionFull, nil)
	}
	slot := s.pool.acquire()
	ctrl := &Controller{session: s, Slot: slot, DisplayName: userName}
	s.controllers[slot] = ctrl
	snapshot := s.playerListLocked()
	plugins := s.plugins
	s.mu.Unlock()

	s.conn.Publish(s.conn.NewMessage(topicPlayerListUpdated(s.identifier), snapshot, true))

	for _, d := range plugins {
		if d.Capabilities.Has(plugin.CapUserJoined) {
			d.Plugin.(plugin.UserJoined).UserJoined(slot, userName)
		}
	}
	return ctrl, nil
}

func (s *Session) playerListLocked() []PlayerListEntry {
	out := make([]PlayerListEntry, 0, len(s.controllers))
	for slot, c := range s.controllers {
		out = append(out, PlayerListEntry{Slot: slot, Name: c.DisplayName})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// removeController implements controller departure (spec §4.H).
func (s *Session) removeController(c *Controller) {
	s.mu.Lock()
	if _, ok := s.controllers[c.Slot]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.controllers, c.Slot)
	s.pool.release(c.Slot)
	s.admission.Release(1)
	empty := len(s.controllers) == 0
	snapshot := s.playerListLocked()
	plugins := s.plugins
	s.mu.Unlock()

	for _, d := range plugins {
		if d.Capabilities.Has(plugin.CapUserLeft) {
			d.Plugin.(plugin.UserLeft).UserLeft(c.Slot, c.DisplayName)
		}
	}
	s.conn.Publish(s.conn.NewMessage(topicPlayerListUpdated(s.identifier), snapshot, true))

	if empty {
		s.Close()
	}
	if s.notifyAvailable != nil {
		s.notifyAvailable()
	}
}

// Close tears the session down (spec §4.H teardown): writes default
// parameters then SessionEnd, unbinds, and disposes plugins.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	fd := s.device
	count := s.oscillatorCount
	plugins := s.plugins
	s.mu.Unlock()

	s.stopReconcile()

	if fd != nil {
		// A device may have reconnected reporting fewer oscillators than the
		// session last knew about; only zero the ones it still claims to have.
		active := mathx.Min(count, int(fd.OscillatorCount()))
		for i := 0; i < active; i++ {
			fd.Write(protocol.TagUpdateOscillator, protocol.EncodeUpdateOscillator(uint8(i), protocol.DefaultOscillatorParams()))
		}
		fd.Write(protocol.TagSessionEnd, nil)
	}
	s.Unbind()

	if s.notifyAvailable != nil {
		s.notifyAvailable()
	}

	s.conn.Publish(s.conn.NewMessage(topicSessionEnded(s.identifier), s.identifier, false))
	for _, d := range plugins {
		if d.Capabilities.Has(plugin.CapSessionEnded) {
			d.Plugin.(plugin.SessionEnded).SessionEnded()
		}
	}
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SlotsFree reports the current free-slot count (spec Invariant 5 holds
// with len(controllers) at all quiescent points).
func (s *Session) SlotsFree() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return 0
	}
	return s.pool.len()
}

func (s *Session) onIMUData(e deviceconn.IMUDataReceivedEvent) {
	s.mu.Lock()
	plugins := s.plugins
	s.mu.Unlock()
	for _, d := range plugins {
		if d.Capabilities.Has(plugin.CapIMUDataReceived) {
			d.Plugin.(plugin.IMUDataReceived).IMUDataReceived(e.IMU)
		}
	}
}

func (s *Session) onOscillationData(e deviceconn.OscillationDataReceivedEvent) {
	s.mu.Lock()
	plugins := s.plugins
	s.mu.Unlock()
	for _, d := range plugins {
		if d.Capabilities.Has(plugin.CapOscillatorDataReceived) {
			d.Plugin.(plugin.OscillatorDataReceived).OscillatorDataReceived(e.Index, e.State)
		}
	}
}

func (s *Session) onTimeReceived(e deviceconn.TimeReceivedEvent) {
	s.mu.Lock()
	s.lastKnownTime = e.Time
	s.mu.Unlock()
}
