package session

import (
	"edmo-hub/plugin"
	"edmo-hub/x/mathx"
)

// SetFrequency is globally uniform (spec §4.H): it writes value into every
// oscillator and notifies every other controller's params_updated_externally.
func (c *Controller) SetFrequency(value float32) {
	c.session.setFrequency(value, c.Slot)
	c.session.notifyPluginsUser(func(d plugin.Descriptor) {
		if d.Capabilities.Has(plugin.CapFrequencyChangedByUser) {
			d.Plugin.(plugin.FrequencyChangedByUser).FrequencyChangedByUser(c.Slot, value)
		}
	})
}

// SetAmplitude sets this controller's own oscillator amplitude.
func (c *Controller) SetAmplitude(value float32) {
	applied, changed := c.session.setIndexed(c.Slot, value, setAmplitude)
	if !changed {
		return
	}
	c.session.notifyPluginsUser(func(d plugin.Descriptor) {
		if d.Capabilities.Has(plugin.CapAmplitudeChangedByUser) {
			d.Plugin.(plugin.AmplitudeChangedByUser).AmplitudeChangedByUser(c.Slot, applied)
		}
	})
}

// SetOffset sets this controller's own oscillator offset.
func (c *Controller) SetOffset(value float32) {
	applied, changed := c.session.setIndexed(c.Slot, value, setOffset)
	if !changed {
		return
	}
	c.session.notifyPluginsUser(func(d plugin.Descriptor) {
		if d.Capabilities.Has(plugin.CapOffsetChangedByUser) {
			d.Plugin.(plugin.OffsetChangedByUser).OffsetChangedByUser(c.Slot, applied)
		}
	})
}

// SetPhaseShift sets this controller's own oscillator phase shift and
// notifies every other controller's external_relation_changed.
func (c *Controller) SetPhaseShift(value float32) {
	applied, changed := c.session.setIndexed(c.Slot, value, setPhaseShift)
	if !changed {
		return
	}
	c.session.notifyOtherControllersRelation(c.Slot, applied)
	c.session.notifyPluginsUser(func(d plugin.Descriptor) {
		if d.Capabilities.Has(plugin.CapPhaseShiftChangedByUser) {
			d.Plugin.(plugin.PhaseShiftChangedByUser).PhaseShiftChangedByUser(c.Slot, applied)
		}
	})
}

// pluginHost is the Host handle bound to one plugin instance, so the
// session can attribute *ChangedByPlugin notifications to their origin.
type pluginHost struct {
	s    *Session
	self plugin.Plugin
}

func (h *pluginHost) SetFrequency(value float32) {
	h.s.setFrequency(value, -1)
	h.s.notifyOtherPlugins(h.self, func(d plugin.Descriptor) {
		if d.Capabilities.Has(plugin.CapFrequencyChangedByPlugin) {
			d.Plugin.(plugin.FrequencyChangedByPlugin).FrequencyChangedByPlugin(h.self, value)
		}
	})
}

func (h *pluginHost) SetAmplitude(index int, value float32) {
	applied, changed := h.s.setIndexed(index, value, setAmplitude)
	if !changed {
		return
	}
	h.s.notifyOtherControllersExternal(-1)
	h.s.notifyOtherPlugins(h.self, func(d plugin.Descriptor) {
		if d.Capabilities.Has(plugin.CapAmplitudeChangedByPlugin) {
			d.Plugin.(plugin.AmplitudeChangedByPlugin).AmplitudeChangedByPlugin(h.self, index, applied)
		}
	})
}

func (h *pluginHost) SetOffset(index int, value float32) {
	applied, changed := h.s.setIndexed(index, value, setOffset)
	if !changed {
		return
	}
	h.s.notifyOtherControllersExternal(-1)
	h.s.notifyOtherPlugins(h.self, func(d plugin.Descriptor) {
		if d.Capabilities.Has(plugin.CapOffsetChangedByPlugin) {
			d.Plugin.(plugin.OffsetChangedByPlugin).OffsetChangedByPlugin(h.self, index, applied)
		}
	})
}

func (h *pluginHost) SetPhaseShift(index int, value float32) {
	applied, changed := h.s.setIndexed(index, value, setPhaseShift)
	if !changed {
		return
	}
	h.s.notifyOtherControllersRelation(-1, applied)
	h.s.notifyOtherPlugins(h.self, func(d plugin.Descriptor) {
		if d.Capabilities.Has(plugin.CapPhaseShiftChangedByPlugin) {
			d.Plugin.(plugin.PhaseShiftChangedByPlugin).PhaseShiftChangedByPlugin(h.self, index, applied)
		}
	})
}

func (h *pluginHost) PublishObjectiveGroup(g *plugin.ObjectiveGroup) {
	h.s.conn.Publish(h.s.conn.NewMessage(topicObjectives(h.s.identifier), g, true))
}

// field selects which OscillatorParams member an indexed setter mutates.
type field int

const (
	setAmplitude field = iota
	setOffset
	setPhaseShift
)

// setFrequency writes value into every oscillator's Frequency and notifies
// every controller other than excludeSlot (pass -1, as plugin-originated
// writes do, to notify every controller).
func (s *Session) setFrequency(value float32, excludeSlot int) {
	s.mu.Lock()
	for i := range s.oscillatorParams {
		s.oscillatorParams[i].Frequency = value
	}
	s.mu.Unlock()

	s.notifyOtherControllersExternal(excludeSlot)
}

// setIndexed mutates oscillatorParams[index]'s selected field, clamping
// value to the session's configured bounds first. It returns the applied
// (clamped) value and whether it actually changed anything — false means
// a no-op, per spec: "ignored if unchanged" compares the clamped value
// against what is already stored.
func (s *Session) setIndexed(index int, value float32, f field) (float32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.oscillatorParams) {
		return value, false
	}
	p := &s.oscillatorParams[index]
	switch f {
	case setAmplitude:
		value = mathx.Clamp(value, s.limits.AmplitudeMin, s.limits.AmplitudeMax)
		if p.Amplitude == value {
			return value, false
		}
		p.Amplitude = value
	case setOffset:
		value = mathx.Clamp(value, s.limits.OffsetMin, s.limits.OffsetMax)
		if p.Offset == value {
			return value, false
		}
		p.Offset = value
	case setPhaseShift:
		value = mathx.Clamp(value, s.limits.PhaseShiftMin, s.limits.PhaseShiftMax)
		if p.PhaseShift == value {
			return value, false
		}
		p.PhaseShift = value
	}
	return value, true
}

// notifyOtherControllersExternal publishes params_updated_externally to
// every controller except excludeSlot (pass -1 to notify all).
func (s *Session) notifyOtherControllersExternal(excludeSlot int) {
	s.mu.Lock()
	slots := make([]int, 0, len(s.controllers))
	for slot := range s.controllers {
		if slot != excludeSlot {
			slots = append(slots, slot)
		}
	}
	id := s.identifier
	s.mu.Unlock()
	for _, slot := range slots {
		s.conn.Publish(s.conn.NewMessage(topicParamsExternal(id, slot), nil, false))
	}
}

// notifyOtherControllersRelation publishes external_relation_changed to
// every controller except excludeSlot (pass -1 to notify all).
func (s *Session) notifyOtherControllersRelation(excludeSlot int, value float32) {
	s.mu.Lock()
	slots := make([]int, 0, len(s.controllers))
	for slot := range s.controllers {
		if slot != excludeSlot {
			slots = append(slots, slot)
		}
	}
	id := s.identifier
	s.mu.Unlock()
	for _, slot := range slots {
		s.conn.Publish(s.conn.NewMessage(topicExternalRelation(id, slot), value, false))
	}
}

func (s *Session) notifyPluginsUser(fn func(plugin.Descriptor)) {
	s.mu.Lock()
	plugins := s.plugins
	s.mu.Unlock()
	for _, d := range plugins {
		fn(d)
	}
}

func (s *Session) notifyOtherPlugins(origin plugin.Plugin, fn func(plugin.Descriptor)) {
	s.mu.Lock()
	plugins := s.plugins
	s.mu.Unlock()
	for _, d := range plugins {
		if d.Plugin == origin {
			continue
		}
		fn(d)
	}
}
