// Package plugin defines the host-facing plugin contract (spec §6) and
// the capability bitset that lets the session dispatch to only the
// callbacks a given plugin actually implements, computed once at
// construction rather than re-probed per event (spec §9 design note).
package plugin

import (
	"edmo-hub/protocol"
)

// Plugin is the full host-facing contract; a concrete plugin implements
// any subset via the optional interfaces below; Capabilities is computed
// once via DescribeCapabilities.
type Plugin interface {
	Priority() int
}

type SessionStarted interface{ SessionStarted() }
type SessionEnded interface{ SessionEnded() }
type UserJoined interface{ UserJoined(slot int, name string) }
type UserLeft interface{ UserLeft(slot int, name string) }
type IMUDataReceived interface{ IMUDataReceived(imu protocol.IMUAggregate) }
type OscillatorDataReceived interface {
	OscillatorDataReceived(index uint8, state protocol.OscillatorState)
}
type FrequencyChangedByUser interface{ FrequencyChangedByUser(slot int, value float32) }
type AmplitudeChangedByUser interface{ AmplitudeChangedByUser(slot int, value float32) }
type OffsetChangedByUser interface{ OffsetChangedByUser(slot int, value float32) }
type PhaseShiftChangedByUser interface{ PhaseShiftChangedByUser(slot int, value float32) }

// *ChangedByPlugin variants notify every *other* plugin when one plugin
// writes a parameter through its Host, naming the originating plugin.
type FrequencyChangedByPlugin interface{ FrequencyChangedByPlugin(by Plugin, value float32) }
type AmplitudeChangedByPlugin interface {
	AmplitudeChangedByPlugin(by Plugin, index int, value float32)
}
type OffsetChangedByPlugin interface {
	OffsetChangedByPlugin(by Plugin, index int, value float32)
}
type PhaseShiftChangedByPlugin interface {
	PhaseShiftChangedByPlugin(by Plugin, index int, value float32)
}
type Updatable interface{ Update() }

// Capabilities is a bitset over the optional callback set, computed once
// per plugin instance so dispatch never needs a type assertion or
// reflection on the hot path.
type Capabilities uint16

const (
	CapSessionStarted Capabilities = 1 << iota
	CapSessionEnded
	CapUserJoined
	CapUserLeft
	CapIMUDataReceived
	CapOscillatorDataReceived
	CapFrequencyChangedByUser
	CapAmplitudeChangedByUser
	CapOffsetChangedByUser
	CapPhaseShiftChangedByUser
	CapFrequencyChangedByPlugin
	CapAmplitudeChangedByPlugin
	CapOffsetChangedByPlugin
	CapPhaseShiftChangedByPlugin
	CapUpdate
)

// DescribeCapabilities probes p once for each optional interface and
// returns the resulting bitset.
func DescribeCapabilities(p Plugin) Capabilities {
	var c Capabilities
	if _, ok := p.(SessionStarted); ok {
		c |= CapSessionStarted
	}
	if _, ok := p.(SessionEnded); ok {
		c |= CapSessionEnded
	}
	if _, ok := p.(UserJoined); ok {
		c |= CapUserJoined
	}
	if _, ok := p.(UserLeft); ok {
		c |= CapUserLeft
	}
	if _, ok := p.(IMUDataReceived); ok {
		c |= CapIMUDataReceived
	}
	if _, ok := p.(OscillatorDataReceived); ok {
		c |= CapOscillatorDataReceived
	}
	if _, ok := p.(FrequencyChangedByUser); ok {
		c |= CapFrequencyChangedByUser
	}
	if _, ok := p.(AmplitudeChangedByUser); ok {
		c |= CapAmplitudeChangedByUser
	}
	if _, ok := p.(OffsetChangedByUser); ok {
		c |= CapOffsetChangedByUser
	}
	if _, ok := p.(PhaseShiftChangedByUser); ok {
		c |= CapPhaseShiftChangedByUser
	}
	if _, ok := p.(FrequencyChangedByPlugin); ok {
		c |= CapFrequencyChangedByPlugin
	}
	if _, ok := p.(AmplitudeChangedByPlugin); ok {
		c |= CapAmplitudeChangedByPlugin
	}
	if _, ok := p.(OffsetChangedByPlugin); ok {
		c |= CapOffsetChangedByPlugin
	}
	if _, ok := p.(PhaseShiftChangedByPlugin); ok {
		c |= CapPhaseShiftChangedByPlugin
	}
	if _, ok := p.(Updatable); ok {
		c |= CapUpdate
	}
	return c
}

// Has reports whether c includes cap.
func (c Capabilities) Has(cap Capabilities) bool { return c&cap != 0 }

// Factory constructs the plugins for a newly bound session, in loader
// enumeration order (which also fixes their priority via Plugin.Priority).
// hostFor mints a plugin's own Host handle once the plugin exists, so a
// constructor can bind it to itself: `p.host = hostFor(p)`.
type Factory func(hostFor func(Plugin) Host) []Plugin

// Host is the callback surface a plugin uses to act back on its session:
// set global frequency, per-index parameters, and publish objective groups.
type Host interface {
	SetFrequency(value float32)
	SetAmplitude(index int, value float32)
	SetOffset(index int, value float32)
	SetPhaseShift(index int, value float32)
	PublishObjectiveGroup(g *ObjectiveGroup)
}

// Descriptor pairs a constructed plugin with its computed capability set,
// kept together so the session's dispatch loop never re-probes.
type Descriptor struct {
	Plugin       Plugin
	Capabilities Capabilities
}

// Describe constructs a Descriptor for p.
func Describe(p Plugin) Descriptor {
	return Descriptor{Plugin: p, Capabilities: DescribeCapabilities(p)}
}
