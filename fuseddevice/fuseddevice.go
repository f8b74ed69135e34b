// Package fuseddevice implements the fused device (spec §4.F): a union
// of device connections sharing one identifier, with ordered failover.
//
// Grounded on the Registry/Connector visitor-style accessor split in
// katagun-webpa-common's device.Manager (other_examples) — VisitAll/Get
// style read access over a set the manager itself owns, generalized here
// to one identifier's ordered connection list rather than a whole fleet.
package fuseddevice

import (
	"sync"

	"edmo-hub/deviceconn"
	"edmo-hub/protocol"
)

// Device unifies N device connections reporting the same identifier.
// It owns no channel; connections are owned by the connection manager.
type Device struct {
	identifier string

	mu      sync.RWMutex
	members []*deviceconn.Connection

	handlers deviceconn.Handlers
}

// New builds an empty fused device for identifier. handlers are the
// external event sink forwarded from whichever member is active.
func New(identifier string, handlers deviceconn.Handlers) *Device {
	return &Device{identifier: identifier, handlers: handlers}
}

func (d *Device) Identifier() string { return d.identifier }

// SetHandlers replaces the forwarding handlers and rebinds them onto the
// current active connection (if any). Sessions call this on bind/unbind.
func (d *Device) SetHandlers(handlers deviceconn.Handlers) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = handlers
	if a := d.activeLocked(); a != nil {
		a.SetHandlers(handlers)
	}
}

// Add appends conn to the membership list. If the list was empty, conn
// becomes active and is bound to the fused device's forwarding handlers.
func (d *Device) Add(conn *deviceconn.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	wasEmpty := len(d.members) == 0
	d.members = append(d.members, conn)
	if wasEmpty {
		conn.SetHandlers(d.handlers)
	}
}

// Remove erases conn from the membership list. If conn was active, the
// next member (if any) is promoted and bound atomically with conn's removal.
func (d *Device) Remove(conn *deviceconn.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := -1
	for i, m := range d.members {
		if m == conn {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	wasActive := idx == 0
	d.members = append(d.members[:idx], d.members[idx+1:]...)

	if wasActive && len(d.members) > 0 {
		d.members[0].SetHandlers(d.handlers)
	}
}

// Empty reports whether the fused device has no remaining member.
func (d *Device) Empty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.members) == 0
}

// activeLocked returns the current active connection, or nil if none remains.
// Callers must hold d.mu for reading.
func (d *Device) activeLocked() *deviceconn.Connection {
	if len(d.members) == 0 {
		return nil
	}
	return d.members[0]
}

// OscillatorCount projects from the active connection; zero if empty.
func (d *Device) OscillatorCount() uint8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if a := d.activeLocked(); a != nil {
		return a.OscillatorCount()
	}
	return 0
}

// ArmHues projects from the active connection; empty if empty.
func (d *Device) ArmHues() []uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if a := d.activeLocked(); a != nil {
		return a.ArmHues()
	}
	return nil
}

// IsLocked projects from the active connection; false if empty.
func (d *Device) IsLocked() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if a := d.activeLocked(); a != nil {
		return a.IsLocked()
	}
	return false
}

// Write forwards a typed command to the active connection. Silent no-op
// if no member remains.
func (d *Device) Write(tag protocol.Tag, body []byte) {
	d.mu.RLock()
	a := d.activeLocked()
	d.mu.RUnlock()
	if a != nil {
		a.Write(tag, body)
	}
}

// MemberCount reports how many connections currently back this device.
func (d *Device) MemberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.members)
}
