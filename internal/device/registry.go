package device

import (
	"fmt"
	"sync"

	"github.com/banshee-data/posebridge/internal/monitoring"
)

// Entry is a registry snapshot row.
type Entry struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Status       Status       `json:"status"`
	Capabilities Capabilities `json:"capabilities"`
	Joints       int          `json:"joints"`
	IsBase       bool         `json:"is_base"`
	IsOverride   bool         `json:"is_override"`
}

type registered struct {
	dev  TrackingDevice
	caps Capabilities
}

// Registry holds loaded tracking devices in registration order. Whenever at
// least one non-relay device is registered, exactly one device is base.
type Registry struct {
	mu        sync.RWMutex
	devices   []registered
	base      string
	overrides map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{overrides: make(map[string]bool)}
}

func (r *Registry) index(id string) int {
	for i := range r.devices {
		if r.devices[i].dev.ID() == id {
			return i
		}
	}
	return -1
}

// Register adds a loaded device. The first non-relay device becomes base.
func (r *Registry) Register(d TrackingDevice) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.index(d.ID()) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, d.ID())
	}
	caps := d.Capabilities()
	r.devices = append(r.devices, registered{dev: d, caps: caps})
	if r.base == "" && !caps.Relay {
		r.base = d.ID()
		monitoring.Logf("[registry] %s (%s) is now base", d.ID(), d.Name())
	}
	return nil
}

// Unregister removes a device. Removing the base promotes the first
// remaining non-relay device.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	r.devices = append(r.devices[:i], r.devices[i+1:]...)
	delete(r.overrides, id)
	if r.base == id {
		r.base = ""
		r.fallback()
	}
	return nil
}

// fallback picks a new base. The promoted device stops being an override.
func (r *Registry) fallback() {
	for _, e := range r.devices {
		if e.caps.Relay {
			continue
		}
		r.base = e.dev.ID()
		delete(r.overrides, r.base)
		monitoring.Logf("[registry] base fell back to %s (%s)", r.base, e.dev.Name())
		return
	}
	monitoring.Logf("[registry] no device available as base")
}

// SetBase makes id the base device. It stops being an override.
func (r *Registry) SetBase(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.index(id) < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	r.base = id
	delete(r.overrides, id)
	return nil
}

// AddOverride marks id as an override device.
func (r *Registry) AddOverride(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.index(id) < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if id == r.base {
		return fmt.Errorf("%w: %s", ErrBaseOverride, id)
	}
	r.overrides[id] = true
	return nil
}

// RemoveOverride clears the override mark on id. It is a no-op for devices
// that are not overrides.
func (r *Registry) RemoveOverride(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, id)
}

// ResolveBase returns the base device.
func (r *Registry) ResolveBase() (TrackingDevice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.index(r.base); i >= 0 {
		return r.devices[i].dev, nil
	}
	return nil, ErrNoDevices
}

// ResolveOverride returns the override device id, if it is one.
func (r *Registry) ResolveOverride(id string) (TrackingDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.overrides[id] {
		return nil, false
	}
	if i := r.index(id); i >= 0 {
		return r.devices[i].dev, true
	}
	return nil, false
}

// IsBase reports whether id is the base device.
func (r *Registry) IsBase(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return id != "" && id == r.base
}

// IsOverride reports whether id is an override device.
func (r *Registry) IsOverride(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.overrides[id]
}

// BaseID returns the base device ID, or "" when there is none.
func (r *Registry) BaseID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.base
}

// OverrideIDs returns the override device IDs in registration order.
func (r *Registry) OverrideIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, e := range r.devices {
		if r.overrides[e.dev.ID()] {
			ids = append(ids, e.dev.ID())
		}
	}
	return ids
}

// Get returns the registered device id.
func (r *Registry) Get(id string) (TrackingDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.index(id); i >= 0 {
		return r.devices[i].dev, true
	}
	return nil, false
}

// Capabilities returns the flags id declared at registration.
func (r *Registry) Capabilities(id string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.index(id); i >= 0 {
		return r.devices[i].caps, true
	}
	return Capabilities{}, false
}

// Devices returns the registered devices in registration order.
func (r *Registry) Devices() []TrackingDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TrackingDevice, len(r.devices))
	for i, e := range r.devices {
		out[i] = e.dev
	}
	return out
}

// Snapshot describes every device for status reporting.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.devices))
	for _, e := range r.devices {
		id := e.dev.ID()
		out = append(out, Entry{
			ID:           id,
			Name:         e.dev.Name(),
			Status:       e.dev.Status(),
			Capabilities: e.caps,
			Joints:       len(e.dev.Joints()),
			IsBase:       id == r.base,
			IsOverride:   r.overrides[id],
		})
	}
	return out
}

// Restore applies persisted bindings. Unknown IDs are skipped; a missing
// base keeps the current one.
func (r *Registry) Restore(base string, overrides []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if base != "" && r.index(base) >= 0 {
		r.base = base
	}
	r.overrides = make(map[string]bool)
	for _, id := range overrides {
		if id != r.base && r.index(id) >= 0 {
			r.overrides[id] = true
		}
	}
}
