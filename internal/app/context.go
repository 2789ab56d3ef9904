// Package app owns the shared application state: settings, the device
// registry and calibration records. Every mutation goes through one lock
// held by Context, so the main loop never sees a half-updated tracker list.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/calibration"
	"github.com/banshee-data/posebridge/internal/device"
	"github.com/banshee-data/posebridge/internal/filter"
	"github.com/banshee-data/posebridge/internal/geom"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/tracking"
)

// ErrNoJoint is returned when a device has no joint to sample.
var ErrNoJoint = errors.New("device has no joints")

var (
	_ calibration.Committer = (*Context)(nil)
	_ calibration.Sampler   = (*Context)(nil)
)

// Context is the process-wide application state.
type Context struct {
	mu       sync.Mutex
	settings Settings
	registry *device.Registry
	store    Store
	params   filter.Params

	refMu    sync.RWMutex
	refPos   r3.Vec
	refOri   quat.Number
	refKnown bool

	events *eventHub
}

// New returns a Context with default settings. Call ReadSettings to load
// the persisted state.
func New(store Store, reg *device.Registry, params filter.Params) *Context {
	if reg == nil {
		reg = device.NewRegistry()
	}
	c := &Context{
		settings: DefaultSettings(),
		registry: reg,
		store:    store,
		params:   params,
		refOri:   geom.Identity,
		events:   newEventHub(),
	}
	return c
}

// Registry returns the device registry. Structural changes must go through
// the Context wrappers so settings stay consistent.
func (c *Context) Registry() *device.Registry { return c.registry }

// Params returns the filter constants.
func (c *Context) Params() filter.Params { return c.params }

// View calls fn with the settings under the lock. fn must not retain s or
// mutate it.
func (c *Context) View(fn func(s *Settings)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.settings)
}

// Locked calls fn with the settings under the lock without a consistency
// pass or notification. The main loop uses it for per-iteration pose
// computation.
func (c *Context) Locked(fn func(s *Settings)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.settings)
}

// Update mutates settings under the lock, normalizes them and notifies
// subscribers. If fn returns an error nothing is published.
func (c *Context) Update(fn func(s *Settings) error) error {
	c.mu.Lock()
	if err := fn(&c.settings); err != nil {
		c.mu.Unlock()
		return err
	}
	c.check()
	c.mu.Unlock()
	c.Publish(Event{Kind: EventSettingsChanged})
	return nil
}

// CheckSettings runs the consistency pass under the lock.
func (c *Context) CheckSettings() {
	c.mu.Lock()
	c.check()
	c.mu.Unlock()
}

func (c *Context) check() {
	for _, f := range CheckSettings(&c.settings, c.registry) {
		monitoring.Logf("[settings] %s", f)
	}
}

// RegisterDevice initializes d and adds it to the registry.
func (c *Context) RegisterDevice(ctx context.Context, d device.TrackingDevice) error {
	if err := d.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize %s: %w", d.ID(), err)
	}
	return c.structural(d.ID(), func() error {
		return c.registry.Register(d)
	})
}

// UnregisterDevice removes id from the registry and shuts it down.
func (c *Context) UnregisterDevice(id string) error {
	d, ok := c.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrUnknownDevice, id)
	}
	if err := c.structural(id, func() error {
		return c.registry.Unregister(id)
	}); err != nil {
		return err
	}
	if err := d.Shutdown(); err != nil {
		monitoring.Logf("[registry] shutdown %s: %v", id, err)
	}
	return nil
}

// SetBase makes id the base device.
func (c *Context) SetBase(id string) error {
	return c.structural(id, func() error { return c.registry.SetBase(id) })
}

// AddOverride marks id as an override device.
func (c *Context) AddOverride(id string) error {
	return c.structural(id, func() error { return c.registry.AddOverride(id) })
}

// RemoveOverride clears the override mark on id. Trackers bound to it lose
// their override.
func (c *Context) RemoveOverride(id string) error {
	return c.structural(id, func() error {
		c.registry.RemoveOverride(id)
		return nil
	})
}

// structural runs a registry mutation under the lock, re-selects default
// joints when the base changed and runs the consistency pass.
func (c *Context) structural(id string, mutate func() error) error {
	c.mu.Lock()
	before := c.registry.BaseID()
	if err := mutate(); err != nil {
		c.mu.Unlock()
		return err
	}
	if after := c.registry.BaseID(); after != before {
		if base, err := c.registry.ResolveBase(); err == nil {
			SelectDefaultJoints(&c.settings, base)
		}
	}
	c.check()
	c.mu.Unlock()

	c.Publish(Event{Kind: EventDevicesChanged, DeviceID: id})
	return nil
}

// Apply stores r for deviceID without persisting it.
func (c *Context) Apply(deviceID string, r calibration.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.Calibration[deviceID] = r
}

// Commit stores r for deviceID and persists settings.
func (c *Context) Commit(deviceID string, r calibration.Record) error {
	c.Apply(deviceID, r)
	if err := c.SaveSettings(context.Background()); err != nil {
		return err
	}
	c.Publish(Event{Kind: EventCalibrationChanged, DeviceID: deviceID})
	return nil
}

// Discard reverts unsaved changes by re-reading persisted settings.
func (c *Context) Discard() error {
	return c.ReadSettings(context.Background())
}

// SaveSettings persists a copy of the current settings.
func (c *Context) SaveSettings(ctx context.Context) error {
	c.mu.Lock()
	snap := cloneSettings(&c.settings)
	c.mu.Unlock()

	if err := c.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// ReadSettings replaces the in-memory settings with the persisted ones.
// Runtime filter state survives for trackers whose role is unchanged. A
// store that was never saved to yields the defaults.
func (c *Context) ReadSettings(ctx context.Context) error {
	loaded, err := c.store.Load(ctx)
	if errors.Is(err, ErrNoSettings) {
		loaded = DefaultSettings()
	} else if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}

	c.mu.Lock()
	for _, t := range loaded.Trackers {
		if t == nil {
			continue
		}
		if old := c.settings.Tracker(t.Role); old != nil {
			carryRuntime(t, old)
		} else {
			t.Orientation = geom.Identity
			t.PreviousOrientation = geom.Identity
		}
	}
	c.settings = loaded
	c.registry.Restore(loaded.BaseDevice, loaded.OverrideDevices)
	c.check()
	c.mu.Unlock()

	c.Publish(Event{Kind: EventSettingsChanged})
	return nil
}

func carryRuntime(dst, src *tracking.Tracker) {
	dst.Position = src.Position
	dst.Orientation = src.Orientation
	dst.PreviousPosition = src.PreviousPosition
	dst.PreviousOrientation = src.PreviousOrientation
	dst.NoPositionFiltering = src.NoPositionFiltering
	dst.Physics = src.Physics
	dst.Filter = src.Filter
}

func cloneSettings(s *Settings) Settings {
	out := *s
	out.Trackers = make([]*tracking.Tracker, len(s.Trackers))
	for i, t := range s.Trackers {
		cp := *t
		cp.Filter = nil
		cp.Physics = nil
		out.Trackers[i] = &cp
	}
	out.OverrideDevices = append([]string(nil), s.OverrideDevices...)
	out.Calibration = make(map[string]calibration.Record, len(s.Calibration))
	for k, v := range s.Calibration {
		out.Calibration[k] = v
	}
	return out
}

// Snapshot returns a deep copy of the settings for reporting.
func (c *Context) Snapshot() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneSettings(&c.settings)
}

// SetReference records the latest headset pose. The main loop calls it
// every iteration.
func (c *Context) SetReference(p r3.Vec, q quat.Number) {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	c.refPos, c.refOri, c.refKnown = p, q, true
}

// Reference returns the latest headset pose.
func (c *Context) Reference() (r3.Vec, quat.Number, error) {
	c.refMu.RLock()
	defer c.refMu.RUnlock()
	if !c.refKnown {
		return r3.Vec{}, geom.Identity, errors.New("headset pose not yet available")
	}
	return c.refPos, c.refOri, nil
}

// DeviceHook returns the hook joint of deviceID.
func (c *Context) DeviceHook(deviceID string) (r3.Vec, quat.Number, error) {
	return c.sample(deviceID, device.HookJoint)
}

// DeviceOrigin returns the origin joint of deviceID.
func (c *Context) DeviceOrigin(deviceID string) (r3.Vec, quat.Number, error) {
	return c.sample(deviceID, device.OriginJoint)
}

func (c *Context) sample(deviceID string, pick func(device.TrackingDevice) (tracking.Joint, bool)) (r3.Vec, quat.Number, error) {
	d, ok := c.registry.Get(deviceID)
	if !ok {
		return r3.Vec{}, geom.Identity, fmt.Errorf("%w: %s", device.ErrUnknownDevice, deviceID)
	}
	j, ok := pick(d)
	if !ok {
		return r3.Vec{}, geom.Identity, fmt.Errorf("%w: %s", ErrNoJoint, deviceID)
	}
	return j.Position, j.Orientation, nil
}

// Subscribe returns a channel of events and a function that cancels the
// subscription. Events are dropped when the channel is full.
func (c *Context) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

// Publish notifies subscribers. It never blocks.
func (c *Context) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.events.publish(ev)
}
