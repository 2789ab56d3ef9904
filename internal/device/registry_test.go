package device

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/tracking"
)

func init() {
	monitoring.SetLogger(nil)
}

func relay(id string) *MockDevice {
	d := NewMockDevice(id)
	d.Caps.Relay = true
	return d
}

func TestRegistryFirstNonRelayIsBase(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(relay("relay")))
	_, err := r.ResolveBase()
	assert.True(t, errors.Is(err, ErrNoDevices))

	require.NoError(t, r.Register(NewMockDevice("kinect")))
	require.NoError(t, r.Register(NewMockDevice("psmove")))

	base, err := r.ResolveBase()
	require.NoError(t, err)
	assert.Equal(t, "kinect", base.ID())
	assert.True(t, r.IsBase("kinect"))
	assert.False(t, r.IsBase("relay"))

	err = r.Register(NewMockDevice("kinect"))
	assert.True(t, errors.Is(err, ErrDuplicateDevice))
}

func TestRegistryOverrides(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewMockDevice("a")))
	require.NoError(t, r.Register(NewMockDevice("b")))

	assert.True(t, errors.Is(r.AddOverride("a"), ErrBaseOverride))
	assert.True(t, errors.Is(r.AddOverride("zzz"), ErrUnknownDevice))

	require.NoError(t, r.AddOverride("b"))
	d, ok := r.ResolveOverride("b")
	require.True(t, ok)
	assert.Equal(t, "b", d.ID())
	_, ok = r.ResolveOverride("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, r.OverrideIDs())

	// Promoting an override clears the override mark.
	require.NoError(t, r.SetBase("b"))
	assert.False(t, r.IsOverride("b"))
	assert.True(t, r.IsBase("b"))

	r.RemoveOverride("b")
	assert.Empty(t, r.OverrideIDs())
}

func TestRegistryBaseRemovedKeepsUnrelatedOverride(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewMockDevice("base")))
	require.NoError(t, r.Register(relay("relay")))
	require.NoError(t, r.Register(NewMockDevice("next")))
	require.NoError(t, r.Register(NewMockDevice("owl")))
	require.NoError(t, r.AddOverride("owl"))

	require.NoError(t, r.Unregister("base"))

	base, err := r.ResolveBase()
	require.NoError(t, err)
	assert.Equal(t, "next", base.ID(), "relay devices are skipped")
	assert.True(t, r.IsOverride("owl"))

	assert.True(t, errors.Is(r.Unregister("base"), ErrUnknownDevice))
}

func TestRegistryFallbackClearsPromotedOverride(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewMockDevice("base")))
	require.NoError(t, r.Register(NewMockDevice("over")))
	require.NoError(t, r.AddOverride("over"))

	require.NoError(t, r.Unregister("base"))
	assert.True(t, r.IsBase("over"))
	assert.False(t, r.IsOverride("over"))
}

func TestRegistryRestore(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewMockDevice("a")))
	require.NoError(t, r.Register(NewMockDevice("b")))
	require.NoError(t, r.Register(NewMockDevice("c")))

	r.Restore("b", []string{"a", "b", "gone"})
	assert.Equal(t, "b", r.BaseID())
	assert.Equal(t, []string{"a"}, r.OverrideIDs())

	r.Restore("gone", nil)
	assert.Equal(t, "b", r.BaseID())
	assert.Empty(t, r.OverrideIDs())
}

// TestRegistryInvariant drives random structural operations and checks
// that exactly one registered base exists whenever a non-relay device does,
// and that overrides only reference registered non-base devices.
func TestRegistryInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	r := NewRegistry()
	next := 0

	for step := 0; step < 2000; step++ {
		devices := r.Devices()
		pick := func() string {
			if len(devices) == 0 || rng.Intn(10) == 0 {
				return "missing"
			}
			return devices[rng.Intn(len(devices))].ID()
		}

		switch rng.Intn(6) {
		case 0:
			id := fmt.Sprintf("dev-%d", next)
			next++
			var d *MockDevice
			if rng.Intn(4) == 0 {
				d = relay(id)
			} else {
				d = NewMockDevice(id)
			}
			require.NoError(t, r.Register(d))
		case 1:
			_ = r.Unregister(pick())
		case 2:
			_ = r.SetBase(pick())
		case 3, 4:
			_ = r.AddOverride(pick())
		case 5:
			r.RemoveOverride(pick())
		}

		checkRegistry(t, r, step)
	}
}

func checkRegistry(t *testing.T, r *Registry, step int) {
	t.Helper()

	bases := 0
	nonRelay := 0
	for _, e := range r.Snapshot() {
		if e.IsBase {
			bases++
		}
		if !e.Capabilities.Relay {
			nonRelay++
		}
		if e.IsBase && e.IsOverride {
			t.Fatalf("step %d: %s is both base and override", step, e.ID)
		}
	}
	if nonRelay > 0 && bases != 1 {
		t.Fatalf("step %d: %d base devices with %d non-relay registered", step, bases, nonRelay)
	}
	if bases > 1 {
		t.Fatalf("step %d: %d base devices", step, bases)
	}
	for _, id := range r.OverrideIDs() {
		if _, ok := r.Get(id); !ok {
			t.Fatalf("step %d: override %s is not registered", step, id)
		}
	}
}

func TestAnchors(t *testing.T) {
	joints := []tracking.Joint{
		SkeletonJoint(tracking.JointSpineWaist, r3.Vec{Y: 1}),
		SkeletonJoint(tracking.JointHead, r3.Vec{Y: 1.7}),
	}

	plain := NewMockDevice("plain", joints...)
	hook, ok := HookJoint(plain)
	require.True(t, ok)
	assert.Equal(t, tracking.JointSpineWaist, hook.Role)

	anchored := MockAnchoredDevice{NewMockDevice("anchored", joints...)}
	anchored.Hook = 1
	anchored.Origin = 0
	hook, ok = HookJoint(anchored)
	require.True(t, ok)
	assert.Equal(t, tracking.JointHead, hook.Role)
	origin, ok := OriginJoint(anchored)
	require.True(t, ok)
	assert.Equal(t, tracking.JointSpineWaist, origin.Role)

	_, ok = HookJoint(NewMockDevice("empty"))
	assert.False(t, ok)
}
