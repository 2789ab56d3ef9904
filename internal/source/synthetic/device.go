// Package synthetic provides a tracking source that walks a skeleton around
// a circle. It stands in for real hardware in dev mode and end-to-end tests.
package synthetic

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/device"
	"github.com/banshee-data/posebridge/internal/geom"
	"github.com/banshee-data/posebridge/internal/timeutil"
	"github.com/banshee-data/posebridge/internal/tracking"
)

// DeviceID is the identifier of the synthetic walker.
const DeviceID = "synthetic.walker"

// bone is one joint of the rest pose, relative to the floor below the walker
// with the walker facing +Z. Left is +X.
type bone struct {
	role   tracking.JointRole
	offset r3.Vec
	// swing is the stride phase sign for leg joints, 0 for the upper body.
	swing float64
	// reach scales the forward swing with joint height.
	reach float64
}

var skeleton = []bone{
	{tracking.JointHead, r3.Vec{Y: 1.65}, 0, 0},
	{tracking.JointSpineShoulder, r3.Vec{Y: 1.45}, 0, 0},
	{tracking.JointElbowLeft, r3.Vec{X: 0.22, Y: 1.12, Z: -0.02}, -1, 0.4},
	{tracking.JointElbowRight, r3.Vec{X: -0.22, Y: 1.12, Z: -0.02}, 1, 0.4},
	{tracking.JointSpineWaist, r3.Vec{Y: 1.0}, 0, 0},
	{tracking.JointHipLeft, r3.Vec{X: 0.1, Y: 0.95}, 0, 0},
	{tracking.JointHipRight, r3.Vec{X: -0.1, Y: 0.95}, 0, 0},
	{tracking.JointKneeLeft, r3.Vec{X: 0.1, Y: 0.5, Z: 0.03}, 1, 0.5},
	{tracking.JointKneeRight, r3.Vec{X: -0.1, Y: 0.5, Z: 0.03}, -1, 0.5},
	{tracking.JointAnkleLeft, r3.Vec{X: 0.1, Y: 0.08}, 1, 1},
	{tracking.JointAnkleRight, r3.Vec{X: -0.1, Y: 0.08}, -1, 1},
	{tracking.JointFootLeft, r3.Vec{X: 0.1, Y: 0.04, Z: 0.05}, 1, 1},
	{tracking.JointFootRight, r3.Vec{X: -0.1, Y: 0.04, Z: 0.05}, -1, 1},
	{tracking.JointFootTipLeft, r3.Vec{X: 0.1, Y: 0.02, Z: 0.18}, 1, 1},
	{tracking.JointFootTipRight, r3.Vec{X: -0.1, Y: 0.02, Z: 0.18}, -1, 1},
}

var (
	_ device.TrackingDevice = (*Device)(nil)
	_ device.Anchored       = (*Device)(nil)
)

// Device generates a deterministic walking skeleton from the clock.
type Device struct {
	clock timeutil.Clock

	// Configuration
	WalkRadius   float64 // metres, radius of the walked circle
	WalkSpeedMPS float64 // metres per second along the circle
	StrideLength float64 // metres per full gait cycle
	StrideAmp    float64 // metres, forward swing of the feet
	NoiseStdDev  float64 // metres, gaussian jitter on positions

	mu      sync.Mutex
	start   time.Time
	joints  []tracking.Joint
	turned  bool
	updates int
	rng     *rand.Rand
}

// New returns a walker seeded for reproducible noise.
func New(clock timeutil.Clock, seed int64) *Device {
	d := &Device{
		clock:        clock,
		WalkRadius:   1.0,
		WalkSpeedMPS: 0.6,
		StrideLength: 1.2,
		StrideAmp:    0.2,
		start:        clock.Now(),
		joints:       make([]tracking.Joint, len(skeleton)),
		rng:          rand.New(rand.NewSource(seed)),
	}
	for i, b := range skeleton {
		d.joints[i] = tracking.Joint{
			Name:                b.role.String(),
			Role:                b.role,
			State:               tracking.StateNotTracked,
			Orientation:         geom.Identity,
			PreviousOrientation: geom.Identity,
		}
	}
	return d
}

func (d *Device) ID() string   { return DeviceID }
func (d *Device) Name() string { return "Synthetic walker" }

func (d *Device) Capabilities() device.Capabilities {
	return device.Capabilities{
		FlipSupported:           true,
		AppOrientationSupported: true,
	}
}

func (d *Device) Status() device.Status { return device.Status{Code: device.StatusOK} }

func (d *Device) HookJointIndex() int   { return 0 }
func (d *Device) OriginJointIndex() int { return 4 }

// Joints returns a copy of the joints from the last Update.
func (d *Device) Joints() []tracking.Joint {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]tracking.Joint, len(d.joints))
	copy(out, d.joints)
	return out
}

// Initialize restarts the walk at the current clock time.
func (d *Device) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.start = d.clock.Now()
	return nil
}

func (d *Device) Shutdown() error { return nil }

// TurnAround makes the walker face backwards along its path, as a user
// turning their back to the sensor would.
func (d *Device) TurnAround() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.turned = !d.turned
}

// Updates returns the number of Update calls so far.
func (d *Device) Updates() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updates
}

// Heading returns the yaw the walker faces at elapsed time t.
func (d *Device) Heading(t time.Duration) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.heading(t.Seconds())
}

func (d *Device) heading(t float64) float64 {
	yaw := 0.0
	if d.WalkRadius > 0 {
		yaw = t * d.WalkSpeedMPS / d.WalkRadius
	}
	if d.turned {
		yaw += math.Pi
	}
	return yaw
}

// Update poses the skeleton for the current clock time.
func (d *Device) Update() error {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates++

	t := now.Sub(d.start).Seconds()
	angle := 0.0
	if d.WalkRadius > 0 {
		angle = t * d.WalkSpeedMPS / d.WalkRadius
	}
	centre := r3.Vec{X: -d.WalkRadius * math.Cos(angle), Z: d.WalkRadius * math.Sin(angle)}
	ori := geom.FromAxisAngle(r3.Vec{Y: 1}, d.heading(t))

	phase := 0.0
	if d.StrideLength > 0 {
		phase = 2 * math.Pi * t * d.WalkSpeedMPS / d.StrideLength
	}

	for i, b := range skeleton {
		local := b.offset
		if b.swing != 0 {
			s := b.swing * math.Sin(phase)
			local.Z += d.StrideAmp * b.reach * s
			if b.reach == 1 {
				// feet lift during their forward swing
				local.Y += 0.05 * math.Max(0, math.Cos(phase)*b.swing)
			}
		}
		pos := r3.Add(centre, geom.Rotate(ori, local))
		if d.NoiseStdDev > 0 {
			pos = r3.Add(pos, r3.Vec{
				X: d.rng.NormFloat64() * d.NoiseStdDev,
				Y: d.rng.NormFloat64() * d.NoiseStdDev,
				Z: d.rng.NormFloat64() * d.NoiseStdDev,
			})
		}
		j := d.joints[i].Advance(pos, ori, now).Differentiate()
		j.State = tracking.StateTracked
		d.joints[i] = j
	}
	return nil
}
