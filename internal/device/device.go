// Package device defines the contracts between the core and its plugins:
// tracking sources that produce joints and the service endpoint that
// consumes tracker poses. The Registry records which sources are loaded and
// which of them is the base device.
package device

import (
	"context"
	"errors"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/tracking"
)

var (
	// ErrUnknownDevice is returned when an operation names a device that is
	// not registered.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrNoDevices is returned by ResolveBase when no device can serve as
	// base.
	ErrNoDevices = errors.New("no tracking devices registered")
	// ErrDuplicateDevice is returned when registering an ID twice.
	ErrDuplicateDevice = errors.New("device already registered")
	// ErrBaseOverride is returned when the base device is added as an
	// override.
	ErrBaseOverride = errors.New("base device cannot be an override")
)

// StatusOK is the status code of a healthy device or endpoint.
const StatusOK = 0

// Status is a plugin-reported health code and its description.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// OK reports whether s is healthy.
func (s Status) OK() bool { return s.Code == StatusOK }

// Capabilities are fixed per device and read once at registration.
type Capabilities struct {
	// FlipSupported allows the flip detector to mirror this device's skeleton.
	FlipSupported bool `json:"flip_supported"`
	// AppOrientationSupported allows software-calculated foot orientation.
	AppOrientationSupported bool `json:"app_orientation_supported"`
	// PhysicsOverride passes the device's velocities to the consumer.
	PhysicsOverride bool `json:"physics_override"`
	// SelfUpdate devices push their own joints; the loop does not poll them.
	SelfUpdate bool `json:"self_update"`
	// BlocksPositionFiltering forces raw positions for bound trackers.
	BlocksPositionFiltering bool `json:"blocks_position_filtering"`
	// Relay devices multiplex other sources and never become base by
	// fallback.
	Relay bool `json:"relay"`
}

// TrackingDevice is a tracking-source plugin.
type TrackingDevice interface {
	ID() string
	Name() string
	Capabilities() Capabilities
	Status() Status

	// Joints returns the joints from the most recent Update. Callers must
	// not modify the returned slice.
	Joints() []tracking.Joint

	Initialize(ctx context.Context) error
	Update() error
	Shutdown() error
}

// Anchored is implemented by devices that know which of their joints is the
// hook (head) and which is the relative-transform origin (waist).
type Anchored interface {
	HookJointIndex() int
	OriginJointIndex() int
}

// HookJoint returns the hook joint of d, or its first joint when d does not
// implement Anchored.
func HookJoint(d TrackingDevice) (tracking.Joint, bool) {
	idx := 0
	if a, ok := d.(Anchored); ok {
		idx = a.HookJointIndex()
	}
	return jointAt(d, idx)
}

// OriginJoint returns the origin joint of d, or its first joint when d does
// not implement Anchored.
func OriginJoint(d TrackingDevice) (tracking.Joint, bool) {
	idx := 0
	if a, ok := d.(Anchored); ok {
		idx = a.OriginJointIndex()
	}
	return jointAt(d, idx)
}

func jointAt(d TrackingDevice, idx int) (tracking.Joint, bool) {
	joints := d.Joints()
	if idx < 0 || idx >= len(joints) {
		return tracking.Joint{}, false
	}
	return joints[idx], true
}

// ServiceEndpoint is the consumer of composed tracker poses.
type ServiceEndpoint interface {
	Status() Status

	// SetTrackerStates activates or deactivates the trackers in the batch.
	SetTrackerStates(ctx context.Context, states []tracking.TrackerPose) error

	// UpdateTrackerPoses pushes one iteration's poses.
	UpdateTrackerPoses(ctx context.Context, poses []tracking.TrackerPose) error

	// TestConnection returns the consumer's status and the round-trip time.
	TestConnection(ctx context.Context) (Status, time.Duration, error)

	// HeadsetPose returns the consumer's view of the headset.
	HeadsetPose(ctx context.Context) (r3.Vec, quat.Number, error)

	// RequestRestart asks the consumer to restart with reason shown to the
	// user.
	RequestRestart(ctx context.Context, reason string) error
}
