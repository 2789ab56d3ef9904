package device

import (
	"context"
	"sync"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/geom"
	"github.com/banshee-data/posebridge/internal/tracking"
)

// MockDevice implements TrackingDevice with scripted joints for testing.
type MockDevice struct {
	mu sync.Mutex

	DeviceID   string
	DeviceName string
	Caps       Capabilities
	State      Status

	// Hook and Origin are only reported through MockAnchoredDevice.
	Hook   int
	Origin int

	joints []tracking.Joint

	// Error injection
	UpdateError error
	UpdatePanic string
	InitError   error

	// Call tracking
	InitCalls     int
	UpdateCalls   int
	ShutdownCalls int
}

// NewMockDevice returns a healthy device with the given joints.
func NewMockDevice(id string, joints ...tracking.Joint) *MockDevice {
	return &MockDevice{DeviceID: id, DeviceName: "mock " + id, joints: joints}
}

// SkeletonJoint returns a tracked joint at p with identity orientation.
func SkeletonJoint(role tracking.JointRole, p r3.Vec) tracking.Joint {
	return tracking.Joint{
		Name:                role.String(),
		Role:                role,
		State:               tracking.StateTracked,
		Position:            p,
		Orientation:         geom.Identity,
		PreviousOrientation: geom.Identity,
	}
}

// SetJoints replaces the joint list returned from the next call to Joints.
func (m *MockDevice) SetJoints(joints []tracking.Joint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joints = joints
}

// SetJoint moves the joint at index i.
func (m *MockDevice) SetJoint(i int, p r3.Vec, q quat.Number) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= 0 && i < len(m.joints) {
		m.joints[i] = m.joints[i].Advance(p, q, time.Now())
	}
}

func (m *MockDevice) ID() string                 { return m.DeviceID }
func (m *MockDevice) Name() string               { return m.DeviceName }
func (m *MockDevice) Capabilities() Capabilities { return m.Caps }
func (m *MockDevice) Status() Status             { return m.State }

// Joints returns a copy of the scripted joints.
func (m *MockDevice) Joints() []tracking.Joint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tracking.Joint, len(m.joints))
	copy(out, m.joints)
	return out
}

// Initialize records the call.
func (m *MockDevice) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InitCalls++
	return m.InitError
}

// Update records the call and returns the injected error, or panics with
// UpdatePanic when set.
func (m *MockDevice) Update() error {
	m.mu.Lock()
	m.UpdateCalls++
	p, err := m.UpdatePanic, m.UpdateError
	m.mu.Unlock()
	if p != "" {
		panic(p)
	}
	return err
}

// Shutdown records the call.
func (m *MockDevice) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShutdownCalls++
	return nil
}

// Updates returns the number of Update calls so far.
func (m *MockDevice) Updates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.UpdateCalls
}

// MockAnchoredDevice is a MockDevice that implements Anchored.
type MockAnchoredDevice struct {
	*MockDevice
}

func (m MockAnchoredDevice) HookJointIndex() int   { return m.Hook }
func (m MockAnchoredDevice) OriginJointIndex() int { return m.Origin }

// MockEndpoint implements ServiceEndpoint and records every batch.
type MockEndpoint struct {
	mu sync.Mutex

	State    Status
	Headset  r3.Vec
	HeadsetQ quat.Number
	RTT      time.Duration

	// Error injection
	UpdateError error
	StateError  error

	// Recorded calls
	Poses    [][]tracking.TrackerPose
	States   [][]tracking.TrackerPose
	Restarts []string
}

// NewMockEndpoint returns a healthy endpoint with the headset at the origin.
func NewMockEndpoint() *MockEndpoint {
	return &MockEndpoint{HeadsetQ: geom.Identity}
}

func (m *MockEndpoint) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.State
}

func (m *MockEndpoint) SetTrackerStates(ctx context.Context, states []tracking.TrackerPose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StateError != nil {
		return m.StateError
	}
	m.States = append(m.States, append([]tracking.TrackerPose(nil), states...))
	return nil
}

func (m *MockEndpoint) UpdateTrackerPoses(ctx context.Context, poses []tracking.TrackerPose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateError != nil {
		return m.UpdateError
	}
	m.Poses = append(m.Poses, append([]tracking.TrackerPose(nil), poses...))
	return nil
}

func (m *MockEndpoint) TestConnection(ctx context.Context) (Status, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.State, m.RTT, nil
}

func (m *MockEndpoint) HeadsetPose(ctx context.Context) (r3.Vec, quat.Number, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Headset, m.HeadsetQ, nil
}

// SetHeadset moves the headset.
func (m *MockEndpoint) SetHeadset(p r3.Vec, q quat.Number) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Headset, m.HeadsetQ = p, q
}

func (m *MockEndpoint) RequestRestart(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Restarts = append(m.Restarts, reason)
	return nil
}

// LastPoses returns the most recent pose batch.
func (m *MockEndpoint) LastPoses() []tracking.TrackerPose {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Poses) == 0 {
		return nil
	}
	return m.Poses[len(m.Poses)-1]
}

// StateCalls returns the number of SetTrackerStates batches received.
func (m *MockEndpoint) StateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.States)
}
