// Package serial is a tracking source backed by an IMU bridge on a serial
// port. The bridge streams newline-delimited JSON: joint frames carrying one
// pose per reported joint, and periodic status lines.
//
//	{"type":"joints","joints":[{"role":"head","p":[0,1.7,0],"q":[1,0,0,0],"state":"tracked"}]}
//	{"type":"status","code":0,"message":"ok"}
package serial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/device"
	"github.com/banshee-data/posebridge/internal/geom"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/serialmux"
	"github.com/banshee-data/posebridge/internal/timeutil"
	"github.com/banshee-data/posebridge/internal/tracking"
)

const (
	// StatusNoData is reported until the first joint frame arrives.
	StatusNoData = 1
	// StatusStale is reported when no frame arrived within the stale window.
	StatusStale = 2
	// StatusDisconnected is reported once the bridge subscription closes.
	StatusDisconnected = 3

	// DefaultStaleAfter is how long the last frame stays valid.
	DefaultStaleAfter = 500 * time.Millisecond
)

var ErrMalformedFrame = errors.New("malformed joint frame")

var logf = monitoring.Tagged("serial")

// Skeleton is the fixed joint order the device reports. Joints the bridge
// does not stream stay not-tracked.
var Skeleton = []tracking.JointRole{
	tracking.JointHead,
	tracking.JointNeck,
	tracking.JointSpineShoulder,
	tracking.JointShoulderLeft,
	tracking.JointElbowLeft,
	tracking.JointWristLeft,
	tracking.JointHandLeft,
	tracking.JointHandTipLeft,
	tracking.JointThumbLeft,
	tracking.JointShoulderRight,
	tracking.JointElbowRight,
	tracking.JointWristRight,
	tracking.JointHandRight,
	tracking.JointHandTipRight,
	tracking.JointThumbRight,
	tracking.JointSpineMiddle,
	tracking.JointSpineWaist,
	tracking.JointHipLeft,
	tracking.JointKneeLeft,
	tracking.JointAnkleLeft,
	tracking.JointFootLeft,
	tracking.JointFootTipLeft,
	tracking.JointHipRight,
	tracking.JointKneeRight,
	tracking.JointAnkleRight,
	tracking.JointFootRight,
	tracking.JointFootTipRight,
}

var (
	_ device.TrackingDevice = (*Device)(nil)
	_ device.Anchored       = (*Device)(nil)
)

// Device is a self-updating tracking source fed by a serialmux subscription.
type Device struct {
	path  string
	id    string
	mux   serialmux.SerialMuxInterface
	clock timeutil.Clock

	// StaleAfter overrides DefaultStaleAfter when positive.
	StaleAfter time.Duration

	mu        sync.Mutex
	joints    []tracking.Joint
	index     map[tracking.JointRole]int
	lastFrame time.Time
	frames    int
	status    device.Status
	cancel    context.CancelFunc
	done      chan struct{}
}

// New returns a device reading joint frames from mux, which is attached to
// the serial port at path.
func New(path string, mux serialmux.SerialMuxInterface, clock timeutil.Clock) *Device {
	d := &Device{
		path:   path,
		id:     GUID(path),
		mux:    mux,
		clock:  clock,
		index:  make(map[tracking.JointRole]int, len(Skeleton)),
		status: device.Status{Code: StatusNoData, Message: "waiting for bridge"},
	}
	d.joints = make([]tracking.Joint, len(Skeleton))
	for i, role := range Skeleton {
		d.index[role] = i
		d.joints[i] = tracking.Joint{
			Name:                role.String(),
			Role:                role,
			State:               tracking.StateNotTracked,
			Orientation:         geom.Identity,
			PreviousOrientation: geom.Identity,
		}
	}
	return d
}

// GUID returns the stable device identifier of the bridge on path.
func GUID(path string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("serial://"+path)).String()
}

func (d *Device) ID() string   { return d.id }
func (d *Device) Name() string { return "IMU bridge " + d.path }

func (d *Device) Capabilities() device.Capabilities {
	return device.Capabilities{
		FlipSupported:           true,
		AppOrientationSupported: true,
		SelfUpdate:              true,
	}
}

func (d *Device) HookJointIndex() int   { return d.index[tracking.JointHead] }
func (d *Device) OriginJointIndex() int { return d.index[tracking.JointSpineWaist] }

// Status reports the bridge status, degraded to stale when frames stop.
func (d *Device) Status() device.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status.OK() && d.clock.Since(d.lastFrame) > d.staleAfter() {
		return device.Status{Code: StatusStale, Message: "no frames from bridge"}
	}
	return d.status
}

func (d *Device) staleAfter() time.Duration {
	if d.StaleAfter > 0 {
		return d.StaleAfter
	}
	return DefaultStaleAfter
}

// Joints returns a copy of the latest joints.
func (d *Device) Joints() []tracking.Joint {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]tracking.Joint, len(d.joints))
	copy(out, d.joints)
	return out
}

// Frames returns the number of joint frames applied.
func (d *Device) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// Initialize starts the bridge stream and the subscription routine. The
// routine stops when ctx is done or Shutdown is called.
func (d *Device) Initialize(ctx context.Context) error {
	if err := d.mux.Initialize(); err != nil {
		return fmt.Errorf("initialize bridge %s: %w", d.path, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	id, c := d.mux.Subscribe()
	done := make(chan struct{})

	d.mu.Lock()
	d.cancel, d.done = cancel, done
	d.mu.Unlock()

	go func() {
		defer close(done)
		defer d.mux.Unsubscribe(id)
		for {
			select {
			case payload, ok := <-c:
				if !ok {
					d.setStatus(device.Status{Code: StatusDisconnected, Message: "bridge disconnected"})
					return
				}
				if err := d.HandleLine(payload); err != nil {
					logf("%s: %v", d.path, err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Update is a no-op: the subscription routine applies frames as they arrive.
func (d *Device) Update() error { return nil }

// Shutdown stops the subscription routine and waits for it to exit.
func (d *Device) Shutdown() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (d *Device) setStatus(st device.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st != d.status {
		logf("%s status %d: %s", d.path, st.Code, st.Message)
	}
	d.status = st
}

type jointSample struct {
	Role  tracking.JointRole     `json:"role"`
	P     []float64              `json:"p"`
	Q     []float64              `json:"q"`
	State tracking.TrackingState `json:"state"`
}

type frame struct {
	Type    string        `json:"type"`
	Joints  []jointSample `json:"joints"`
	Code    int           `json:"code"`
	Message string        `json:"message"`
}

// HandleLine applies one line from the bridge. Unknown lines are ignored.
func (d *Device) HandleLine(payload string) error {
	switch serialmux.ClassifyPayload(payload) {
	case serialmux.EventTypeJointFrame:
		var f frame
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return d.applyJoints(f.Joints)
	case serialmux.EventTypeStatus:
		var f frame
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		d.mu.Lock()
		frames := d.frames
		d.mu.Unlock()
		if f.Code == device.StatusOK && frames == 0 {
			// Healthy bridge that has not streamed yet.
			return nil
		}
		d.setStatus(device.Status{Code: f.Code, Message: f.Message})
	}
	return nil
}

func (d *Device) applyJoints(samples []jointSample) error {
	type update struct {
		idx   int
		pos   r3.Vec
		ori   quat.Number
		state tracking.TrackingState
	}
	updates := make([]update, 0, len(samples))
	for _, s := range samples {
		idx, ok := d.index[s.Role]
		if !ok {
			return fmt.Errorf("%w: unknown joint role %q", ErrMalformedFrame, s.Role)
		}
		if len(s.P) != 3 || len(s.Q) != 4 {
			return fmt.Errorf("%w: joint %s needs 3 position and 4 rotation components", ErrMalformedFrame, s.Role)
		}
		pos := r3.Vec{X: s.P[0], Y: s.P[1], Z: s.P[2]}
		ori := geom.Normalize(quat.Number{Real: s.Q[0], Imag: s.Q[1], Jmag: s.Q[2], Kmag: s.Q[3]})
		if !geom.FiniteVec(pos) || !geom.FiniteQuat(ori) {
			return fmt.Errorf("%w: joint %s is not finite", ErrMalformedFrame, s.Role)
		}
		state := s.State
		if state == "" {
			state = tracking.StateTracked
		}
		updates = append(updates, update{idx, pos, ori, state})
	}

	now := d.clock.Now()
	d.mu.Lock()
	for _, u := range updates {
		j := d.joints[u.idx].Advance(u.pos, u.ori, now).Differentiate()
		j.State = u.state
		d.joints[u.idx] = j
	}
	d.frames++
	d.lastFrame = now
	wasOK := d.status.OK()
	d.status = device.Status{Code: device.StatusOK}
	d.mu.Unlock()

	if !wasOK {
		logf("%s streaming", d.path)
	}
	return nil
}
