// Package pipeline turns device joints into tracker poses once per main
// loop iteration. Callers hold the application lock for the whole of
// Compose, Filter and Poses.
package pipeline

import (
	"fmt"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/app"
	"github.com/banshee-data/posebridge/internal/calibration"
	"github.com/banshee-data/posebridge/internal/device"
	"github.com/banshee-data/posebridge/internal/filter"
	"github.com/banshee-data/posebridge/internal/flip"
	"github.com/banshee-data/posebridge/internal/geom"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/tracking"
)

// Frame carries the reference inputs for one iteration.
type Frame struct {
	HeadsetPosition    r3.Vec
	HeadsetOrientation quat.Number
}

// Pipeline holds the state that survives between iterations: the flip
// detectors.
type Pipeline struct {
	params    filter.Params
	threshold float64

	base      *flip.Detector
	overrides map[string]*flip.Detector
}

// New returns a pipeline using params for tracker filters and threshold
// for the flip hysteresis band.
func New(params filter.Params, threshold float64) *Pipeline {
	return &Pipeline{
		params:    params,
		threshold: threshold,
		base:      flip.NewDetector(threshold),
		overrides: make(map[string]*flip.Detector),
	}
}

// BaseFlipped reports the base device's flip state after the last Compose.
func (p *Pipeline) BaseFlipped() bool { return p.base.Flipped() }

// Poll updates the base and override devices that do not update
// themselves and checks the status of those that do. A device that
// errors, panics or reports an unhealthy status is returned in the map
// and its trackers keep their last pose.
func (p *Pipeline) Poll(reg *device.Registry) map[string]error {
	var failed map[string]error
	ids := reg.OverrideIDs()
	if base := reg.BaseID(); base != "" {
		ids = append([]string{base}, ids...)
	}
	for _, id := range ids {
		d, ok := reg.Get(id)
		if !ok {
			continue
		}
		var err error
		if caps, _ := reg.Capabilities(id); caps.SelfUpdate {
			err = checkStatus(d)
		} else {
			err = pollDevice(d)
		}
		if err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[id] = err
		}
	}
	return failed
}

func pollDevice(d device.TrackingDevice) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("device %s panicked: %v", d.ID(), r)
		}
	}()
	if err := d.Update(); err != nil {
		return fmt.Errorf("update %s: %w", d.ID(), err)
	}
	return checkStatus(d)
}

func checkStatus(d device.TrackingDevice) error {
	if st := d.Status(); !st.OK() {
		return fmt.Errorf("device %s status %d: %s", d.ID(), st.Code, st.Message)
	}
	return nil
}

// Compose writes every tracker's raw pose from its bound device. Base
// device joints are applied first; override devices then replace the
// position or orientation of the trackers bound to them.
func (p *Pipeline) Compose(s *app.Settings, reg *device.Registry, f Frame, failed map[string]error) {
	if base, err := reg.ResolveBase(); err == nil {
		if _, bad := failed[base.ID()]; !bad {
			caps, _ := reg.Capabilities(base.ID())
			p.composeBase(s, reg, base, caps, f)
		}
	}

	for _, id := range reg.OverrideIDs() {
		if _, bad := failed[id]; bad {
			continue
		}
		d, ok := reg.ResolveOverride(id)
		if !ok {
			continue
		}
		caps, _ := reg.Capabilities(id)
		p.composeOverride(s, d, caps, f)
	}

	for id := range p.overrides {
		if !reg.IsOverride(id) {
			delete(p.overrides, id)
		}
	}
}

// facingReference picks the orientation compared against a calibration
// rotation to decide the base flip, and that rotation.
func facingReference(s *app.Settings, reg *device.Registry, baseID string, f Frame) (ref, calib quat.Number) {
	if !(s.FlipEnabled && s.ExternalFlipEnabled) {
		return f.HeadsetOrientation, s.CalibrationFor(baseID).Rotation
	}

	if waist := s.Tracker(tracking.TrackerWaist); waist != nil && waist.Active && waist.IsOrientationOverridden {
		return waist.Orientation, s.ExternalFlipCalibration
	}
	if d, ok := reg.Get(s.ExternalFlipDevice); ok {
		if j, ok := device.OriginJoint(d); ok {
			return s.CalibrationFor(d.ID()).ApplyOrientation(j.Orientation), s.ExternalFlipCalibration
		}
	}
	return f.HeadsetOrientation, s.ExternalFlipCalibration
}

func (p *Pipeline) composeBase(s *app.Settings, reg *device.Registry, d device.TrackingDevice, caps device.Capabilities, f Frame) {
	ref, calib := facingReference(s, reg, d.ID(), f)
	was := p.base.Flipped()
	flipped := p.base.Update(flip.Facing(ref, calib), s.FlipEnabled && caps.FlipSupported)
	if flipped != was {
		monitoring.Logf("[pipeline] base device %s flipped=%t", d.ID(), flipped)
	}

	joints := d.Joints()
	if len(joints) == 0 {
		return
	}
	followYaw := geom.YawOnly(f.HeadsetOrientation)

	for _, t := range s.Trackers {
		// Halves bound to a registered override device belong to that
		// device, even in an iteration where its poll failed.
		posHeld, oriHeld := overriddenHalves(t, reg)
		if posHeld && oriHeld {
			continue
		}
		joint, mirrored := flip.SelectJoint(joints, t.SelectedJoint, flipped)

		var ori, prev quat.Number
		switch t.OrientationOption {
		case tracking.OrientationFollowHMD:
			ori, prev = followYaw, followYaw
		case tracking.OrientationDisabled:
			ori, prev = geom.Identity, geom.Identity
		default:
			ori, prev = joint.Orientation, joint.PreviousOrientation
			if mirrored {
				ori, prev = geom.Inverse(ori), geom.Inverse(prev)
			}
		}

		if caps.AppOrientationSupported && t.Role.IsFoot() && t.OrientationOption.IsSoftware() {
			if q, ok := footOrientation(joints, t.Role, t.OrientationOption, mirrored); ok {
				ori = q
			}
		}

		if mirrored && t.OrientationOption != tracking.OrientationFollowHMD {
			ori, prev = flip.Fix(ori), flip.Fix(prev)
		}

		if !oriHeld {
			t.Orientation = ori
			t.PreviousOrientation = prev
		}
		if posHeld {
			continue
		}
		t.Position = joint.Position
		t.PreviousPosition = joint.PreviousPosition
		t.NoPositionFiltering = caps.BlocksPositionFiltering
		if caps.PhysicsOverride {
			t.Physics = physicsOf(joint)
		} else {
			t.Physics = nil
		}
	}
}

// overriddenHalves reports which halves of t's pose composeOverride owns.
func overriddenHalves(t *tracking.Tracker, reg *device.Registry) (pos, ori bool) {
	if t.OverrideGUID == "" || !reg.IsOverride(t.OverrideGUID) {
		return false, false
	}
	pos = t.IsPositionOverridden
	ori = t.IsOrientationOverridden && t.OrientationOption == tracking.OrientationDeviceInferred
	return pos, ori
}

func (p *Pipeline) composeOverride(s *app.Settings, d device.TrackingDevice, caps device.Capabilities, f Frame) {
	det, ok := p.overrides[d.ID()]
	if !ok {
		det = flip.NewDetector(p.threshold)
		p.overrides[d.ID()] = det
	}
	dot := flip.Facing(f.HeadsetOrientation, s.CalibrationFor(d.ID()).Rotation)
	flipped := det.Update(dot, s.FlipEnabled && s.OverrideFlipEnabled && caps.FlipSupported)

	joints := d.Joints()
	if len(joints) == 0 {
		return
	}

	for _, t := range s.Trackers {
		if !t.IsOverridden() || t.OverrideGUID != d.ID() {
			continue
		}
		joint, mirrored := flip.SelectJoint(joints, t.OverrideJoint, flipped)

		if t.IsOrientationOverridden && t.OrientationOption == tracking.OrientationDeviceInferred {
			ori, prev := joint.Orientation, joint.PreviousOrientation
			if mirrored {
				ori, prev = flip.Orientation(ori), flip.Orientation(prev)
			}
			t.Orientation = ori
			t.PreviousOrientation = prev
		}

		if t.IsPositionOverridden {
			t.Position = joint.Position
			t.PreviousPosition = joint.PreviousPosition
			t.NoPositionFiltering = caps.BlocksPositionFiltering
			if caps.PhysicsOverride {
				t.Physics = physicsOf(joint)
			} else {
				t.Physics = nil
			}
		}
	}
}

func physicsOf(j tracking.Joint) *tracking.Physics {
	return &tracking.Physics{
		Velocity:            j.Velocity,
		Acceleration:        j.Acceleration,
		AngularVelocity:     j.AngularVelocity,
		AngularAcceleration: j.AngularAcceleration,
	}
}

// Filter feeds every tracker's raw pose through its filter stages. All
// trackers are updated, whichever stage they read, so switching filters
// never starts cold.
func (p *Pipeline) Filter(s *app.Settings) {
	for _, t := range s.Trackers {
		t.UpdateFilters(p.params)
	}
}

// Poses returns the composed pose of every active tracker. With
// skipLowerBody set the waist, knee and foot trackers are left out.
func (p *Pipeline) Poses(s *app.Settings, skipLowerBody bool) []tracking.TrackerPose {
	poses := make([]tracking.TrackerPose, 0, len(s.Trackers))
	for _, t := range s.Trackers {
		if !t.Active || (skipLowerBody && t.Role.IsLowerBody()) {
			continue
		}
		poses = append(poses, t.Pose(transformFor(s, t), "", ""))
	}
	return poses
}

// States returns the activation record of every active tracker.
func States(s *app.Settings, active bool) []tracking.TrackerPose {
	var out []tracking.TrackerPose
	for _, t := range s.Trackers {
		if t.Active {
			out = append(out, t.State(active))
		}
	}
	return out
}

// split applies the position and orientation records of the devices
// managing each half of a tracker's pose.
type split struct {
	pos, ori calibration.Record
}

func (x split) ApplyPosition(p r3.Vec) r3.Vec              { return x.pos.ApplyPosition(p) }
func (x split) ApplyOrientation(q quat.Number) quat.Number { return x.ori.ApplyOrientation(q) }
func (x split) ApplyVector(v r3.Vec) r3.Vec                { return x.pos.ApplyVector(v) }
func (x split) IsIdentity() bool                           { return x.pos.IsIdentity() && x.ori.IsIdentity() }

func transformFor(s *app.Settings, t *tracking.Tracker) tracking.Transform {
	posDev, oriDev := s.BaseDevice, s.BaseDevice
	if t.IsPositionOverridden && t.OverrideGUID != "" {
		posDev = t.OverrideGUID
	}
	if t.IsOrientationOverridden && t.OverrideGUID != "" {
		oriDev = t.OverrideGUID
	}
	return split{pos: s.CalibrationFor(posDev), ori: s.CalibrationFor(oriDev)}
}
