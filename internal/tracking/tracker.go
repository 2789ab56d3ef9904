package tracking

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/filter"
	"github.com/banshee-data/posebridge/internal/geom"
)

// TrackerRole identifies an output tracker slot on the consumer side.
type TrackerRole string

const (
	TrackerHanded        TrackerRole = "handed"
	TrackerLeftFoot      TrackerRole = "left_foot"
	TrackerRightFoot     TrackerRole = "right_foot"
	TrackerLeftShoulder  TrackerRole = "left_shoulder"
	TrackerRightShoulder TrackerRole = "right_shoulder"
	TrackerLeftElbow     TrackerRole = "left_elbow"
	TrackerRightElbow    TrackerRole = "right_elbow"
	TrackerLeftKnee      TrackerRole = "left_knee"
	TrackerRightKnee     TrackerRole = "right_knee"
	TrackerWaist         TrackerRole = "waist"
	TrackerChest         TrackerRole = "chest"
	TrackerCamera        TrackerRole = "camera"
	TrackerKeyboard      TrackerRole = "keyboard"
	TrackerHead          TrackerRole = "head"
	TrackerLeftHand      TrackerRole = "left_hand"
	TrackerRightHand     TrackerRole = "right_hand"
)

type roleInfo struct {
	serial string
	joint  JointRole
}

var roles = map[TrackerRole]roleInfo{
	TrackerHanded:        {"AME-HANDED", JointHandLeft},
	TrackerLeftFoot:      {"AME-LFOOT", JointFootLeft},
	TrackerRightFoot:     {"AME-RFOOT", JointFootRight},
	TrackerLeftShoulder:  {"AME-LSHOULDER", JointShoulderLeft},
	TrackerRightShoulder: {"AME-RSHOULDER", JointShoulderRight},
	TrackerLeftElbow:     {"AME-LELBOW", JointElbowLeft},
	TrackerRightElbow:    {"AME-RELBOW", JointElbowRight},
	TrackerLeftKnee:      {"AME-LKNEE", JointKneeLeft},
	TrackerRightKnee:     {"AME-RKNEE", JointKneeRight},
	TrackerWaist:         {"AME-WAIST", JointSpineWaist},
	TrackerChest:         {"AME-CHEST", JointSpineMiddle},
	TrackerCamera:        {"AME-CAMERA", JointManual},
	TrackerKeyboard:      {"AME-KEYBOARD", JointManual},
	TrackerHead:          {"AME-HEAD", JointHead},
	TrackerLeftHand:      {"AME-LHAND", JointHandLeft},
	TrackerRightHand:     {"AME-RHAND", JointHandRight},
}

// pairs maps each left tracker to its right counterpart.
var pairs = map[TrackerRole]TrackerRole{
	TrackerLeftFoot:     TrackerRightFoot,
	TrackerLeftShoulder: TrackerRightShoulder,
	TrackerLeftElbow:    TrackerRightElbow,
	TrackerLeftKnee:     TrackerRightKnee,
}

// DefaultRoles lists the trackers every configuration carries, in order.
var DefaultRoles = []TrackerRole{
	TrackerWaist,
	TrackerLeftFoot,
	TrackerRightFoot,
	TrackerLeftElbow,
	TrackerRightElbow,
	TrackerLeftKnee,
	TrackerRightKnee,
}

// String returns the string representation of the role.
func (r TrackerRole) String() string {
	return string(r)
}

// IsValid returns true if r is a known tracker role.
func (r TrackerRole) IsValid() bool {
	_, ok := roles[r]
	return ok
}

// Serial returns the fixed serial the consumer knows this tracker by.
func (r TrackerRole) Serial() string {
	return roles[r].serial
}

// DefaultJoint returns the joint role a tracker binds to by default.
func (r TrackerRole) DefaultJoint() JointRole {
	if info, ok := roles[r]; ok {
		return info.joint
	}
	return JointManual
}

// IsFoot reports whether r is one of the foot trackers.
func (r TrackerRole) IsFoot() bool {
	return r == TrackerLeftFoot || r == TrackerRightFoot
}

// IsLowerBody reports whether r is frozen by a lower-body-only freeze.
func (r TrackerRole) IsLowerBody() bool {
	switch r {
	case TrackerWaist, TrackerLeftKnee, TrackerRightKnee, TrackerLeftFoot, TrackerRightFoot:
		return true
	default:
		return false
	}
}

// PairOf returns the right-hand counterpart of a left tracker. The second
// result is false for roles that do not lead a pair.
func PairOf(r TrackerRole) (TrackerRole, bool) {
	p, ok := pairs[r]
	return p, ok
}

// SerialRole returns the tracker role with the given serial.
func SerialRole(serial string) (TrackerRole, bool) {
	for role, info := range roles {
		if info.serial == serial {
			return role, true
		}
	}
	return "", false
}

// OrientationOption selects where a tracker's orientation comes from.
type OrientationOption string

const (
	OrientationDeviceInferred OrientationOption = "device_inferred"
	// OrientationSoftware derives foot yaw from the foot to foot-tip direction.
	OrientationSoftware OrientationOption = "software"
	// OrientationSoftwareV2 derives foot yaw from the knee to foot direction.
	OrientationSoftwareV2 OrientationOption = "software_v2"
	OrientationFollowHMD  OrientationOption = "follow_hmd"
	OrientationDisabled   OrientationOption = "disabled"
)

// IsValid returns true if o is a known orientation option.
func (o OrientationOption) IsValid() bool {
	switch o {
	case OrientationDeviceInferred, OrientationSoftware, OrientationSoftwareV2,
		OrientationFollowHMD, OrientationDisabled:
		return true
	default:
		return false
	}
}

// IsSoftware reports whether o computes orientation from joint positions.
func (o OrientationOption) IsSoftware() bool {
	return o == OrientationSoftware || o == OrientationSoftwareV2
}

// Calibrated reports whether the calibration rotation applies to
// orientations produced under o.
func (o OrientationOption) Calibrated() bool {
	return o != OrientationFollowHMD && o != OrientationDisabled
}

// Physics carries optional velocity and acceleration pass-through.
type Physics struct {
	Velocity            r3.Vec `json:"velocity"`
	Acceleration        r3.Vec `json:"acceleration"`
	AngularVelocity     r3.Vec `json:"angular_velocity"`
	AngularAcceleration r3.Vec `json:"angular_acceleration"`
}

// Tracker is one output slot. Configuration fields are persisted; the pose
// and filter fields are rebuilt at runtime.
type Tracker struct {
	Role   TrackerRole `json:"role"`
	Serial string      `json:"serial"`
	Active bool        `json:"active"`

	PositionOffset r3.Vec `json:"position_offset"`
	// OrientationOffset holds pitch (X), yaw (Y) and roll (Z) in radians.
	OrientationOffset r3.Vec `json:"orientation_offset"`

	IsPositionOverridden    bool   `json:"position_overridden"`
	IsOrientationOverridden bool   `json:"orientation_overridden"`
	OverrideGUID            string `json:"override_guid,omitempty"`
	OverrideJoint           int    `json:"override_joint"`
	SelectedJoint           int    `json:"selected_joint"`

	PositionFilter    filter.PositionFilter    `json:"position_filter"`
	OrientationFilter filter.OrientationFilter `json:"orientation_filter"`
	OrientationOption OrientationOption        `json:"orientation_option"`

	// Runtime pose, written by the pipeline every iteration.
	Position            r3.Vec      `json:"-"`
	Orientation         quat.Number `json:"-"`
	PreviousPosition    r3.Vec      `json:"-"`
	PreviousOrientation quat.Number `json:"-"`

	// NoPositionFiltering is asserted by the managing device.
	NoPositionFiltering bool     `json:"-"`
	Physics             *Physics `json:"-"`

	Filter *filter.State `json:"-"`
}

// NewTracker returns an inactive tracker for role with default options.
func NewTracker(role TrackerRole) *Tracker {
	return &Tracker{
		Role:                role,
		Serial:              role.Serial(),
		PositionFilter:      filter.PositionLerp,
		OrientationFilter:   filter.OrientationSlerp,
		OrientationOption:   OrientationDeviceInferred,
		Orientation:         geom.Identity,
		PreviousOrientation: geom.Identity,
	}
}

// IsOverridden reports whether any part of the pose comes from an override
// device.
func (t *Tracker) IsOverridden() bool {
	return t.IsPositionOverridden || t.IsOrientationOverridden
}

// EnsureFilter allocates filter state if the tracker has none.
func (t *Tracker) EnsureFilter(p filter.Params) *filter.State {
	if t.Filter == nil {
		t.Filter = filter.NewState(p)
	}
	return t.Filter
}

// UpdateFilters feeds the current raw pose into every filter stage.
func (t *Tracker) UpdateFilters(p filter.Params) {
	t.EnsureFilter(p).Update(t.Position, t.Orientation)
}

// FilteredPosition returns the position from sel, or from the tracker's
// stored preference when sel is empty. A device that requests no position
// filtering forces the raw value.
func (t *Tracker) FilteredPosition(sel filter.PositionFilter) r3.Vec {
	if t.Filter == nil || t.NoPositionFiltering {
		return t.Position
	}
	if sel == "" {
		sel = t.PositionFilter
	}
	return t.Filter.Position(sel)
}

// FilteredOrientation returns the orientation from sel, or from the
// tracker's stored preference when sel is empty.
func (t *Tracker) FilteredOrientation(sel filter.OrientationFilter) quat.Number {
	if t.Filter == nil {
		return geom.Normalize(t.Orientation)
	}
	if sel == "" {
		sel = t.OrientationFilter
	}
	return t.Filter.Orientation(sel)
}

// OffsetRotation returns the rotation built from the orientation offsets.
func (t *Tracker) OffsetRotation() quat.Number {
	return geom.FromYawPitchRoll(t.OrientationOffset.Y, t.OrientationOffset.X, t.OrientationOffset.Z)
}

// FullPosition returns the filtered position plus the user offset.
func (t *Tracker) FullPosition(sel filter.PositionFilter) r3.Vec {
	return r3.Add(t.FilteredPosition(sel), t.PositionOffset)
}

// FullOrientation returns the filtered orientation with the offset rotation
// applied.
func (t *Tracker) FullOrientation(sel filter.OrientationFilter) quat.Number {
	return geom.Normalize(quat.Mul(t.FilteredOrientation(sel), t.OffsetRotation()))
}

// Transform is the rigid mapping applied between filtering and offsets.
// It is satisfied by calibration records.
type Transform interface {
	ApplyPosition(p r3.Vec) r3.Vec
	ApplyOrientation(q quat.Number) quat.Number
	ApplyVector(v r3.Vec) r3.Vec
	IsIdentity() bool
}

// Pose builds the pose pushed to the consumer: raw, then filter, then the
// optional transform, then the user offsets.
func (t *Tracker) Pose(xf Transform, pos filter.PositionFilter, ori filter.OrientationFilter) TrackerPose {
	p := t.FilteredPosition(pos)
	q := t.FilteredOrientation(ori)
	physics := t.Physics

	if xf != nil && !xf.IsIdentity() {
		p = xf.ApplyPosition(p)
		if t.OrientationOption.Calibrated() {
			q = xf.ApplyOrientation(q)
		}
		if physics != nil {
			physics = &Physics{
				Velocity:            xf.ApplyVector(physics.Velocity),
				Acceleration:        xf.ApplyVector(physics.Acceleration),
				AngularVelocity:     xf.ApplyVector(physics.AngularVelocity),
				AngularAcceleration: xf.ApplyVector(physics.AngularAcceleration),
			}
		}
	}

	return TrackerPose{
		Role:        t.Role,
		Serial:      t.Serial,
		Active:      t.Active,
		Position:    r3.Add(p, t.PositionOffset),
		Orientation: geom.Normalize(quat.Mul(q, t.OffsetRotation())),
		Physics:     physics,
	}
}

// State returns the pose-less activation record sent on state changes.
func (t *Tracker) State(active bool) TrackerPose {
	return TrackerPose{
		Role:        t.Role,
		Serial:      t.Serial,
		Active:      active,
		Orientation: geom.Identity,
	}
}

// TrackerPose is one entry of the batch pushed to the consumer.
type TrackerPose struct {
	Role        TrackerRole `json:"role"`
	Serial      string      `json:"serial"`
	Active      bool        `json:"active"`
	Position    r3.Vec      `json:"position"`
	Orientation quat.Number `json:"orientation"`
	Physics     *Physics    `json:"physics,omitempty"`
}
