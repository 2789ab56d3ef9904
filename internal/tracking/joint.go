// Package tracking holds the data model shared by every stage of the pose
// pipeline: the joints reported by tracking sources, the fixed set of output
// trackers and the enums that select how each tracker is filtered.
package tracking

import (
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// JointRole identifies an anatomical joint reported by a tracking source.
type JointRole string

const (
	JointHead          JointRole = "head"
	JointNeck          JointRole = "neck"
	JointSpineShoulder JointRole = "spine_shoulder"
	JointShoulderLeft  JointRole = "shoulder_left"
	JointElbowLeft     JointRole = "elbow_left"
	JointWristLeft     JointRole = "wrist_left"
	JointHandLeft      JointRole = "hand_left"
	JointHandTipLeft   JointRole = "hand_tip_left"
	JointThumbLeft     JointRole = "thumb_left"
	JointShoulderRight JointRole = "shoulder_right"
	JointElbowRight    JointRole = "elbow_right"
	JointWristRight    JointRole = "wrist_right"
	JointHandRight     JointRole = "hand_right"
	JointHandTipRight  JointRole = "hand_tip_right"
	JointThumbRight    JointRole = "thumb_right"
	JointSpineMiddle   JointRole = "spine_middle"
	JointSpineWaist    JointRole = "spine_waist"
	JointHipLeft       JointRole = "hip_left"
	JointKneeLeft      JointRole = "knee_left"
	JointAnkleLeft     JointRole = "ankle_left"
	JointFootLeft      JointRole = "foot_left"
	JointFootTipLeft   JointRole = "foot_tip_left"
	JointHipRight      JointRole = "hip_right"
	JointKneeRight     JointRole = "knee_right"
	JointAnkleRight    JointRole = "ankle_right"
	JointFootRight     JointRole = "foot_right"
	JointFootTipRight  JointRole = "foot_tip_right"

	// JointManual marks a joint with no anatomical meaning. It is never
	// mirrored by flip.
	JointManual JointRole = "manual"
)

// mirrored maps every role to its left/right counterpart. Centre-line joints
// map to themselves.
var mirrored = map[JointRole]JointRole{
	JointHead:          JointHead,
	JointNeck:          JointNeck,
	JointSpineShoulder: JointSpineShoulder,
	JointShoulderLeft:  JointShoulderRight,
	JointElbowLeft:     JointElbowRight,
	JointWristLeft:     JointWristRight,
	JointHandLeft:      JointHandRight,
	JointHandTipLeft:   JointHandTipRight,
	JointThumbLeft:     JointThumbRight,
	JointShoulderRight: JointShoulderLeft,
	JointElbowRight:    JointElbowLeft,
	JointWristRight:    JointWristLeft,
	JointHandRight:     JointHandLeft,
	JointHandTipRight:  JointHandTipLeft,
	JointThumbRight:    JointThumbLeft,
	JointSpineMiddle:   JointSpineMiddle,
	JointSpineWaist:    JointSpineWaist,
	JointHipLeft:       JointHipRight,
	JointKneeLeft:      JointKneeRight,
	JointAnkleLeft:     JointAnkleRight,
	JointFootLeft:      JointFootRight,
	JointFootTipLeft:   JointFootTipRight,
	JointHipRight:      JointHipLeft,
	JointKneeRight:     JointKneeLeft,
	JointAnkleRight:    JointAnkleLeft,
	JointFootRight:     JointFootLeft,
	JointFootTipRight:  JointFootTipLeft,
}

// String returns the string representation of the role.
func (r JointRole) String() string {
	return string(r)
}

// IsValid returns true if the role is a known joint role.
func (r JointRole) IsValid() bool {
	if r == JointManual {
		return true
	}
	_, ok := mirrored[r]
	return ok
}

// Mirror returns the role on the opposite side of the body. The second
// result is false for JointManual and unknown roles, which are not
// flip-affected.
func (r JointRole) Mirror() (JointRole, bool) {
	m, ok := mirrored[r]
	return m, ok
}

// MirrorIf returns r mirrored when flip is true and r has a counterpart,
// otherwise r.
func (r JointRole) MirrorIf(flip bool) JointRole {
	if !flip {
		return r
	}
	if m, ok := r.Mirror(); ok {
		return m
	}
	return r
}

// TrackingState reports how confident a source is about a joint.
type TrackingState string

const (
	StateNotTracked TrackingState = "not_tracked"
	StateInferred   TrackingState = "inferred"
	StateTracked    TrackingState = "tracked"
)

// Joint is one pose sample reported by a tracking source. A source replaces
// its joints wholesale on every update; consumers treat a Joint as a value.
type Joint struct {
	Name  string        `json:"name"`
	Role  JointRole     `json:"role"`
	State TrackingState `json:"state"`

	Position            r3.Vec      `json:"position"`
	Orientation         quat.Number `json:"orientation"`
	PreviousPosition    r3.Vec      `json:"previous_position"`
	PreviousOrientation quat.Number `json:"previous_orientation"`

	Velocity            r3.Vec `json:"velocity"`
	Acceleration        r3.Vec `json:"acceleration"`
	AngularVelocity     r3.Vec `json:"angular_velocity"`
	AngularAcceleration r3.Vec `json:"angular_acceleration"`

	Timestamp         time.Time `json:"timestamp"`
	PreviousTimestamp time.Time `json:"previous_timestamp"`
}

// Advance returns a copy of j with the current pose moved into the previous
// slots and the new pose applied.
func (j Joint) Advance(pos r3.Vec, ori quat.Number, at time.Time) Joint {
	j.PreviousPosition = j.Position
	j.PreviousOrientation = j.Orientation
	j.PreviousTimestamp = j.Timestamp
	j.Position = pos
	j.Orientation = ori
	j.Timestamp = at
	return j
}

// Differentiate returns a copy of j with its linear velocity and
// acceleration estimated from the previous sample. Joints without a previous
// timestamp are returned unchanged.
func (j Joint) Differentiate() Joint {
	if j.PreviousTimestamp.IsZero() {
		return j
	}
	dt := j.Timestamp.Sub(j.PreviousTimestamp).Seconds()
	if dt <= 0 {
		return j
	}
	v := r3.Scale(1/dt, r3.Sub(j.Position, j.PreviousPosition))
	j.Acceleration = r3.Scale(1/dt, r3.Sub(v, j.Velocity))
	j.Velocity = v
	return j
}

// FindJoint returns the index of the first joint with the given role, or -1.
func FindJoint(joints []Joint, role JointRole) int {
	for i := range joints {
		if joints[i].Role == role {
			return i
		}
	}
	return -1
}
