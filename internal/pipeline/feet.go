package pipeline

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/geom"
	"github.com/banshee-data/posebridge/internal/tracking"
)

// footOrientation derives a yaw-only foot orientation from joint positions.
// V1 looks from the foot towards the foot tip; V2 from the knee towards the
// foot. When mirrored, joints are read from the opposite side and the
// result is inverted. The second result is false when a needed joint is
// missing.
func footOrientation(joints []tracking.Joint, role tracking.TrackerRole, opt tracking.OrientationOption, mirrored bool) (quat.Number, bool) {
	right := (role != tracking.TrackerLeftFoot) != mirrored

	side := func(left tracking.JointRole) (r3.Vec, bool) {
		i := tracking.FindJoint(joints, left.MirrorIf(right))
		if i < 0 {
			return r3.Vec{}, false
		}
		return joints[i].Position, true
	}

	foot, ok := side(tracking.JointFootLeft)
	if !ok {
		return geom.Identity, false
	}

	var dir r3.Vec
	switch opt {
	case tracking.OrientationSoftware:
		tip, ok := side(tracking.JointFootTipLeft)
		if !ok {
			return geom.Identity, false
		}
		dir = r3.Sub(tip, foot)
	case tracking.OrientationSoftwareV2:
		knee, ok := side(tracking.JointKneeLeft)
		if !ok {
			return geom.Identity, false
		}
		dir = r3.Sub(foot, knee)
	default:
		return geom.Identity, false
	}

	q := geom.LookRotation(dir)
	if mirrored {
		q = geom.Inverse(q)
	}
	return q, true
}
