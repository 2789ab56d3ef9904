// Package flip decides when the user faces away from their tracking setup
// and the skeleton's left and right sides must be swapped.
package flip

import (
	"math"

	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/posebridge/internal/geom"
	"github.com/banshee-data/posebridge/internal/tracking"
)

// DefaultThreshold is cos(65°). Facing dot products with a smaller
// magnitude fall in the hysteresis band and leave the flip state unchanged.
const DefaultThreshold = 0.42261826

// Detector holds the hysteresis flag for one device.
type Detector struct {
	threshold float64
	flipped   bool
}

// NewDetector returns a detector using threshold as the half-width of the
// hysteresis band. A non-positive threshold selects DefaultThreshold.
func NewDetector(threshold float64) *Detector {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}
	return &Detector{threshold: threshold}
}

// Update feeds one facing dot product and returns the flip state. Outside
// the band the state becomes dot < 0; inside it the previous state is held.
// When enabled is false the state is forced off.
func (d *Detector) Update(dot float64, enabled bool) bool {
	if !enabled {
		d.flipped = false
		return false
	}
	if math.Abs(dot) >= d.threshold {
		d.flipped = dot < 0
	}
	return d.flipped
}

// Flipped returns the current state.
func (d *Detector) Flipped() bool { return d.flipped }

// Threshold returns the half-width of the hysteresis band.
func (d *Detector) Threshold() float64 { return d.threshold }

// Reset clears the flip state.
func (d *Detector) Reset() { d.flipped = false }

// Facing compares the facing reference against the calibrated reference for
// a device and returns the ground-plane dot product.
func Facing(reference, calibration quat.Number) float64 {
	return geom.OrientationDot(reference, calibration)
}

// Affected reports whether a joint with the given role takes part in a flip.
func Affected(flipped bool, role tracking.JointRole) bool {
	if !flipped || role == tracking.JointManual {
		return false
	}
	_, ok := role.Mirror()
	return ok
}

// SelectJoint returns the joint a tracker should read when the device is
// flipped or not. When flipped, the joint with the mirrored role is used if
// the device reports one; otherwise the selected joint is kept. The second
// result reports whether the flip applies, in which case the caller inverts
// the orientation and runs it through Fix.
func SelectJoint(joints []tracking.Joint, selected int, flipped bool) (tracking.Joint, bool) {
	if selected < 0 || selected >= len(joints) {
		return tracking.Joint{Orientation: geom.Identity, PreviousOrientation: geom.Identity}, false
	}
	j := joints[selected]
	if !Affected(flipped, j.Role) {
		return j, false
	}
	mirror, _ := j.Role.Mirror()
	if i := tracking.FindJoint(joints, mirror); i >= 0 {
		return joints[i], true
	}
	return j, true
}

// Orientation returns the orientation a flipped joint contributes: the
// joint's rotation inverted and then passed through Fix.
func Orientation(q quat.Number) quat.Number {
	return Fix(geom.Inverse(q))
}

// Fix corrects the handedness of an orientation read from a mirrored joint.
func Fix(q quat.Number) quat.Number {
	return geom.FixFlipped(q)
}
