// Package calibration recovers the rigid transform that maps a tracking
// source's coordinate space into the headset's reference space.
//
// Three sessions share one output, the per-device Record:
//
//   - AutoSession captures 3 to 5 head/headset correspondence pairs and
//     solves them with an SVD rigid registration.
//   - RotationSession derives a yaw-only transform from a stand sample and
//     a look-at sample, for sources with a single meaningful joint.
//   - ManualSession lets the user nudge translation and rotation with the
//     controllers until they confirm.
//
// Sessions never hold the application lock themselves; they hand records
// to a Committer, which serializes the write.
package calibration

import (
	"errors"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/geom"
)

var (
	// ErrTooFewPoints is returned when fewer than three correspondence
	// pairs are available to solve.
	ErrTooFewPoints = errors.New("calibration: too few points")

	// ErrMismatchedPoints is returned when the two point sets differ in
	// length.
	ErrMismatchedPoints = errors.New("calibration: mismatched point sets")

	// ErrAborted is returned when a session is cancelled before it commits.
	ErrAborted = errors.New("calibration: aborted")
)

// Record is the stored transform for one device. Positions map as
// R·(p − Origin) + Translation + Origin.
type Record struct {
	Rotation    quat.Number `json:"rotation"`
	Translation r3.Vec      `json:"translation"`
	Origin      r3.Vec      `json:"origin"`
	Calibrated  bool        `json:"calibrated"`
}

// Identity returns an uncalibrated record that maps every point to itself.
func Identity() Record {
	return Record{Rotation: geom.Identity}
}

// IsIdentity reports whether applying r changes nothing.
func (r Record) IsIdentity() bool {
	q := geom.Normalize(r.Rotation)
	return q == geom.Identity && r.Translation == (r3.Vec{}) && r.Origin == (r3.Vec{})
}

// ApplyPosition maps p into the reference space.
func (r Record) ApplyPosition(p r3.Vec) r3.Vec {
	local := r3.Sub(p, r.Origin)
	return r3.Add(r3.Add(geom.Rotate(r.Rotation, local), r.Translation), r.Origin)
}

// ApplyOrientation maps an orientation into the reference space.
func (r Record) ApplyOrientation(q quat.Number) quat.Number {
	return geom.Normalize(quat.Mul(geom.Normalize(r.Rotation), q))
}

// ApplyVector rotates a free vector such as a velocity. Translation does
// not apply.
func (r Record) ApplyVector(v r3.Vec) r3.Vec {
	return geom.Rotate(r.Rotation, v)
}
