package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Lerp blends a towards b by t.
func Lerp(a, b r3.Vec, t float64) r3.Vec {
	return r3.Add(r3.Scale(1-t, a), r3.Scale(t, b))
}

// Distance returns the euclidean distance between a and b.
func Distance(a, b r3.Vec) float64 {
	return r3.Norm(r3.Sub(a, b))
}

// FiniteVec reports whether every component of v is finite.
func FiniteVec(v r3.Vec) bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}

// FiniteQuat reports whether every component of q is finite.
func FiniteQuat(q quat.Number) bool {
	return finite(q.Real) && finite(q.Imag) && finite(q.Jmag) && finite(q.Kmag)
}

// LookRotation returns the yaw-only rotation whose facing axis points along
// dir projected on the ground plane. A vertical dir yields Identity.
func LookRotation(dir r3.Vec) quat.Number {
	dir.Y = 0
	if r3.Norm(dir) < 1e-9 {
		return Identity
	}
	return FromAxisAngle(r3.Vec{Y: 1}, math.Atan2(dir.X, dir.Z))
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
