// Package geom holds the rotation and vector helpers shared by the filter,
// flip and calibration packages. Orientations are gonum quaternions with Real
// as the scalar part and Imag/Jmag/Kmag as x/y/z; positions are r3 vectors in
// metres using a right-handed, y-up frame.
package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Identity is the unit quaternion representing no rotation.
var Identity = quat.Number{Real: 1}

// forward is the facing axis of a tracked joint in its local frame.
var forward = r3.Vec{Z: 1}

// Normalize returns q scaled to unit length. A zero or non-finite quaternion
// normalizes to Identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Identity
	}
	return quat.Scale(1/n, q)
}

// Dot returns the four-component dot product of a and b.
func Dot(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}

// Inverse returns the inverse rotation of a unit quaternion.
func Inverse(q quat.Number) quat.Number {
	return quat.Conj(Normalize(q))
}

// Slerp interpolates from a towards b by t along the shortest arc. Both
// inputs are normalized first so accumulated drift cannot leak into the
// result.
func Slerp(a, b quat.Number, t float64) quat.Number {
	a = Normalize(a)
	b = Normalize(b)

	cos := Dot(a, b)
	if cos < 0 {
		b = quat.Scale(-1, b)
		cos = -cos
	}

	// Nearly parallel: fall back to normalized lerp.
	if cos > 0.9995 {
		return Normalize(quat.Add(quat.Scale(1-t, a), quat.Scale(t, b)))
	}

	theta := math.Acos(cos)
	sin := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sin
	wb := math.Sin(t*theta) / sin
	return Normalize(quat.Add(quat.Scale(wa, a), quat.Scale(wb, b)))
}

// FromAxisAngle builds a rotation of angle radians about axis.
func FromAxisAngle(axis r3.Vec, angle float64) quat.Number {
	n := r3.Norm(axis)
	if n == 0 {
		return Identity
	}
	axis = r3.Scale(1/n, axis)
	s, c := math.Sincos(angle / 2)
	return quat.Number{Real: c, Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

// FromYawPitchRoll builds a rotation from yaw about Y, pitch about X and roll
// about Z, applied roll first then pitch then yaw.
func FromYawPitchRoll(yaw, pitch, roll float64) quat.Number {
	sr, cr := math.Sincos(roll / 2)
	sp, cp := math.Sincos(pitch / 2)
	sy, cy := math.Sincos(yaw / 2)

	return quat.Number{
		Real: cy*cp*cr + sy*sp*sr,
		Imag: cy*sp*cr + sy*cp*sr,
		Jmag: sy*cp*cr - cy*sp*sr,
		Kmag: cy*cp*sr - sy*sp*cr,
	}
}

// FromEulerXYZ composes X(x)·Y(y)·Z(z).
func FromEulerXYZ(e r3.Vec) quat.Number {
	qx := FromAxisAngle(r3.Vec{X: 1}, e.X)
	qy := FromAxisAngle(r3.Vec{Y: 1}, e.Y)
	qz := FromAxisAngle(r3.Vec{Z: 1}, e.Z)
	return quat.Mul(quat.Mul(qx, qy), qz)
}

// EulerXYZ decomposes q into angles (x, y, z) such that q = X(x)·Y(y)·Z(z).
// The y angle is in [-π/2, π/2].
func EulerXYZ(q quat.Number) r3.Vec {
	m := Matrix(q)
	sy := clamp(m[0][2], -1, 1)
	y := math.Asin(sy)
	if math.Abs(sy) > 0.9999999 {
		// Gimbal lock: fold z into x.
		return r3.Vec{X: math.Atan2(m[2][1], m[1][1]), Y: y}
	}
	return r3.Vec{
		X: math.Atan2(-m[1][2], m[2][2]),
		Y: y,
		Z: math.Atan2(-m[0][1], m[0][0]),
	}
}

// Matrix returns the row-major rotation matrix of q.
func Matrix(q quat.Number) [3][3]float64 {
	q = Normalize(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

// FromMatrix converts a proper rotation matrix to a unit quaternion.
func FromMatrix(m [3][3]float64) quat.Number {
	tr := m[0][0] + m[1][1] + m[2][2]
	var q quat.Number
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{
			Real: s / 4,
			Imag: (m[2][1] - m[1][2]) / s,
			Jmag: (m[0][2] - m[2][0]) / s,
			Kmag: (m[1][0] - m[0][1]) / s,
		}
	case m[0][0] > m[1][1] && m[0][0] > m[2][2]:
		s := math.Sqrt(1+m[0][0]-m[1][1]-m[2][2]) * 2
		q = quat.Number{
			Real: (m[2][1] - m[1][2]) / s,
			Imag: s / 4,
			Jmag: (m[0][1] + m[1][0]) / s,
			Kmag: (m[0][2] + m[2][0]) / s,
		}
	case m[1][1] > m[2][2]:
		s := math.Sqrt(1+m[1][1]-m[0][0]-m[2][2]) * 2
		q = quat.Number{
			Real: (m[0][2] - m[2][0]) / s,
			Imag: (m[0][1] + m[1][0]) / s,
			Jmag: s / 4,
			Kmag: (m[1][2] + m[2][1]) / s,
		}
	default:
		s := math.Sqrt(1+m[2][2]-m[0][0]-m[1][1]) * 2
		q = quat.Number{
			Real: (m[1][0] - m[0][1]) / s,
			Imag: (m[0][2] + m[2][0]) / s,
			Jmag: (m[1][2] + m[2][1]) / s,
			Kmag: s / 4,
		}
	}
	return Normalize(q)
}

// Rotate applies q to v.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	q = Normalize(q)
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Forward returns the ground-plane projection of q's facing axis, normalized.
// The second result is false when the facing axis points straight up or down.
func Forward(q quat.Number) (r3.Vec, bool) {
	f := Rotate(q, forward)
	f.Y = 0
	n := r3.Norm(f)
	if n < 1e-9 {
		return r3.Vec{}, false
	}
	return r3.Scale(1/n, f), true
}

// OrientationDot compares the ground-plane facing directions of two
// orientations: +1 when they face the same way, -1 when opposite and 0 when
// perpendicular. Degenerate (vertical) facings compare as 0.
func OrientationDot(from, to quat.Number) float64 {
	a, okA := Forward(from)
	b, okB := Forward(to)
	if !okA || !okB {
		return 0
	}
	return r3.Dot(a, b)
}

// Yaw returns the heading of q about the vertical axis in radians, measured
// from +Z towards +X.
func Yaw(q quat.Number) float64 {
	f, ok := Forward(q)
	if !ok {
		return 0
	}
	return math.Atan2(f.X, f.Z)
}

// YawOnly strips pitch and roll from q, keeping its heading.
func YawOnly(q quat.Number) quat.Number {
	return FromAxisAngle(r3.Vec{Y: 1}, Yaw(q))
}

// FixFlipped corrects the handedness of an orientation taken from a mirrored
// joint: the XYZ Euler angles are rebuilt as X(x)·Y(-y)·Z(-z) and the result
// is turned around 180° about the vertical axis. Applying it twice yields the
// same rotation with the opposite quaternion sign for general inputs.
func FixFlipped(q quat.Number) quat.Number {
	e := EulerXYZ(q)
	mirrored := FromEulerXYZ(r3.Vec{X: e.X, Y: -e.Y, Z: -e.Z})
	turn := FromAxisAngle(r3.Vec{Y: 1}, math.Pi)
	return quat.Mul(turn, mirrored)
}

// SameRotation reports whether a and b describe the same rotation within tol,
// treating q and -q as equal.
func SameRotation(a, b quat.Number, tol float64) bool {
	return math.Abs(Dot(Normalize(a), Normalize(b))) >= 1-tol
}

// AngleBetween returns the rotation angle in radians separating a and b.
func AngleBetween(a, b quat.Number) float64 {
	d := math.Abs(Dot(Normalize(a), Normalize(b)))
	return 2 * math.Acos(clamp(d, -1, 1))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
