package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/testutil"
)

func TestNormalize(t *testing.T) {
	testutil.AssertQuatNear(t, Normalize(quat.Number{Real: 2}), Identity, 1e-12)
	testutil.AssertQuatNear(t, Normalize(quat.Number{}), Identity, 0)
	testutil.AssertQuatNear(t, Normalize(quat.Number{Real: math.NaN()}), Identity, 0)
	testutil.AssertUnit(t, Normalize(quat.Number{Real: 1, Imag: 2, Jmag: 3, Kmag: 4}), 1e-12)
}

func TestRotate(t *testing.T) {
	q := FromAxisAngle(r3.Vec{Y: 1}, math.Pi/2)
	testutil.AssertVecNear(t, Rotate(q, r3.Vec{Z: 1}), r3.Vec{X: 1}, 1e-12)
	testutil.AssertVecNear(t, Rotate(Identity, r3.Vec{X: 1, Y: 2, Z: 3}), r3.Vec{X: 1, Y: 2, Z: 3}, 1e-12)
}

func TestFromYawPitchRoll(t *testing.T) {
	tests := []struct {
		name  string
		yaw   float64
		pitch float64
		roll  float64
		want  quat.Number
	}{
		{"identity", 0, 0, 0, Identity},
		{"yaw", 0.7, 0, 0, FromAxisAngle(r3.Vec{Y: 1}, 0.7)},
		{"pitch", 0, 0.3, 0, FromAxisAngle(r3.Vec{X: 1}, 0.3)},
		{"roll", 0, 0, -0.4, FromAxisAngle(r3.Vec{Z: 1}, -0.4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.AssertQuatNear(t, FromYawPitchRoll(tt.yaw, tt.pitch, tt.roll), tt.want, 1e-12)
		})
	}

	// Combined: yaw is applied last.
	q := FromYawPitchRoll(0.5, 0.2, 0)
	want := quat.Mul(FromAxisAngle(r3.Vec{Y: 1}, 0.5), FromAxisAngle(r3.Vec{X: 1}, 0.2))
	testutil.AssertQuatNear(t, q, want, 1e-12)
}

func TestEulerRoundTrip(t *testing.T) {
	for _, e := range []r3.Vec{
		{X: 0.4, Y: 0.2, Z: 0.1},
		{X: -1.2, Y: 0.9, Z: 2.5},
		{X: 3, Y: -1.1, Z: -0.2},
	} {
		q := FromEulerXYZ(e)
		got := EulerXYZ(q)
		assert.InDelta(t, e.X, got.X, 1e-9)
		assert.InDelta(t, e.Y, got.Y, 1e-9)
		assert.InDelta(t, e.Z, got.Z, 1e-9)
	}
}

func TestMatrixRoundTrip(t *testing.T) {
	for _, q := range []quat.Number{
		Identity,
		FromEulerXYZ(r3.Vec{X: 0.4, Y: 0.2, Z: 0.1}),
		FromAxisAngle(r3.Vec{X: 1, Y: 1}, 3.0),
		FromAxisAngle(r3.Vec{Z: 1}, math.Pi),
	} {
		got := FromMatrix(Matrix(q))
		assert.True(t, SameRotation(got, q, 1e-9), "q=%v got=%v", q, got)
	}
}

func TestSlerp(t *testing.T) {
	a := Identity
	b := FromAxisAngle(r3.Vec{Y: 1}, 1.0)

	testutil.AssertQuatNear(t, Slerp(a, b, 0), a, 1e-12)
	testutil.AssertQuatNear(t, Slerp(a, b, 1), b, 1e-12)
	testutil.AssertQuatNear(t, Slerp(a, b, 0.5), FromAxisAngle(r3.Vec{Y: 1}, 0.5), 1e-9)

	// Unnormalized inputs still give a unit result.
	got := Slerp(quat.Scale(3, a), quat.Scale(0.2, b), 0.25)
	testutil.AssertUnit(t, got, 1e-12)

	// Shortest arc is taken when inputs are in opposite hemispheres.
	got = Slerp(a, quat.Scale(-1, b), 0.5)
	assert.True(t, SameRotation(got, FromAxisAngle(r3.Vec{Y: 1}, 0.5), 1e-9))
}

func TestOrientationDot(t *testing.T) {
	tests := []struct {
		name string
		from quat.Number
		to   quat.Number
		want float64
	}{
		{"same", Identity, Identity, 1},
		{"opposite", Identity, FromAxisAngle(r3.Vec{Y: 1}, math.Pi), -1},
		{"perpendicular", Identity, FromAxisAngle(r3.Vec{Y: 1}, math.Pi/2), 0},
		{"pitch ignored", FromAxisAngle(r3.Vec{X: 1}, 0.6), Identity, 1},
		{"65 degrees", FromAxisAngle(r3.Vec{Y: 1}, 65*math.Pi/180), Identity, 0.42261826},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, OrientationDot(tt.from, tt.to), 1e-7)
		})
	}
}

func TestYaw(t *testing.T) {
	assert.InDelta(t, 0.8, Yaw(FromYawPitchRoll(0.8, 0.3, 0)), 1e-9)
	assert.InDelta(t, -2.0, Yaw(FromAxisAngle(r3.Vec{Y: 1}, -2.0)), 1e-9)
	testutil.AssertQuatNear(t, YawOnly(FromYawPitchRoll(0.8, 0.3, 0.1)), FromAxisAngle(r3.Vec{Y: 1}, 0.8), 1e-9)
}

func TestFixFlipped(t *testing.T) {
	t.Run("identity turns around", func(t *testing.T) {
		got := FixFlipped(Identity)
		assert.True(t, SameRotation(got, FromAxisAngle(r3.Vec{Y: 1}, math.Pi), 1e-12))
	})

	t.Run("mirrors yaw and roll", func(t *testing.T) {
		q := FromEulerXYZ(r3.Vec{X: 0.4, Y: 0.2, Z: 0.1})
		got := FixFlipped(q)
		want := quat.Mul(FromAxisAngle(r3.Vec{Y: 1}, math.Pi), FromEulerXYZ(r3.Vec{X: 0.4, Y: -0.2, Z: -0.1}))
		testutil.AssertQuatNear(t, got, want, 1e-12)
	})

	t.Run("applying twice is not a component-wise no-op", func(t *testing.T) {
		q := FromEulerXYZ(r3.Vec{X: 0.4, Y: 0.2, Z: 0.1})
		twice := FixFlipped(FixFlipped(q))

		// Same rotation, opposite quaternion sign.
		assert.True(t, SameRotation(twice, q, 1e-9))
		testutil.AssertQuatNear(t, twice, quat.Scale(-1, q), 1e-9)
		assert.Greater(t, quat.Abs(quat.Sub(twice, q)), 1.0)
	})
}

func TestLookRotation(t *testing.T) {
	testutil.AssertQuatNear(t, LookRotation(r3.Vec{Y: 1}), Identity, 0)
	q := LookRotation(r3.Vec{X: 1, Y: 5})
	testutil.AssertVecNear(t, Rotate(q, r3.Vec{Z: 1}), r3.Vec{X: 1}, 1e-12)
}
