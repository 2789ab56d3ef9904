package filter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/geom"
	"github.com/banshee-data/posebridge/internal/testutil"
)

var allPositionFilters = []PositionFilter{
	PositionLerp, PositionLowPass, PositionKalman, PositionPrediction, PositionNone,
}

func TestDefaultParamsValid(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())

	p := DefaultParams()
	p.LerpFactor = 0
	assert.Error(t, p.Validate())

	p = DefaultParams()
	p.ReseedDistance = -1
	assert.Error(t, p.Validate())
}

func TestLowPassAlpha(t *testing.T) {
	lp := NewLowPass(6.9, 0.005)
	want := 1 - math.Exp(-0.005*2*math.Pi*6.9)
	assert.InDelta(t, want, lp.Alpha(), 1e-12)
	assert.InDelta(t, 0.195, lp.Alpha(), 0.001)
}

func TestFirstSampleSeeds(t *testing.T) {
	s := NewState(DefaultParams())
	p := r3.Vec{X: 1, Y: 2, Z: 3}
	q := geom.FromAxisAngle(r3.Vec{Y: 1}, 0.7)
	s.Update(p, q)

	for _, sel := range allPositionFilters {
		testutil.AssertVecNear(t, s.Position(sel), p, 1e-12)
	}
	for _, sel := range []OrientationFilter{OrientationSlerp, OrientationSlerpSlow, OrientationNone} {
		testutil.AssertQuatNear(t, s.Orientation(sel), q, 1e-12)
	}
}

func TestConstantInputConverges(t *testing.T) {
	s := NewState(DefaultParams())
	start := r3.Vec{}
	target := r3.Vec{X: 0.5, Y: 1.1, Z: -0.3}
	targetOri := geom.FromAxisAngle(r3.Vec{X: 1, Y: 1}, 1.2)

	s.Update(start, geom.Identity)
	for i := 0; i < 300; i++ {
		s.Update(target, targetOri)
	}

	for _, sel := range allPositionFilters {
		t.Run(sel.String(), func(t *testing.T) {
			testutil.AssertVecNear(t, s.Position(sel), target, 1e-4)
		})
	}
	assert.True(t, geom.SameRotation(s.Orientation(OrientationSlerp), targetOri, 1e-9))
	assert.True(t, geom.SameRotation(s.Orientation(OrientationSlerpSlow), targetOri, 1e-9))
}

func TestFiftyIterationsConverge(t *testing.T) {
	// The blend and low-pass stages settle well inside 50 samples.
	s := NewState(DefaultParams())
	s.Update(r3.Vec{}, geom.Identity)
	target := r3.Vec{X: 0.2}
	for i := 0; i < 50; i++ {
		s.Update(target, geom.Identity)
	}
	testutil.AssertVecNear(t, s.Position(PositionLerp), target, 1e-6)
	testutil.AssertVecNear(t, s.Position(PositionLowPass), target, 1e-4)
	testutil.AssertVecNear(t, s.Position(PositionPrediction), target, 1e-6)
}

func TestTeleportDoesNotOvershoot(t *testing.T) {
	from := r3.Vec{X: 0.1, Y: 1.0, Z: 0.2}
	to := r3.Vec{X: 2.1, Y: 1.0, Z: 0.2}
	jump := geom.Distance(from, to)

	for _, sel := range allPositionFilters {
		t.Run(sel.String(), func(t *testing.T) {
			s := NewState(DefaultParams())
			for i := 0; i < 200; i++ {
				s.Update(from, geom.Identity)
			}
			before := s.Position(sel)
			s.Update(to, geom.Identity)
			after := s.Position(sel)

			moved := geom.Distance(before, after)
			if moved > jump+1e-6 {
				t.Fatalf("output moved %.6f m for a %.6f m teleport", moved, jump)
			}
			// And the filter settles at the new location without diverging.
			for i := 0; i < 300; i++ {
				s.Update(to, geom.Identity)
			}
			testutil.AssertVecNear(t, s.Position(sel), to, 1e-3)
		})
	}
}

func TestKalmanReseedsOnTeleport(t *testing.T) {
	k := NewKalman(DefaultParams())
	k.Update(r3.Vec{})
	k.Update(r3.Vec{X: 0.001})
	got := k.Update(r3.Vec{X: 5})
	testutil.AssertVecNear(t, got, r3.Vec{X: 5}, 0)
	testutil.AssertVecNear(t, k.Velocity(), r3.Vec{}, 0)
}

func TestKalmanTracksConstantVelocity(t *testing.T) {
	k := NewKalman(DefaultParams())
	const v = 0.4 // m/s
	var got r3.Vec
	for i := 0; i < 400; i++ {
		got = k.Update(r3.Vec{Z: v * float64(i) * 0.005})
	}
	assert.InDelta(t, v*399*0.005, got.Z, 1e-3)
	assert.InDelta(t, v, k.Velocity().Z, 0.05)
}

func TestNonFiniteSampleIgnored(t *testing.T) {
	s := NewState(DefaultParams())
	p := r3.Vec{X: 1}
	s.Update(p, geom.Identity)
	s.Update(r3.Vec{X: math.NaN()}, geom.Identity)
	s.Update(r3.Vec{Y: math.Inf(1)}, geom.Identity)

	assert.Equal(t, uint64(1), s.Samples())
	for _, sel := range allPositionFilters {
		testutil.AssertVecNear(t, s.Position(sel), p, 1e-12)
	}
}

func TestOrientationStaysUnit(t *testing.T) {
	s := NewState(DefaultParams())
	for i := 0; i < 500; i++ {
		// Deliberately unnormalized, wandering input.
		q := quat.Scale(1+0.01*float64(i%7), geom.FromAxisAngle(r3.Vec{Y: 1, Z: 0.2}, 0.05*float64(i)))
		s.Update(r3.Vec{}, q)
		testutil.AssertUnit(t, s.Orientation(OrientationSlerp), 1e-9)
		testutil.AssertUnit(t, s.Orientation(OrientationSlerpSlow), 1e-9)
	}
}

func TestSlowSlerpLagsFast(t *testing.T) {
	s := NewState(DefaultParams())
	s.Update(r3.Vec{}, geom.Identity)
	target := geom.FromAxisAngle(r3.Vec{Y: 1}, 1.0)
	s.Update(r3.Vec{}, target)

	fast := geom.AngleBetween(s.Orientation(OrientationSlerp), target)
	slow := geom.AngleBetween(s.Orientation(OrientationSlerpSlow), target)
	assert.InDelta(t, 0.75, fast, 1e-9)
	assert.InDelta(t, 0.85, slow, 1e-9)
}

func TestSelectorValidity(t *testing.T) {
	for _, sel := range allPositionFilters {
		assert.True(t, sel.IsValid(), sel)
	}
	assert.False(t, PositionFilter("median").IsValid())
	assert.True(t, OrientationSlerpSlow.IsValid())
	assert.False(t, OrientationFilter("").IsValid())
}
