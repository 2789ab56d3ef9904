package filter

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/geom"
)

// kalmanAxis is a constant-velocity Kalman filter over one axis.
// State is [position, velocity]; P is the 2x2 covariance, row-major.
type kalmanAxis struct {
	x, v float64
	P    [4]float64
}

// Kalman runs three independent constant-velocity filters, one per axis,
// at a fixed nominal sample period.
type Kalman struct {
	dt     float64
	q      float64 // process noise spectral density
	r      float64 // measurement noise variance
	maxCov float64
	reseed float64

	axes   [3]kalmanAxis
	seeded bool
}

// NewKalman returns a filter configured from p.
func NewKalman(p Params) *Kalman {
	return &Kalman{
		dt:     p.KalmanSamplePeriod,
		q:      p.KalmanProcessNoise,
		r:      p.KalmanMeasurementNoise,
		maxCov: p.KalmanMaxCovariance,
		reseed: p.ReseedDistance,
	}
}

// Update feeds one measurement and returns the filtered position. The
// filter seeds on the first sample and re-seeds instead of extrapolating
// when the measurement lands further than the reseed distance from the
// current estimate.
func (k *Kalman) Update(z r3.Vec) r3.Vec {
	if !geom.FiniteVec(z) {
		return k.Value()
	}
	if !k.seeded || geom.Distance(z, k.Value()) > k.reseed {
		k.seed(z)
		return z
	}

	comps := [3]float64{z.X, z.Y, z.Z}
	for i := range k.axes {
		k.step(&k.axes[i], comps[i])
	}

	// Guard: reset if the update produced NaN/Inf.
	if !k.finite() {
		k.seed(z)
		return z
	}
	return k.Value()
}

// Value returns the current position estimate.
func (k *Kalman) Value() r3.Vec {
	return r3.Vec{X: k.axes[0].x, Y: k.axes[1].x, Z: k.axes[2].x}
}

// Velocity returns the current velocity estimate in m/s.
func (k *Kalman) Velocity() r3.Vec {
	return r3.Vec{X: k.axes[0].v, Y: k.axes[1].v, Z: k.axes[2].v}
}

// Reset drops the accumulated state.
func (k *Kalman) Reset() {
	k.axes = [3]kalmanAxis{}
	k.seeded = false
}

func (k *Kalman) seed(z r3.Vec) {
	comps := [3]float64{z.X, z.Y, z.Z}
	for i := range k.axes {
		k.axes[i] = kalmanAxis{
			x: comps[i],
			P: [4]float64{k.r, 0, 0, k.q * k.dt * k.dt},
		}
	}
	k.seeded = true
}

func (k *Kalman) step(a *kalmanAxis, z float64) {
	dt := k.dt

	// Predict: x' = F x with F = [1 dt; 0 1].
	a.x += a.v * dt

	// P' = F P F^T + Q, with the discrete white-noise acceleration model
	// Q = q [dt^4/4 dt^3/2; dt^3/2 dt^2].
	p00, p01, p10, p11 := a.P[0], a.P[1], a.P[2], a.P[3]
	n00 := p00 + dt*(p10+p01) + dt*dt*p11
	n01 := p01 + dt*p11
	n10 := p10 + dt*p11
	n11 := p11

	dt2 := dt * dt
	n00 += k.q * dt2 * dt2 / 4
	n01 += k.q * dt2 * dt / 2
	n10 += k.q * dt2 * dt / 2
	n11 += k.q * dt2

	// Update with H = [1 0].
	s := n00 + k.r
	k0 := n00 / s
	k1 := n10 / s
	y := z - a.x

	a.x += k0 * y
	a.v += k1 * y

	a.P[0] = (1 - k0) * n00
	a.P[1] = (1 - k0) * n01
	a.P[2] = n10 - k1*n00
	a.P[3] = n11 - k1*n01

	// Cap the covariance diagonal.
	if a.P[0] > k.maxCov {
		a.P[0] = k.maxCov
	}
	if a.P[3] > k.maxCov {
		a.P[3] = k.maxCov
	}
}

func (k *Kalman) finite() bool {
	for _, a := range k.axes {
		if math.IsNaN(a.x) || math.IsInf(a.x, 0) || math.IsNaN(a.v) || math.IsInf(a.v, 0) {
			return false
		}
	}
	return true
}
