package filter

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/geom"
)

// Lerp is an exponential moving average over positions.
type Lerp struct {
	factor float64
	value  r3.Vec
	seeded bool
}

// NewLerp returns a blend that moves factor of the way to each new sample.
func NewLerp(factor float64) *Lerp {
	return &Lerp{factor: factor}
}

// Update feeds one sample and returns the blended value.
func (l *Lerp) Update(v r3.Vec) r3.Vec {
	if !l.seeded {
		l.value, l.seeded = v, true
		return v
	}
	l.value = geom.Lerp(l.value, v, l.factor)
	return l.value
}

// Value returns the last output.
func (l *Lerp) Value() r3.Vec { return l.value }

// Predictor leads the raw position by one sample using a smoothed
// per-sample velocity.
type Predictor struct {
	smoothing float64
	reseed    float64

	last   r3.Vec
	delta  r3.Vec
	value  r3.Vec
	seeded bool
}

// NewPredictor returns a predictor with the given EMA weight for new
// velocity samples and reseed distance in metres.
func NewPredictor(smoothing, reseed float64) *Predictor {
	return &Predictor{smoothing: smoothing, reseed: reseed}
}

// Update feeds one sample and returns the predicted position.
func (p *Predictor) Update(v r3.Vec) r3.Vec {
	if !p.seeded || geom.Distance(v, p.last) > p.reseed {
		p.last, p.delta, p.value = v, r3.Vec{}, v
		p.seeded = true
		return v
	}
	step := r3.Sub(v, p.last)
	p.delta = geom.Lerp(p.delta, step, p.smoothing)
	p.last = v
	p.value = r3.Add(v, p.delta)
	return p.value
}

// Value returns the last output.
func (p *Predictor) Value() r3.Vec { return p.value }

// SlerpAccumulator eases an orientation towards each new sample along the
// shortest arc.
type SlerpAccumulator struct {
	factor float64
	value  quat.Number
	seeded bool
}

// NewSlerp returns an accumulator that moves factor of the way to each new
// sample.
func NewSlerp(factor float64) *SlerpAccumulator {
	return &SlerpAccumulator{factor: factor, value: geom.Identity}
}

// Update feeds one sample and returns the blended orientation. Both the
// stored value and the sample are normalized before blending.
func (s *SlerpAccumulator) Update(q quat.Number) quat.Number {
	q = geom.Normalize(q)
	if !s.seeded {
		s.value, s.seeded = q, true
		return q
	}
	s.value = geom.Slerp(s.value, q, s.factor)
	return s.value
}

// Value returns the last output.
func (s *SlerpAccumulator) Value() quat.Number { return s.value }
