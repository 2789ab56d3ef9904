package filter

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/geom"
)

// State holds every filter stage for one tracker. It is not safe for
// concurrent use; callers serialize access through the application lock.
type State struct {
	params Params

	rawPosition    r3.Vec
	rawOrientation quat.Number

	lerp    *Lerp
	lowPass *LowPass
	kalman  *Kalman
	predict *Predictor

	fast *SlerpAccumulator
	slow *SlerpAccumulator

	samples uint64
}

// NewState returns an unseeded filter state configured from p.
func NewState(p Params) *State {
	s := &State{params: p}
	s.Reset()
	return s
}

// Reset discards all accumulated history.
func (s *State) Reset() {
	p := s.params
	s.rawPosition = r3.Vec{}
	s.rawOrientation = geom.Identity
	s.lerp = NewLerp(p.LerpFactor)
	s.lowPass = NewLowPass(p.LowPassCutoffHz, p.LowPassSamplePeriod)
	s.kalman = NewKalman(p)
	s.predict = NewPredictor(p.PredictionSmoothing, p.ReseedDistance)
	s.fast = NewSlerp(p.SlerpFast)
	s.slow = NewSlerp(p.SlerpSlow)
	s.samples = 0
}

// Params returns the constants the state was built with.
func (s *State) Params() Params { return s.params }

// Samples returns the number of samples accepted since the last reset.
func (s *State) Samples() uint64 { return s.samples }

// Update feeds one raw sample through every stage. Non-finite positions are
// dropped so a single bad sample cannot poison the accumulators; the
// orientation is normalized first.
func (s *State) Update(pos r3.Vec, ori quat.Number) {
	if !geom.FiniteVec(pos) {
		return
	}
	ori = geom.Normalize(ori)

	s.rawPosition = pos
	s.rawOrientation = ori

	s.lerp.Update(pos)
	s.lowPass.Update(pos)
	s.kalman.Update(pos)
	s.predict.Update(pos)

	s.fast.Update(ori)
	s.slow.Update(ori)
	s.samples++
}

// Position returns the output of the selected position stage.
// An unknown selector yields the raw sample.
func (s *State) Position(sel PositionFilter) r3.Vec {
	switch sel {
	case PositionLerp:
		return s.lerp.Value()
	case PositionLowPass:
		return s.lowPass.Value()
	case PositionKalman:
		return s.kalman.Value()
	case PositionPrediction:
		return s.predict.Value()
	default:
		return s.rawPosition
	}
}

// Orientation returns the output of the selected orientation stage.
// An unknown selector yields the raw sample.
func (s *State) Orientation(sel OrientationFilter) quat.Number {
	switch sel {
	case OrientationSlerp:
		return s.fast.Value()
	case OrientationSlerpSlow:
		return s.slow.Value()
	default:
		return s.rawOrientation
	}
}

// Raw returns the last accepted raw sample.
func (s *State) Raw() (r3.Vec, quat.Number) {
	return s.rawPosition, s.rawOrientation
}
