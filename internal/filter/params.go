// Package filter implements the per-tracker smoothing stages: linear blend,
// single-pole low-pass, constant-velocity Kalman, short-horizon prediction
// and two spherical-interpolation accumulators for orientation.
//
// Every stage is updated on every sample regardless of which one a tracker
// reads from, so switching the selected filter mid-session picks up a warm
// accumulator instead of a cold start.
package filter

import "fmt"

// PositionFilter selects which position stage a tracker reads from.
type PositionFilter string

const (
	PositionLerp       PositionFilter = "lerp"
	PositionLowPass    PositionFilter = "lowpass"
	PositionKalman     PositionFilter = "kalman"
	PositionPrediction PositionFilter = "prediction"
	PositionNone       PositionFilter = "none"
)

// String returns the string representation of the selector.
func (f PositionFilter) String() string {
	return string(f)
}

// IsValid returns true if f is a known position filter.
func (f PositionFilter) IsValid() bool {
	switch f {
	case PositionLerp, PositionLowPass, PositionKalman, PositionPrediction, PositionNone:
		return true
	default:
		return false
	}
}

// OrientationFilter selects which orientation stage a tracker reads from.
type OrientationFilter string

const (
	OrientationSlerp     OrientationFilter = "slerp"
	OrientationSlerpSlow OrientationFilter = "slerp_slow"
	OrientationNone      OrientationFilter = "none"
)

// String returns the string representation of the selector.
func (f OrientationFilter) String() string {
	return string(f)
}

// IsValid returns true if f is a known orientation filter.
func (f OrientationFilter) IsValid() bool {
	switch f {
	case OrientationSlerp, OrientationSlerpSlow, OrientationNone:
		return true
	default:
		return false
	}
}

// Params holds the filter constants. The zero value is not usable; start
// from DefaultParams.
type Params struct {
	LerpFactor float64 // blend per sample, 0..1

	LowPassCutoffHz     float64
	LowPassSamplePeriod float64 // seconds

	KalmanProcessNoise     float64 // acceleration spectral density
	KalmanMeasurementNoise float64 // m²
	KalmanMaxCovariance    float64
	KalmanSamplePeriod     float64 // seconds

	// ReseedDistance is the jump in metres above which the Kalman and
	// prediction stages restart from the new sample.
	ReseedDistance float64

	SlerpFast float64
	SlerpSlow float64

	PredictionSmoothing float64 // EMA weight of the newest velocity sample
}

// DefaultParams returns the constants used at runtime: a 0.31 blend, a
// 6.9 Hz low-pass sampled every 5 ms, and 0.25/0.15 slerp factors.
func DefaultParams() Params {
	return Params{
		LerpFactor:             0.31,
		LowPassCutoffHz:        6.9,
		LowPassSamplePeriod:    0.005,
		KalmanProcessNoise:     400,
		KalmanMeasurementNoise: 1e-4,
		KalmanMaxCovariance:    10,
		KalmanSamplePeriod:     0.005,
		ReseedDistance:         1.0,
		SlerpFast:              0.25,
		SlerpSlow:              0.15,
		PredictionSmoothing:    0.5,
	}
}

// Validate reports the first out-of-range constant.
func (p Params) Validate() error {
	unit := func(name string, v float64) error {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %f", name, v)
		}
		return nil
	}
	if err := unit("lerp_factor", p.LerpFactor); err != nil {
		return err
	}
	if err := unit("slerp_fast", p.SlerpFast); err != nil {
		return err
	}
	if err := unit("slerp_slow", p.SlerpSlow); err != nil {
		return err
	}
	if err := unit("prediction_smoothing", p.PredictionSmoothing); err != nil {
		return err
	}
	if p.LowPassCutoffHz <= 0 || p.LowPassSamplePeriod <= 0 {
		return fmt.Errorf("low-pass cutoff and sample period must be positive")
	}
	if p.KalmanProcessNoise <= 0 || p.KalmanMeasurementNoise <= 0 || p.KalmanSamplePeriod <= 0 {
		return fmt.Errorf("kalman noise and sample period must be positive")
	}
	if p.KalmanMaxCovariance <= 0 {
		return fmt.Errorf("kalman_max_covariance must be positive, got %f", p.KalmanMaxCovariance)
	}
	if p.ReseedDistance <= 0 {
		return fmt.Errorf("reseed_distance must be positive, got %f", p.ReseedDistance)
	}
	return nil
}
