package filter

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/geom"
)

// LowPass is a single-pole IIR filter applied independently to each axis.
type LowPass struct {
	alpha  float64
	value  r3.Vec
	seeded bool
}

// NewLowPass returns a filter with cutoff fc (Hz) at a nominal sample
// period dt (seconds).
func NewLowPass(fc, dt float64) *LowPass {
	return &LowPass{alpha: 1 - math.Exp(-dt*2*math.Pi*fc)}
}

// Alpha returns the per-sample blend coefficient.
func (f *LowPass) Alpha() float64 { return f.alpha }

// Update feeds one sample and returns the filtered value. The first sample
// seeds the filter.
func (f *LowPass) Update(v r3.Vec) r3.Vec {
	if !f.seeded {
		f.value = v
		f.seeded = true
		return f.value
	}
	f.value = geom.Lerp(f.value, v, f.alpha)
	return f.value
}

// Value returns the last output.
func (f *LowPass) Value() r3.Vec { return f.value }

// Reset drops the accumulated state.
func (f *LowPass) Reset() {
	f.value = r3.Vec{}
	f.seeded = false
}
