package calibration

import (
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/geom"
)

const (
	stabilityFloor    = -0.2
	stabilityGain     = 0.05  // per 100 ms below the speed threshold
	stabilityDecay    = 0.015 // per 100 ms at or above it
	moveAwayCap       = 0.6   // metres
	moveAwayScale     = 1.7
	moveAwayThreshold = 0.5 // metres
)

// Stability scores how still a tracked point is held. The score climbs
// while the point moves slower than the speed threshold and decays
// otherwise; a point is accepted once the score exceeds the accept level.
//
// With a target set, the score instead measures how far the point has moved
// away from the target, so the same detector can wait for the user to walk
// to the next calibration spot.
type Stability struct {
	speedThreshold float64
	accept         float64

	target *r3.Vec
	score  float64
	last   r3.Vec
	lastAt time.Time
}

// NewStability returns a detector with the given speed threshold (m/s) and
// accept level (0..1).
func NewStability(speedThreshold, accept float64) *Stability {
	return &Stability{speedThreshold: speedThreshold, accept: accept, score: stabilityFloor}
}

// SetTarget switches the detector into move-away mode relative to p. A nil
// p restores hold-still mode and resets the score.
func (s *Stability) SetTarget(p *r3.Vec) {
	if p != nil {
		t := *p
		s.target = &t
		return
	}
	s.target = nil
	s.Reset()
}

// Reset restarts the hold-still score.
func (s *Stability) Reset() {
	s.score = stabilityFloor
	s.lastAt = time.Time{}
}

// Update feeds a sample taken at time at and returns the score in [0, 1].
func (s *Stability) Update(p r3.Vec, at time.Time) float64 {
	defer func() {
		s.last = p
		s.lastAt = at
	}()

	if s.target != nil {
		d := math.Min(geom.Distance(*s.target, p), moveAwayCap)
		s.score = d * moveAwayScale
		return s.Score()
	}

	if s.lastAt.IsZero() {
		return s.Score()
	}
	dt := at.Sub(s.lastAt)
	if dt <= 0 {
		return s.Score()
	}

	speed := geom.Distance(s.last, p) / dt.Seconds()
	ms := float64(dt) / float64(time.Millisecond)
	if speed < s.speedThreshold {
		s.score += stabilityGain * ms / 100
	} else {
		s.score -= stabilityDecay * ms / 100
	}
	s.score = math.Max(stabilityFloor, math.Min(1, s.score))
	return s.Score()
}

// Score returns the current score clamped to [0, 1].
func (s *Stability) Score() float64 {
	return math.Max(0, math.Min(1, s.score))
}

// Accepted reports whether the current state satisfies the detector: held
// still above the accept level, or moved far enough from the target.
func (s *Stability) Accepted() bool {
	if s.target != nil {
		return s.score >= moveAwayThreshold*moveAwayScale
	}
	return s.score > s.accept
}
