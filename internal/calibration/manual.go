package calibration

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/geom"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/timeutil"
)

// Controls is the controller state read on every manual calibration tick.
type Controls struct {
	Left     r2.Vec
	Right    r2.Vec
	Confirm  bool
	ModeSwap bool
	FineTune bool
}

// ControlSource supplies controller state.
type ControlSource interface {
	Controls() Controls
}

// ManualConfig controls a manual calibration run.
type ManualConfig struct {
	PollInterval time.Duration
	SwapDebounce time.Duration

	PositionStep     float64 // metres per tick at full deflection
	FinePositionStep float64
	RotationStep     float64 // radians per tick at full deflection
	FineRotationStep float64
}

// DefaultManualConfig returns a 5 ms poll, a 300 ms swap debounce, 15 mm
// (1.5 mm fine) translation steps and π/280 (π/2800 fine) rotation steps.
func DefaultManualConfig() ManualConfig {
	return ManualConfig{
		PollInterval:     5 * time.Millisecond,
		SwapDebounce:     300 * time.Millisecond,
		PositionStep:     0.015,
		FinePositionStep: 0.0015,
		RotationStep:     math.Pi / 280,
		FineRotationStep: math.Pi / 2800,
	}
}

// ManualSession is the interactive adjust loop:
// AdjustPosition ⇄ AdjustRotation → Confirmed.
//
// It polls controls at a high rate for as long as the user takes, so it
// runs on its own goroutine; the only shared-state access is through the
// Committer, once per tick.
type ManualSession struct {
	ID       uuid.UUID
	DeviceID string

	cfg       ManualConfig
	controls  ControlSource
	sampler   Sampler
	committer Committer
	clock     timeutil.Clock
	progress  progressSink

	phase       Phase
	record      Record
	yaw, pitch  float64
	originFixed bool
	swapHeld    bool
}

// NewManualSession prepares a session for deviceID.
func NewManualSession(deviceID string, cfg ManualConfig, controls ControlSource, s Sampler, c Committer, clock timeutil.Clock) *ManualSession {
	return &ManualSession{
		ID:        uuid.New(),
		DeviceID:  deviceID,
		cfg:       cfg,
		controls:  controls,
		sampler:   s,
		committer: c,
		clock:     clock,
		progress:  newProgressSink(),
		phase:     PhaseIdle,
		record:    Record{Rotation: geom.Identity, Calibrated: true},
	}
}

// Progress returns the channel of phase changes. It is closed when Run
// returns.
func (m *ManualSession) Progress() <-chan Progress {
	return m.progress.ch
}

// Phase returns the current phase. It is only meaningful from the goroutine
// running the session or after Run returns.
func (m *ManualSession) Phase() Phase { return m.phase }

// Run polls controls until the user confirms or ctx is cancelled.
func (m *ManualSession) Run(ctx context.Context) (Record, error) {
	defer m.progress.close()

	monitoring.Logf("[calibration] manual session %s for %s", m.ID, m.DeviceID)
	m.committer.Apply(m.DeviceID, m.record)
	m.setPhase(PhaseAdjustPosition)

	for {
		if err := ctx.Err(); err != nil {
			m.setPhase(PhaseAborted)
			if derr := m.committer.Discard(); derr != nil {
				monitoring.Logf("[calibration] discard after aborted session %s: %v", m.ID, derr)
			}
			return Record{}, fmt.Errorf("%w: %v", ErrAborted, err)
		}

		c := m.controls.Controls()
		if c.Confirm {
			if err := m.committer.Commit(m.DeviceID, m.record); err != nil {
				return Record{}, fmt.Errorf("commit calibration: %w", err)
			}
			m.setPhase(PhaseConfirmed)
			return m.record, nil
		}

		// Swap on the press, not while held.
		if c.ModeSwap && !m.swapHeld {
			m.swapHeld = true
			if err := m.swap(); err != nil {
				return Record{}, err
			}
			m.clock.Sleep(m.cfg.SwapDebounce)
			continue
		}
		m.swapHeld = c.ModeSwap

		switch m.phase {
		case PhaseAdjustPosition:
			m.nudgeTranslation(c)
		case PhaseAdjustRotation:
			m.nudgeRotation(c)
		}
		m.committer.Apply(m.DeviceID, m.record)
		m.clock.Sleep(m.cfg.PollInterval)
	}
}

func (m *ManualSession) swap() error {
	if m.phase == PhaseAdjustRotation {
		m.setPhase(PhaseAdjustPosition)
		return nil
	}
	// Latch the pivot on the first entry into rotation.
	if !m.originFixed {
		origin, _, err := m.sampler.DeviceOrigin(m.DeviceID)
		if err != nil {
			m.setPhase(PhaseAborted)
			if derr := m.committer.Discard(); derr != nil {
				monitoring.Logf("[calibration] discard after failed session %s: %v", m.ID, derr)
			}
			return fmt.Errorf("sample origin of %s: %w", m.DeviceID, err)
		}
		m.record.Origin = origin
		m.originFixed = true
		m.committer.Apply(m.DeviceID, m.record)
	}
	m.setPhase(PhaseAdjustRotation)
	return nil
}

// nudgeTranslation moves the translation by (L.x, R.y, −L.y) scaled by the
// step size, expressed in the frame of the current calibration yaw.
func (m *ManualSession) nudgeTranslation(c Controls) {
	step := m.cfg.PositionStep
	if c.FineTune {
		step = m.cfg.FinePositionStep
	}
	delta := r3.Scale(step, r3.Vec{X: c.Left.X, Y: c.Right.Y, Z: -c.Left.Y})
	delta = geom.Rotate(geom.Inverse(geom.YawOnly(m.record.Rotation)), delta)
	m.record.Translation = r3.Add(m.record.Translation, delta)
}

// nudgeRotation accumulates yaw from L.x and pitch from R.y and rebuilds the
// rotation from them.
func (m *ManualSession) nudgeRotation(c Controls) {
	step := m.cfg.RotationStep
	if c.FineTune {
		step = m.cfg.FineRotationStep
	}
	m.yaw += c.Left.X * step
	m.pitch += c.Right.Y * step
	m.record.Rotation = geom.FromYawPitchRoll(m.yaw, m.pitch, 0)
}

// Record returns the in-flight record.
func (m *ManualSession) Record() Record { return m.record }

func (m *ManualSession) setPhase(p Phase) {
	m.phase = p
	m.progress.send(Progress{SessionID: m.ID.String(), DeviceID: m.DeviceID, Phase: p})
}
