package calibration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/geom"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/timeutil"
)

// RotationConfig controls a rotation-only calibration run.
type RotationConfig struct {
	StandCountdown  time.Duration
	LookAtCountdown time.Duration
	// Height is the vertical offset, in metres, the device's head joint is
	// mapped to.
	Height float64
}

// DefaultRotationConfig returns 3 s countdowns and a 1.6 m head height.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		StandCountdown:  3 * time.Second,
		LookAtCountdown: 3 * time.Second,
		Height:          1.6,
	}
}

// RotationSession calibrates a source with a single meaningful joint. The
// user stands facing forward, then turns to look at the sensor; the yaw
// between the two headset samples becomes the rotation, and the translation
// lifts the captured head position onto the configured height.
type RotationSession struct {
	ID       uuid.UUID
	DeviceID string

	cfg       RotationConfig
	sampler   Sampler
	committer Committer
	clock     timeutil.Clock
	progress  progressSink
}

// NewRotationSession prepares a session for deviceID.
func NewRotationSession(deviceID string, cfg RotationConfig, s Sampler, c Committer, clock timeutil.Clock) *RotationSession {
	return &RotationSession{
		ID:        uuid.New(),
		DeviceID:  deviceID,
		cfg:       cfg,
		sampler:   s,
		committer: c,
		clock:     clock,
		progress:  newProgressSink(),
	}
}

// Progress returns the channel of progress updates. It is closed when Run
// returns.
func (s *RotationSession) Progress() <-chan Progress {
	return s.progress.ch
}

// Run executes the session and commits the derived record.
func (s *RotationSession) Run(ctx context.Context) (Record, error) {
	defer s.progress.close()

	s.committer.Apply(s.DeviceID, Identity())
	rec, err := s.run(ctx)
	if err != nil {
		s.send(PhaseAborted, 0)
		if derr := s.committer.Discard(); derr != nil {
			monitoring.Logf("[calibration] discard after failed session %s: %v", s.ID, derr)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Record{}, fmt.Errorf("%w: %v", ErrAborted, err)
		}
		return Record{}, err
	}
	if err := s.committer.Commit(s.DeviceID, rec); err != nil {
		return Record{}, fmt.Errorf("commit calibration: %w", err)
	}
	s.send(PhaseSolved, 0)
	return rec, nil
}

func (s *RotationSession) run(ctx context.Context) (Record, error) {
	if err := s.countdown(ctx, PhaseStand, s.cfg.StandCountdown); err != nil {
		return Record{}, err
	}
	head, _, err := s.sampler.DeviceHook(s.DeviceID)
	if err != nil {
		return Record{}, fmt.Errorf("sample device %s: %w", s.DeviceID, err)
	}
	_, stand, err := s.sampler.Reference()
	if err != nil {
		return Record{}, fmt.Errorf("sample reference: %w", err)
	}
	s.send(PhaseCaptured, 0)

	if err := s.countdown(ctx, PhaseLookAt, s.cfg.LookAtCountdown); err != nil {
		return Record{}, err
	}
	_, look, err := s.sampler.Reference()
	if err != nil {
		return Record{}, fmt.Errorf("sample reference: %w", err)
	}

	return DeriveRotationOnly(head, geom.Yaw(look)-geom.Yaw(stand), s.cfg.Height), nil
}

// DeriveRotationOnly builds the record for a yaw difference and the
// device-space head position captured while standing.
func DeriveRotationOnly(head r3.Vec, yaw, height float64) Record {
	rot := geom.FromAxisAngle(r3.Vec{Y: 1}, yaw)
	return Record{
		Rotation:    rot,
		Translation: r3.Sub(r3.Vec{Y: height}, geom.Rotate(rot, head)),
		Calibrated:  true,
	}
}

func (s *RotationSession) countdown(ctx context.Context, phase Phase, d time.Duration) error {
	for i := int(d / time.Second); i >= 0; i-- {
		s.send(phase, i)
		if err := timeutil.SleepContext(ctx, s.clock, time.Second, 100*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

func (s *RotationSession) send(phase Phase, countdown int) {
	s.progress.send(Progress{
		SessionID: s.ID.String(),
		DeviceID:  s.DeviceID,
		Phase:     phase,
		Countdown: countdown,
	})
}
