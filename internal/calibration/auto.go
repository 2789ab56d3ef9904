package calibration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/timeutil"
)

// CaptureMode selects how an automatic session decides the user is holding
// still.
type CaptureMode string

const (
	CaptureCountdown CaptureMode = "countdown"
	CaptureStability CaptureMode = "stability"
)

// IsValid returns true if m is a known capture mode.
func (m CaptureMode) IsValid() bool {
	return m == CaptureCountdown || m == CaptureStability
}

// AutoConfig controls an automatic calibration run.
type AutoConfig struct {
	Points int
	Mode   CaptureMode

	MoveCountdown  time.Duration
	StandCountdown time.Duration
	PointPause     time.Duration

	// StabilityPoll is how often the stability detector samples.
	StabilityPoll  time.Duration
	SpeedThreshold float64
	Accept         float64
}

// DefaultAutoConfig returns three countdown-captured points with 3 s move and
// stand phases and a 1 s pause between points.
func DefaultAutoConfig() AutoConfig {
	return AutoConfig{
		Points:         3,
		Mode:           CaptureCountdown,
		MoveCountdown:  3 * time.Second,
		StandCountdown: 3 * time.Second,
		PointPause:     time.Second,
		StabilityPoll:  100 * time.Millisecond,
		SpeedThreshold: 0.3,
		Accept:         0.95,
	}
}

// ClampPoints limits n to the supported 3..5 range.
func ClampPoints(n int) int {
	if n < MinPoints {
		return MinPoints
	}
	if n > 5 {
		return 5
	}
	return n
}

// AutoSession captures correspondence pairs between a device's hook joint
// and the headset, then solves the rigid transform between them.
//
// The state machine runs Idle → Move/Stand per point → Solved, or Aborted
// on cancellation or a failed solve.
type AutoSession struct {
	ID       uuid.UUID
	DeviceID string

	cfg       AutoConfig
	sampler   Sampler
	committer Committer
	clock     timeutil.Clock
	progress  progressSink

	source []r3.Vec
	target []r3.Vec
}

// NewAutoSession prepares a session for deviceID. Points is clamped to 3..5.
func NewAutoSession(deviceID string, cfg AutoConfig, s Sampler, c Committer, clock timeutil.Clock) *AutoSession {
	cfg.Points = ClampPoints(cfg.Points)
	if !cfg.Mode.IsValid() {
		cfg.Mode = CaptureCountdown
	}
	if cfg.StabilityPoll <= 0 {
		cfg.StabilityPoll = 100 * time.Millisecond
	}
	return &AutoSession{
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
func (a *AutoSession) Progress() <-chan Progress {
	return a.progress.ch
}

// Pairs returns copies of the captured device and headset points.
func (a *AutoSession) Pairs() (device, reference []r3.Vec) {
	return append([]r3.Vec(nil), a.source...), append([]r3.Vec(nil), a.target...)
}

// Run executes the session. On success the solved record is committed and
// returned. On cancellation or a failed solve, unsaved changes are
// discarded so the prior record stays in force.
func (a *AutoSession) Run(ctx context.Context) (Record, error) {
	defer a.progress.close()

	monitoring.Logf("[calibration] auto session %s for %s: %d points, %s capture",
		a.ID, a.DeviceID, a.cfg.Points, a.cfg.Mode)

	// Preview raw device data while capturing.
	a.committer.Apply(a.DeviceID, Identity())
	a.emit(PhaseIdle, 0, 0, 0)

	rec, err := a.run(ctx)
	if err != nil {
		a.emit(PhaseAborted, 0, 0, 0)
		if derr := a.committer.Discard(); derr != nil {
			monitoring.Logf("[calibration] discard after failed session %s: %v", a.ID, derr)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Record{}, fmt.Errorf("%w: %v", ErrAborted, err)
		}
		return Record{}, err
	}

	if err := a.committer.Commit(a.DeviceID, rec); err != nil {
		return Record{}, fmt.Errorf("commit calibration: %w", err)
	}
	a.emit(PhaseSolved, 0, 0, 1)
	return rec, nil
}

func (a *AutoSession) run(ctx context.Context) (Record, error) {
	if err := a.sleep(ctx, time.Second); err != nil {
		return Record{}, err
	}

	for point := 1; point <= a.cfg.Points; point++ {
		if err := a.move(ctx, point); err != nil {
			return Record{}, err
		}
		if err := a.stand(ctx, point); err != nil {
			return Record{}, err
		}
		a.emit(PhaseCaptured, point, 0, 1)
		if err := a.sleep(ctx, a.cfg.PointPause); err != nil {
			return Record{}, err
		}
	}

	sol, err := SolveRigid(a.source, a.target)
	if err != nil {
		return Record{}, fmt.Errorf("solve calibration: %w", err)
	}
	monitoring.Logf("[calibration] session %s solved: t=%+v rmse=%.4f m", a.ID, sol.Translation, sol.RMSE)
	return sol.Record(), nil
}

// move waits for the user to walk to the next spot.
func (a *AutoSession) move(ctx context.Context, point int) error {
	if a.cfg.Mode == CaptureStability && len(a.source) > 0 {
		last := a.source[len(a.source)-1]
		det := NewStability(a.cfg.SpeedThreshold, a.cfg.Accept)
		det.SetTarget(&last)
		return a.waitStable(ctx, PhaseMove, point, det)
	}
	return a.countdown(ctx, PhaseMove, point, a.cfg.MoveCountdown, false)
}

// stand waits for the user to hold still and captures one pair.
func (a *AutoSession) stand(ctx context.Context, point int) error {
	if a.cfg.Mode == CaptureStability {
		det := NewStability(a.cfg.SpeedThreshold, a.cfg.Accept)
		if err := a.waitStable(ctx, PhaseStand, point, det); err != nil {
			return err
		}
		return a.capture()
	}
	return a.countdown(ctx, PhaseStand, point, a.cfg.StandCountdown, true)
}

// countdown ticks once per second from d down to zero. When capture is set
// the pair is taken at the one-second mark.
func (a *AutoSession) countdown(ctx context.Context, phase Phase, point int, d time.Duration, capture bool) error {
	secs := int(d / time.Second)
	for i := secs; i >= 0; i-- {
		a.emit(phase, point, i, 0)
		if capture && i == 1 {
			if err := a.capture(); err != nil {
				return err
			}
		}
		if err := a.sleep(ctx, time.Second); err != nil {
			return err
		}
	}
	if capture && secs < 1 {
		return a.capture()
	}
	return nil
}

func (a *AutoSession) waitStable(ctx context.Context, phase Phase, point int, det *Stability) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, _, err := a.sampler.DeviceHook(a.DeviceID)
		if err != nil {
			return fmt.Errorf("sample device %s: %w", a.DeviceID, err)
		}
		score := det.Update(p, a.clock.Now())
		a.emit(phase, point, 0, score)
		if det.Accepted() {
			return nil
		}
		a.clock.Sleep(a.cfg.StabilityPoll)
	}
}

func (a *AutoSession) capture() error {
	dev, _, err := a.sampler.DeviceHook(a.DeviceID)
	if err != nil {
		return fmt.Errorf("sample device %s: %w", a.DeviceID, err)
	}
	ref, _, err := a.sampler.Reference()
	if err != nil {
		return fmt.Errorf("sample reference: %w", err)
	}
	a.source = append(a.source, dev)
	a.target = append(a.target, ref)
	return nil
}

func (a *AutoSession) sleep(ctx context.Context, d time.Duration) error {
	return timeutil.SleepContext(ctx, a.clock, d, 100*time.Millisecond)
}

func (a *AutoSession) emit(phase Phase, point, countdown int, stability float64) {
	a.progress.send(Progress{
		SessionID: a.ID.String(),
		DeviceID:  a.DeviceID,
		Phase:     phase,
		Point:     point,
		Points:    a.cfg.Points,
		Countdown: countdown,
		Stability: stability,
	})
}
