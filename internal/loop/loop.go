// Package loop runs the fixed-rate main loop: it reads the reference pose
// and input actions, recomputes tracker poses under the application lock
// and pushes them to the service endpoint.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/posebridge/internal/app"
	"github.com/banshee-data/posebridge/internal/device"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/pipeline"
	"github.com/banshee-data/posebridge/internal/timeutil"
	"github.com/banshee-data/posebridge/internal/tracking"
	"github.com/banshee-data/posebridge/internal/vr"
)

var logf = monitoring.Tagged("loop")

// ErrFatal is returned by Run once the crash budget is exhausted.
var ErrFatal = errors.New("main loop crashed too many times")

// State is the loop's lifecycle state.
type State string

const (
	StateWaiting    State = "waiting"
	StateRunning    State = "running"
	StateCrashed    State = "crashed"
	StateRecovering State = "recovering"
	StateFatal      State = "fatal"
	StateStopped    State = "stopped"
)

func (s State) String() string { return string(s) }

// stateHandshakeRepeats is how many times a changed activation set is sent.
const stateHandshakeRepeats = 3

// Config contains the loop's pacing and recovery settings.
type Config struct {
	// MinRefreshHz and MaxRefreshHz clamp the runtime's refresh rate.
	MinRefreshHz float64
	MaxRefreshHz float64
	// DefaultRefreshHz is used when the runtime reports no rate.
	DefaultRefreshHz float64
	// OverrunWarning is the iteration duration above which a warning is logged.
	OverrunWarning time.Duration
	// StatsInterval is the number of iterations between stats log lines.
	// A crash counter is also reset after this many clean iterations.
	StatsInterval uint64
	// FreezeRefreshIterations is how often last-known poses are re-sent
	// while fully frozen.
	FreezeRefreshIterations uint64
	// SettingsCheckAfter is the first attempt that re-checks settings.
	SettingsCheckAfter int
	// MaxCrashAttempts is the attempt at which the loop gives up.
	MaxCrashAttempts int
}

// DefaultConfig returns the standard loop configuration.
func DefaultConfig() Config {
	return Config{
		MinRefreshHz:            70,
		MaxRefreshHz:            130,
		DefaultRefreshHz:        110,
		OverrunWarning:          30 * time.Millisecond,
		StatsInterval:           10000,
		FreezeRefreshIterations: 1000,
		SettingsCheckAfter:      4,
		MaxCrashAttempts:        8,
	}
}

// Stats is a snapshot of loop counters.
type Stats struct {
	State         State         `json:"state"`
	Iterations    uint64        `json:"iterations"`
	Overruns      uint64        `json:"overruns"`
	Crashes       int           `json:"crashes"`
	LastIteration time.Duration `json:"last_iteration_ns"`
	RefreshHz     float64       `json:"refresh_hz"`
	Frozen        bool          `json:"frozen"`
	Flipped       bool          `json:"flipped"`
	FailedDevices []string      `json:"failed_devices,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

// Loop is the main loop. Create it with New, call Run from a dedicated
// goroutine and Begin once initial setup has finished.
type Loop struct {
	app      *app.Context
	pipe     *pipeline.Pipeline
	endpoint device.ServiceEndpoint
	runtime  vr.Runtime
	clock    timeutil.Clock
	cfg      Config

	start     chan struct{}
	startOnce sync.Once

	// Owned by the Run goroutine.
	toggles    vr.Toggles
	frame      pipeline.Frame
	statesKey  string
	statesSent int
	clean      uint64
	failing    map[string]bool
	exiting    bool

	observers []Observer

	mu    sync.Mutex
	stats Stats
}

// Observer sees the settings after each filtered frame, under the settings
// lock. It must not block or retain s.
type Observer interface {
	Observe(s *app.Settings)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(s *app.Settings)

func (f ObserverFunc) Observe(s *app.Settings) { f(s) }

// New returns a loop that is waiting for Begin.
func New(ac *app.Context, pipe *pipeline.Pipeline, ep device.ServiceEndpoint, rt vr.Runtime, clock timeutil.Clock, cfg Config) *Loop {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Loop{
		app:      ac,
		pipe:     pipe,
		endpoint: ep,
		runtime:  rt,
		clock:    clock,
		cfg:      cfg,
		start:    make(chan struct{}),
		failing:  make(map[string]bool),
		stats:    Stats{State: StateWaiting},
	}
}

// Observe adds o to the observers called every filtered frame. It must be
// called before Run.
func (l *Loop) Observe(o Observer) {
	l.observers = append(l.observers, o)
}

// Begin releases Run. Calling it more than once is harmless.
func (l *Loop) Begin() {
	l.startOnce.Do(func() { close(l.start) })
}

// Stats returns a copy of the current counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.FailedDevices = append([]string(nil), l.stats.FailedDevices...)
	return s
}

// Run blocks until Begin, then iterates until ctx is cancelled or the
// runtime asks to quit. Failures are retried with escalating remediation;
// once the budget is spent Run returns an error wrapping ErrFatal.
func (l *Loop) Run(ctx context.Context) error {
	select {
	case <-l.start:
	case <-ctx.Done():
		l.setState(StateStopped)
		return nil
	}
	logf("starting")

	attempts := 0
	for {
		l.setState(StateRunning)
		err := l.runGuarded(ctx, &attempts)
		if err == nil {
			l.shutdown()
			return nil
		}

		attempts++
		l.recordCrash(err)
		logf("crashed (attempt %d/%d): %v", attempts, l.cfg.MaxCrashAttempts, err)

		switch {
		case attempts >= l.cfg.MaxCrashAttempts:
			l.setState(StateFatal)
			l.exiting = true
			l.flushInactive()
			logf("giving up after %d attempts", attempts)
			return fmt.Errorf("%w: %v", ErrFatal, err)
		case attempts >= l.cfg.SettingsCheckAfter:
			logf("attempt %d: re-checking settings before restart", attempts)
			l.app.CheckSettings()
		}
		l.setState(StateRecovering)
		l.statesKey, l.statesSent = "", 0
	}
}

// runGuarded iterates until shutdown, converting a panic into an error.
func (l *Loop) runGuarded(ctx context.Context, attempts *int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	for !l.exiting && ctx.Err() == nil {
		began := l.clock.Now()
		if err := l.iterate(ctx); err != nil {
			return err
		}
		l.pace(began)

		l.clean++
		if *attempts > 0 && l.clean >= l.cfg.StatsInterval {
			logf("%d clean iterations, resetting crash counter", l.clean)
			*attempts = 0
		}
	}
	return nil
}

func (l *Loop) pace(began time.Time) {
	hz := l.refreshRate()
	budget := time.Duration(float64(time.Second) / hz)
	elapsed := l.clock.Since(began)

	l.mu.Lock()
	l.stats.Iterations++
	l.stats.LastIteration = elapsed
	l.stats.RefreshHz = hz
	overrun := elapsed > l.cfg.OverrunWarning
	if overrun {
		l.stats.Overruns++
	}
	n := l.stats.Iterations
	l.mu.Unlock()

	if overrun {
		logf("iteration took %s, budget %s", elapsed, budget)
	}
	if l.cfg.StatsInterval > 0 && n%l.cfg.StatsInterval == 0 {
		logf("%d iterations, last %s at %.0f Hz", n, elapsed, hz)
	}
	if elapsed < budget {
		l.clock.Sleep(budget - elapsed)
	}
}

func (l *Loop) refreshRate() float64 {
	hz := l.runtime.RefreshRate()
	if hz <= 0 {
		hz = l.cfg.DefaultRefreshHz
	}
	if hz < l.cfg.MinRefreshHz {
		hz = l.cfg.MinRefreshHz
	}
	if hz > l.cfg.MaxRefreshHz {
		hz = l.cfg.MaxRefreshHz
	}
	return hz
}

func (l *Loop) iterate(ctx context.Context) error {
	if p, q, err := l.endpoint.HeadsetPose(ctx); err == nil {
		l.frame = pipeline.Frame{HeadsetPosition: p, HeadsetOrientation: q}
		l.app.SetReference(p, q)
	}

	if err := l.handleActions(); err != nil {
		return err
	}

	for _, ev := range l.runtime.PollEvents() {
		if ev.Kind == vr.EventQuit {
			logf("runtime requested shutdown")
			l.exiting = true
		}
	}
	if l.exiting {
		return nil
	}

	var (
		poses   []tracking.TrackerPose
		states  []tracking.TrackerPose
		failed  map[string]error
		frozen  bool
		flipped bool
	)
	iteration := l.Stats().Iterations
	l.app.Locked(func(s *app.Settings) {
		reg := l.app.Registry()
		frozen = s.Frozen
		switch {
		case !s.Frozen || s.FreezeLowerBodyOnly:
			failed = l.pipe.Poll(reg)
			l.pipe.Compose(s, reg, l.frame, failed)
			l.pipe.Filter(s)
			for _, o := range l.observers {
				o.Observe(s)
			}
			poses = l.pipe.Poses(s, s.Frozen && s.FreezeLowerBodyOnly)
		case l.cfg.FreezeRefreshIterations > 0 && iteration%l.cfg.FreezeRefreshIterations == 0:
			poses = l.pipe.Poses(s, false)
		}
		states = pipeline.States(s, true)
		flipped = l.pipe.BaseFlipped()
	})

	l.noteFailures(failed)
	l.noteFrame(frozen, flipped)

	if err := l.handshake(ctx, states); err != nil {
		return err
	}
	if len(poses) > 0 {
		if err := l.endpoint.UpdateTrackerPoses(ctx, poses); err != nil {
			return fmt.Errorf("update tracker poses: %w", err)
		}
	}
	return nil
}

func (l *Loop) handleActions() error {
	freeze, flip := l.toggles.Update(l.runtime.Actions())
	if freeze {
		var now bool
		if err := l.app.Update(func(s *app.Settings) error {
			s.Frozen = !s.Frozen
			now = s.Frozen
			return nil
		}); err != nil {
			return fmt.Errorf("toggle freeze: %w", err)
		}
		logf("tracking frozen: %t", now)
		l.app.Publish(app.Event{Kind: app.EventFreezeChanged, Detail: fmt.Sprint(now), At: l.clock.Now()})
	}
	if flip {
		var now bool
		if err := l.app.Update(func(s *app.Settings) error {
			s.FlipEnabled = !s.FlipEnabled
			now = s.FlipEnabled
			return nil
		}); err != nil {
			return fmt.Errorf("toggle flip: %w", err)
		}
		logf("flip enabled: %t", now)
		l.app.Publish(app.Event{Kind: app.EventFlipChanged, Detail: fmt.Sprintf("enabled=%t", now), At: l.clock.Now()})
	}
	return nil
}

// handshake sends the activation set whenever it changes, repeated a few
// times so a consumer that drops the first message still converges.
func (l *Loop) handshake(ctx context.Context, states []tracking.TrackerPose) error {
	key := statesKey(states)
	if key != l.statesKey {
		l.statesKey, l.statesSent = key, 0
	}
	for l.statesSent < stateHandshakeRepeats {
		if err := l.endpoint.SetTrackerStates(ctx, states); err != nil {
			return fmt.Errorf("set tracker states: %w", err)
		}
		l.statesSent++
	}
	return nil
}

func statesKey(states []tracking.TrackerPose) string {
	serials := make([]string, 0, len(states))
	for _, st := range states {
		serials = append(serials, fmt.Sprintf("%s=%t", st.Serial, st.Active))
	}
	sort.Strings(serials)
	return strings.Join(serials, ",")
}

func (l *Loop) noteFailures(failed map[string]error) {
	for id, err := range failed {
		if !l.failing[id] {
			logf("device %s failed, holding last pose: %v", id, err)
			l.failing[id] = true
		}
	}
	for id := range l.failing {
		if _, still := failed[id]; !still {
			logf("device %s recovered", id)
			delete(l.failing, id)
		}
	}
}

func (l *Loop) noteFrame(frozen, flipped bool) {
	failing := make([]string, 0, len(l.failing))
	for id := range l.failing {
		failing = append(failing, id)
	}
	sort.Strings(failing)

	l.mu.Lock()
	flipChanged := l.stats.Flipped != flipped
	l.stats.Frozen = frozen
	l.stats.Flipped = flipped
	l.stats.FailedDevices = failing
	l.mu.Unlock()

	if flipChanged {
		l.app.Publish(app.Event{Kind: app.EventFlipChanged, Detail: fmt.Sprintf("flipped=%t", flipped), At: l.clock.Now()})
	}
}

// shutdown stops accepting frames and tells the consumer every tracker
// went inactive.
func (l *Loop) shutdown() {
	l.exiting = true
	l.flushInactive()
	l.setState(StateStopped)
	logf("stopped after %d iterations", l.Stats().Iterations)
}

func (l *Loop) flushInactive() {
	var states []tracking.TrackerPose
	l.app.Locked(func(s *app.Settings) {
		states = pipeline.States(s, false)
	})
	if len(states) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.endpoint.SetTrackerStates(ctx, states); err != nil {
		logf("failed to flush inactive states: %v", err)
	}
}

func (l *Loop) recordCrash(err error) {
	l.mu.Lock()
	l.stats.Crashes++
	l.stats.LastError = err.Error()
	l.mu.Unlock()
	l.clean = 0
	l.setState(StateCrashed)
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	changed := l.stats.State != s
	l.stats.State = s
	l.mu.Unlock()
	if changed {
		l.app.Publish(app.Event{Kind: app.EventLoopState, Detail: s.String(), At: l.clock.Now()})
	}
}
