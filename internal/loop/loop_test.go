package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/app"
	"github.com/banshee-data/posebridge/internal/device"
	"github.com/banshee-data/posebridge/internal/filter"
	"github.com/banshee-data/posebridge/internal/flip"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/pipeline"
	"github.com/banshee-data/posebridge/internal/testutil"
	"github.com/banshee-data/posebridge/internal/timeutil"
	"github.com/banshee-data/posebridge/internal/tracking"
	"github.com/banshee-data/posebridge/internal/vr"
)

func init() {
	monitoring.SetLogger(nil)
}

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	waistPos = r3.Vec{Y: 1, Z: 2}
	lfootPos = r3.Vec{X: -0.15, Y: 0.05, Z: 2}
	rfootPos = r3.Vec{X: 0.15, Y: 0.05, Z: 2.1}
)

// quitRuntime asks the loop to quit on the n-th PollEvents call.
type quitRuntime struct {
	*vr.Simulated
	mu    sync.Mutex
	polls int
	quit  int
}

func (r *quitRuntime) PollEvents() []vr.Event {
	r.mu.Lock()
	r.polls++
	n := r.polls
	r.mu.Unlock()
	events := r.Simulated.PollEvents()
	if r.quit > 0 && n >= r.quit {
		events = append(events, vr.Event{Kind: vr.EventQuit})
	}
	return events
}

// panicRuntime panics on its first Actions call.
type panicRuntime struct {
	*quitRuntime
	panicked bool
}

func (r *panicRuntime) Actions() vr.Actions {
	if !r.panicked {
		r.panicked = true
		panic("action set lost")
	}
	return r.quitRuntime.Actions()
}

// slowEndpoint advances the clock while pushing poses.
type slowEndpoint struct {
	*device.MockEndpoint
	clock *timeutil.MockClock
	delay time.Duration
}

func (e *slowEndpoint) UpdateTrackerPoses(ctx context.Context, poses []tracking.TrackerPose) error {
	e.clock.Advance(e.delay)
	return e.MockEndpoint.UpdateTrackerPoses(ctx, poses)
}

type harness struct {
	app     *app.Context
	dev     *device.MockDevice
	ep      *device.MockEndpoint
	runtime *quitRuntime
	clock   *timeutil.MockClock
}

func newHarness(t *testing.T, quitAfter int) *harness {
	t.Helper()
	ac := app.New(app.NewMemoryStore(), nil, filter.DefaultParams())
	dev := device.NewMockDevice("kinect",
		device.SkeletonJoint(tracking.JointSpineWaist, waistPos),
		device.SkeletonJoint(tracking.JointFootLeft, lfootPos),
		device.SkeletonJoint(tracking.JointFootRight, rfootPos),
	)
	require.NoError(t, ac.RegisterDevice(context.Background(), dev))
	require.NoError(t, ac.Update(func(s *app.Settings) error {
		s.FlipEnabled = false
		s.Tracker(tracking.TrackerLeftFoot).Active = true
		return nil
	}))
	return &harness{
		app:     ac,
		dev:     dev,
		ep:      device.NewMockEndpoint(),
		runtime: &quitRuntime{Simulated: vr.NewSimulated(0), quit: quitAfter},
		clock:   timeutil.NewAutoClock(epoch),
	}
}

func (h *harness) loop(ep device.ServiceEndpoint, rt vr.Runtime) *Loop {
	if ep == nil {
		ep = h.ep
	}
	if rt == nil {
		rt = h.runtime
	}
	pipe := pipeline.New(filter.DefaultParams(), flip.DefaultThreshold)
	return New(h.app, pipe, ep, rt, h.clock, DefaultConfig())
}

func run(t *testing.T, l *Loop) error {
	t.Helper()
	l.Begin()
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
		return nil
	}
}

// captureLogs collects log lines until the test ends.
func captureLogs(t *testing.T) func() []string {
	rec := &monitoring.Recorder{}
	monitoring.SetLogger(rec.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })
	return rec.Lines
}

func countContaining(lines []string, sub string) int {
	n := 0
	for _, l := range lines {
		if strings.Contains(l, sub) {
			n++
		}
	}
	return n
}

func TestRunWaitsForBegin(t *testing.T) {
	h := newHarness(t, 0)
	l := h.loop(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.Run(ctx))

	assert.Equal(t, StateStopped, l.Stats().State)
	assert.Equal(t, 0, h.ep.StateCalls())
	assert.Empty(t, h.ep.Poses)
	assert.Equal(t, 0, h.dev.Updates())
}

func TestRunPushesPosesAndShutsDown(t *testing.T) {
	h := newHarness(t, 5)
	l := h.loop(nil, nil)

	require.NoError(t, run(t, l))

	stats := l.Stats()
	assert.Equal(t, StateStopped, stats.State)
	assert.Equal(t, uint64(5), stats.Iterations)
	assert.Equal(t, 0, stats.Crashes)
	assert.InDelta(t, 110.0, stats.RefreshHz, 1e-9)

	require.Len(t, h.ep.Poses, 4)
	first := map[tracking.TrackerRole]tracking.TrackerPose{}
	for _, p := range h.ep.Poses[0] {
		first[p.Role] = p
	}
	require.Len(t, first, 3)
	testutil.AssertVecNear(t, first[tracking.TrackerWaist].Position, waistPos, 1e-12)
	testutil.AssertVecNear(t, first[tracking.TrackerLeftFoot].Position, lfootPos, 1e-12)
	testutil.AssertVecNear(t, first[tracking.TrackerRightFoot].Position, rfootPos, 1e-12)

	// Three handshake batches, then the inactive flush.
	require.Equal(t, 4, h.ep.StateCalls())
	for i := 0; i < 3; i++ {
		for _, st := range h.ep.States[i] {
			assert.True(t, st.Active, st.Serial)
		}
	}
	last := h.ep.States[3]
	require.Len(t, last, 3)
	for _, st := range last {
		assert.False(t, st.Active, st.Serial)
	}

	hz := 110.0
	budget := time.Duration(float64(time.Second) / hz)
	sleeps := h.clock.Sleeps()
	require.Len(t, sleeps, 5)
	for _, d := range sleeps {
		assert.Equal(t, budget, d)
	}
	assert.Equal(t, 4, h.dev.Updates())
}

func TestRefreshRateClamp(t *testing.T) {
	tests := []struct {
		reported, want float64
	}{
		{0, 110},
		{-5, 110},
		{30, 70},
		{90, 90},
		{144, 130},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.reported), func(t *testing.T) {
			l := &Loop{runtime: vr.NewSimulated(tt.reported), cfg: DefaultConfig()}
			assert.InDelta(t, tt.want, l.refreshRate(), 1e-9)
		})
	}
}

func TestHandshakeResendsOnChange(t *testing.T) {
	h := newHarness(t, 0)
	l := h.loop(nil, nil)
	ctx := context.Background()

	waist := []tracking.TrackerPose{{Role: tracking.TrackerWaist, Serial: "AME-WAIST", Active: true}}
	require.NoError(t, l.handshake(ctx, waist))
	require.NoError(t, l.handshake(ctx, waist))
	assert.Equal(t, 3, h.ep.StateCalls())

	both := append(waist, tracking.TrackerPose{Role: tracking.TrackerLeftFoot, Serial: "AME-LFOOT", Active: true})
	require.NoError(t, l.handshake(ctx, both))
	assert.Equal(t, 6, h.ep.StateCalls())

	h.ep.StateError = errors.New("pipe closed")
	err := l.handshake(ctx, waist)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set tracker states")
}

func TestCrashEscalation(t *testing.T) {
	logs := captureLogs(t)
	h := newHarness(t, 0)
	h.ep.UpdateError = errors.New("driver gone")
	l := h.loop(nil, nil)

	err := run(t, l)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFatal))
	assert.Contains(t, err.Error(), "driver gone")

	stats := l.Stats()
	assert.Equal(t, StateFatal, stats.State)
	assert.Equal(t, 8, stats.Crashes)

	lines := logs()
	assert.Equal(t, 8, countContaining(lines, "[loop] crashed"))
	assert.Equal(t, 4, countContaining(lines, "re-checking settings"))
	assert.Equal(t, 1, countContaining(lines, "giving up"))

	// Each attempt repeats the handshake; the final batch marks every
	// tracker inactive.
	require.Equal(t, 8*3+1, h.ep.StateCalls())
	for _, st := range h.ep.States[len(h.ep.States)-1] {
		assert.False(t, st.Active, st.Serial)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	h := newHarness(t, 3)
	rt := &panicRuntime{quitRuntime: h.runtime}
	l := h.loop(nil, rt)

	require.NoError(t, run(t, l))

	stats := l.Stats()
	assert.Equal(t, 1, stats.Crashes)
	assert.Contains(t, stats.LastError, "action set lost")
	assert.Equal(t, StateStopped, stats.State)
	assert.NotEmpty(t, h.ep.Poses)
}

func TestFreezeToggleResendsOnly(t *testing.T) {
	h := newHarness(t, 5)
	h.runtime.Script(vr.Actions{TrackerFreeze: true})
	events, cancel := h.app.Subscribe(64)
	defer cancel()
	l := h.loop(nil, nil)

	require.NoError(t, run(t, l))

	assert.True(t, h.app.Snapshot().Frozen)
	assert.True(t, l.Stats().Frozen)
	assert.Equal(t, 0, h.dev.Updates(), "frozen trackers are not polled")
	// Only the refresh on iteration zero pushes poses.
	assert.Len(t, h.ep.Poses, 1)

	var sawFreeze bool
	for {
		select {
		case ev := <-events:
			if ev.Kind == app.EventFreezeChanged {
				sawFreeze = true
				assert.Equal(t, "true", ev.Detail)
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawFreeze)
}

func TestLowerBodyFreezeKeepsUpperBody(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.app.Update(func(s *app.Settings) error {
		s.Frozen = true
		s.FreezeLowerBodyOnly = true
		s.Tracker(tracking.TrackerLeftElbow).Active = true
		return nil
	}))
	l := h.loop(nil, nil)

	require.NoError(t, run(t, l))

	require.Len(t, h.ep.Poses, 3)
	for _, batch := range h.ep.Poses {
		require.Len(t, batch, 2)
		for _, p := range batch {
			assert.False(t, p.Role.IsLowerBody(), p.Role)
		}
	}
	assert.Equal(t, 3, h.dev.Updates())
}

func TestFlipToggle(t *testing.T) {
	h := newHarness(t, 3)
	require.NoError(t, h.app.Update(func(s *app.Settings) error {
		s.FlipEnabled = true
		return nil
	}))
	h.runtime.Script(vr.Actions{FlipToggle: true}, vr.Actions{FlipToggle: true})
	l := h.loop(nil, nil)

	require.NoError(t, run(t, l))

	// Held across two polls, so it toggles once.
	assert.False(t, h.app.Snapshot().FlipEnabled)
}

func TestOverrunIsCounted(t *testing.T) {
	logs := captureLogs(t)
	h := newHarness(t, 3)
	h.clock = timeutil.NewMockClock(epoch)
	slow := &slowEndpoint{MockEndpoint: h.ep, clock: h.clock, delay: 40 * time.Millisecond}
	l := h.loop(slow, nil)

	require.NoError(t, run(t, l))

	stats := l.Stats()
	assert.Equal(t, uint64(2), stats.Overruns)
	assert.Equal(t, time.Duration(0), stats.LastIteration, "the quitting iteration pushes nothing")
	assert.Equal(t, 2, countContaining(logs(), "iteration took"))
	// Overrunning iterations do not sleep.
	assert.Len(t, h.clock.Sleeps(), 1)
}

func TestFailedDeviceIsReported(t *testing.T) {
	logs := captureLogs(t)
	h := newHarness(t, 3)
	h.dev.UpdateError = errors.New("sensor unplugged")
	l := h.loop(nil, nil)

	require.NoError(t, run(t, l))

	assert.Equal(t, []string{"kinect"}, l.Stats().FailedDevices)
	assert.Equal(t, 1, countContaining(logs(), "device kinect failed"))
	assert.Equal(t, 0, l.Stats().Crashes)
}

func TestObserversSeeFilteredFrames(t *testing.T) {
	h := newHarness(t, 5)
	l := h.loop(nil, nil)

	var seen int
	var waist r3.Vec
	l.Observe(ObserverFunc(func(s *app.Settings) {
		seen++
		waist = s.Tracker(tracking.TrackerWaist).Position
	}))

	require.NoError(t, run(t, l))
	assert.Equal(t, 4, seen)
	testutil.AssertVecNear(t, waist, waistPos, 1e-12)
}
