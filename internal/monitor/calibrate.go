package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/banshee-data/posebridge/internal/app"
	"github.com/banshee-data/posebridge/internal/calibration"
	"github.com/banshee-data/posebridge/internal/device"
	"github.com/banshee-data/posebridge/internal/httputil"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/timeutil"
)

// CalibrationMode selects the session a Calibrator starts.
type CalibrationMode string

const (
	CalibrateCountdown CalibrationMode = "countdown"
	CalibrateStability CalibrationMode = "stability"
	CalibrateRotation  CalibrationMode = "rotation"
	CalibrateManual    CalibrationMode = "manual"
)

// ErrCalibrationRunning is returned by Start while a session is active.
var ErrCalibrationRunning = errors.New("a calibration session is already running")

// CalibratorConfig carries the per-mode session settings.
type CalibratorConfig struct {
	Auto     calibration.AutoConfig
	Manual   calibration.ManualConfig
	Rotation calibration.RotationConfig
}

// DefaultCalibratorConfig returns the package defaults of every mode.
func DefaultCalibratorConfig() CalibratorConfig {
	return CalibratorConfig{
		Auto:     calibration.DefaultAutoConfig(),
		Manual:   calibration.DefaultManualConfig(),
		Rotation: calibration.DefaultRotationConfig(),
	}
}

// CalibrationStatus is the state of the current or last session.
type CalibrationStatus struct {
	Running  bool                 `json:"running"`
	Mode     CalibrationMode      `json:"mode,omitempty"`
	DeviceID string               `json:"device_id,omitempty"`
	Progress calibration.Progress `json:"progress"`
	Error    string               `json:"error,omitempty"`
}

type session interface {
	Progress() <-chan calibration.Progress
	Run(ctx context.Context) (calibration.Record, error)
}

// Calibrator runs at most one calibration session at a time on its own
// goroutine, sampling and committing through the app context.
type Calibrator struct {
	app      *app.Context
	controls calibration.ControlSource
	clock    timeutil.Clock
	cfg      CalibratorConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	status CalibrationStatus
}

// NewCalibrator returns a Calibrator. controls may be nil, in which case
// manual sessions are unavailable.
func NewCalibrator(ac *app.Context, controls calibration.ControlSource, clock timeutil.Clock, cfg CalibratorConfig) *Calibrator {
	return &Calibrator{app: ac, controls: controls, clock: clock, cfg: cfg}
}

// Start begins a session of mode for deviceID. An empty mode selects the
// user's stored capture mode; automatic sessions always capture the
// user's stored point count.
func (c *Calibrator) Start(deviceID string, mode CalibrationMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrCalibrationRunning
	}
	if _, ok := c.app.Registry().Get(deviceID); !ok {
		return fmt.Errorf("%w: %s", device.ErrUnknownDevice, deviceID)
	}

	var points int
	var stored calibration.CaptureMode
	c.app.View(func(s *app.Settings) {
		points, stored = s.CalibrationPoints, s.CalibrationMode
	})
	if mode == "" {
		mode = CalibrateCountdown
		if stored.IsValid() {
			mode = CalibrationMode(stored)
		}
	}

	var s session
	switch mode {
	case CalibrateCountdown, CalibrateStability:
		cfg := c.cfg.Auto
		cfg.Mode = calibration.CaptureMode(mode)
		if points != 0 {
			cfg.Points = calibration.ClampPoints(points)
		}
		s = calibration.NewAutoSession(deviceID, cfg, c.app, c.app, c.clock)
	case CalibrateRotation:
		s = calibration.NewRotationSession(deviceID, c.cfg.Rotation, c.app, c.app, c.clock)
	case CalibrateManual:
		if c.controls == nil {
			return errors.New("manual calibration needs controller input")
		}
		s = calibration.NewManualSession(deviceID, c.cfg.Manual, c.controls, c.app, c.app, c.clock)
	default:
		return fmt.Errorf("unknown calibration mode %q", mode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.status = CalibrationStatus{Running: true, Mode: mode, DeviceID: deviceID}
	go c.run(ctx, s, c.done)
	return nil
}

func (c *Calibrator) run(ctx context.Context, s session, done chan struct{}) {
	defer close(done)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var last calibration.Progress
		for p := range s.Progress() {
			c.mu.Lock()
			c.status.Progress = p
			c.mu.Unlock()
			if p.Phase != last.Phase || p.Point != last.Point {
				c.app.Publish(app.Event{Kind: app.EventCalibrationChanged, DeviceID: p.DeviceID, Detail: string(p.Phase)})
			}
			last = p
		}
	}()

	_, err := s.Run(ctx)
	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Running = false
	if err != nil {
		c.status.Error = err.Error()
		monitoring.Logf("[calibration] %s session for %s ended: %v", c.status.Mode, c.status.DeviceID, err)
	}
	c.cancel()
	c.cancel = nil
}

// Cancel aborts the running session, if any, and waits for it to finish.
func (c *Calibrator) Cancel() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until the current session, if any, has finished.
func (c *Calibrator) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Status returns the state of the current or last session.
func (c *Calibrator) Status() CalibrationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (ws *WebServer) handleCalibrationStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, ws.calibrator.Status())
}

// handleCalibrationStart starts a session.
// Form values:
//   - device (required; registry id)
//   - mode (optional; countdown, stability, rotation or manual, default the stored capture mode)
func (ws *WebServer) handleCalibrationStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	id := r.FormValue("device")
	if id == "" {
		httputil.BadRequest(w, "missing device")
		return
	}
	err := ws.calibrator.Start(id, CalibrationMode(r.FormValue("mode")))
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusAccepted, ws.calibrator.Status())
	case errors.Is(err, ErrCalibrationRunning):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, device.ErrUnknownDevice):
		httputil.NotFound(w, err.Error())
	default:
		httputil.BadRequest(w, err.Error())
	}
}

func (ws *WebServer) handleCalibrationCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	ws.calibrator.Cancel()
	httputil.WriteJSONOK(w, ws.calibrator.Status())
}
