package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/posebridge/internal/calibration"
	"github.com/banshee-data/posebridge/internal/filter"
	"github.com/banshee-data/posebridge/internal/flip"
	"github.com/banshee-data/posebridge/internal/loop"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// TuningConfig holds every runtime tunable. All fields are optional; the
// Get* methods fall back to the built-in defaults for anything unset.
// Durations are strings such as "30ms" or "3s".
type TuningConfig struct {
	// Main loop
	MinRefreshHz              *float64 `json:"min_refresh_hz,omitempty" yaml:"min_refresh_hz,omitempty"`
	MaxRefreshHz              *float64 `json:"max_refresh_hz,omitempty" yaml:"max_refresh_hz,omitempty"`
	DefaultRefreshHz          *float64 `json:"default_refresh_hz,omitempty" yaml:"default_refresh_hz,omitempty"`
	OverrunWarning            *string  `json:"overrun_warning,omitempty" yaml:"overrun_warning,omitempty"`
	StatsIntervalIterations   *uint64  `json:"stats_interval_iterations,omitempty" yaml:"stats_interval_iterations,omitempty"`
	FreezeRefreshIterations   *uint64  `json:"freeze_refresh_iterations,omitempty" yaml:"freeze_refresh_iterations,omitempty"`
	MaxCrashAttempts          *int     `json:"max_crash_attempts,omitempty" yaml:"max_crash_attempts,omitempty"`
	SettingsCheckAfterAttempt *int     `json:"settings_check_after_attempt,omitempty" yaml:"settings_check_after_attempt,omitempty"`

	// Filters
	LerpFactor             *float64 `json:"lerp_factor,omitempty" yaml:"lerp_factor,omitempty"`
	LowPassCutoffHz        *float64 `json:"lowpass_cutoff_hz,omitempty" yaml:"lowpass_cutoff_hz,omitempty"`
	LowPassSamplePeriod    *float64 `json:"lowpass_sample_period,omitempty" yaml:"lowpass_sample_period,omitempty"`
	KalmanProcessNoise     *float64 `json:"kalman_process_noise,omitempty" yaml:"kalman_process_noise,omitempty"`
	KalmanMeasurementNoise *float64 `json:"kalman_measurement_noise,omitempty" yaml:"kalman_measurement_noise,omitempty"`
	KalmanMaxCovariance    *float64 `json:"kalman_max_covariance,omitempty" yaml:"kalman_max_covariance,omitempty"`
	ReseedDistance         *float64 `json:"reseed_distance,omitempty" yaml:"reseed_distance,omitempty"`
	SlerpFast              *float64 `json:"slerp_fast,omitempty" yaml:"slerp_fast,omitempty"`
	SlerpSlow              *float64 `json:"slerp_slow,omitempty" yaml:"slerp_slow,omitempty"`
	PredictionSmoothing    *float64 `json:"prediction_smoothing,omitempty" yaml:"prediction_smoothing,omitempty"`

	FlipThreshold *float64 `json:"flip_threshold,omitempty" yaml:"flip_threshold,omitempty"`

	// Calibration
	CalibrationPoints       *int     `json:"calibration_points,omitempty" yaml:"calibration_points,omitempty"`
	MoveCountdown           *string  `json:"move_countdown,omitempty" yaml:"move_countdown,omitempty"`
	StandCountdown          *string  `json:"stand_countdown,omitempty" yaml:"stand_countdown,omitempty"`
	PointPause              *string  `json:"point_pause,omitempty" yaml:"point_pause,omitempty"`
	ManualPollInterval      *string  `json:"manual_poll_interval,omitempty" yaml:"manual_poll_interval,omitempty"`
	ManualSwapDebounce      *string  `json:"manual_swap_debounce,omitempty" yaml:"manual_swap_debounce,omitempty"`
	ManualPositionStep      *float64 `json:"manual_position_step,omitempty" yaml:"manual_position_step,omitempty"`
	ManualFinePositionStep  *float64 `json:"manual_fine_position_step,omitempty" yaml:"manual_fine_position_step,omitempty"`
	ManualRotationStep      *float64 `json:"manual_rotation_step,omitempty" yaml:"manual_rotation_step,omitempty"`
	ManualFineRotationStep  *float64 `json:"manual_fine_rotation_step,omitempty" yaml:"manual_fine_rotation_step,omitempty"`
	StabilitySpeedThreshold *float64 `json:"stability_speed_threshold,omitempty" yaml:"stability_speed_threshold,omitempty"`
	StabilityAccept         *float64 `json:"stability_accept,omitempty" yaml:"stability_accept,omitempty"`
	RotationOnlyHeight      *float64 `json:"rotation_only_height,omitempty" yaml:"rotation_only_height,omitempty"`

	// Addresses
	DriverAddr  *string `json:"driver_addr,omitempty" yaml:"driver_addr,omitempty"`
	DebugListen *string `json:"debug_listen,omitempty" yaml:"debug_listen,omitempty"`
}

// Defaults used when the corresponding field is unset.
const (
	DefaultDriverAddr  = "127.0.0.1:6969"
	DefaultDebugListen = "127.0.0.1:8089"
)

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON or YAML file, chosen by
// extension. Fields omitted from the file keep their defaults, so partial
// configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/source/serial/
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid. The derived
// loop and filter settings are checked as a whole, so cross-field limits
// such as min <= max refresh rate are enforced too.
func (c *TuningConfig) Validate() error {
	for name, v := range map[string]*string{
		"overrun_warning":      c.OverrunWarning,
		"move_countdown":       c.MoveCountdown,
		"stand_countdown":      c.StandCountdown,
		"point_pause":          c.PointPause,
		"manual_poll_interval": c.ManualPollInterval,
		"manual_swap_debounce": c.ManualSwapDebounce,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}

	lc := c.LoopConfig()
	if lc.MinRefreshHz <= 0 || lc.MaxRefreshHz < lc.MinRefreshHz {
		return fmt.Errorf("refresh rate bounds must satisfy 0 < min <= max, got %.1f..%.1f", lc.MinRefreshHz, lc.MaxRefreshHz)
	}
	if lc.DefaultRefreshHz < lc.MinRefreshHz || lc.DefaultRefreshHz > lc.MaxRefreshHz {
		return fmt.Errorf("default_refresh_hz %.1f outside %.1f..%.1f", lc.DefaultRefreshHz, lc.MinRefreshHz, lc.MaxRefreshHz)
	}
	if lc.StatsInterval == 0 || lc.FreezeRefreshIterations == 0 {
		return fmt.Errorf("stats_interval_iterations and freeze_refresh_iterations must be positive")
	}
	if lc.SettingsCheckAfter < 1 || lc.MaxCrashAttempts < lc.SettingsCheckAfter {
		return fmt.Errorf("crash attempts must satisfy 1 <= settings_check_after_attempt <= max_crash_attempts, got %d and %d",
			lc.SettingsCheckAfter, lc.MaxCrashAttempts)
	}

	if err := c.FilterParams().Validate(); err != nil {
		return err
	}

	if th := c.GetFlipThreshold(); th <= 0 || th >= 1 {
		return fmt.Errorf("flip_threshold must be in (0, 1), got %f", th)
	}

	if c.CalibrationPoints != nil {
		if n := *c.CalibrationPoints; n < calibration.MinPoints || n > 5 {
			return fmt.Errorf("calibration_points must be between %d and 5, got %d", calibration.MinPoints, n)
		}
	}
	if a := c.GetStabilityAccept(); a <= 0 || a > 1 {
		return fmt.Errorf("stability_accept must be in (0, 1], got %f", a)
	}
	if c.GetStabilitySpeedThreshold() <= 0 {
		return fmt.Errorf("stability_speed_threshold must be positive, got %f", c.GetStabilitySpeedThreshold())
	}
	return nil
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func getInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func getUint(p *uint64, def uint64) uint64 {
	if p == nil {
		return def
	}
	return *p
}

// getDuration parses p, falling back to def when unset or unparsable.
func getDuration(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

// LoopConfig returns the main loop settings.
func (c *TuningConfig) LoopConfig() loop.Config {
	def := loop.DefaultConfig()
	return loop.Config{
		MinRefreshHz:            getFloat(c.MinRefreshHz, def.MinRefreshHz),
		MaxRefreshHz:            getFloat(c.MaxRefreshHz, def.MaxRefreshHz),
		DefaultRefreshHz:        getFloat(c.DefaultRefreshHz, def.DefaultRefreshHz),
		OverrunWarning:          getDuration(c.OverrunWarning, def.OverrunWarning),
		StatsInterval:           getUint(c.StatsIntervalIterations, def.StatsInterval),
		FreezeRefreshIterations: getUint(c.FreezeRefreshIterations, def.FreezeRefreshIterations),
		SettingsCheckAfter:      getInt(c.SettingsCheckAfterAttempt, def.SettingsCheckAfter),
		MaxCrashAttempts:        getInt(c.MaxCrashAttempts, def.MaxCrashAttempts),
	}
}

// FilterParams returns the filter constants. The Kalman sample period
// follows the low-pass sample period.
func (c *TuningConfig) FilterParams() filter.Params {
	def := filter.DefaultParams()
	p := filter.Params{
		LerpFactor:             getFloat(c.LerpFactor, def.LerpFactor),
		LowPassCutoffHz:        getFloat(c.LowPassCutoffHz, def.LowPassCutoffHz),
		LowPassSamplePeriod:    getFloat(c.LowPassSamplePeriod, def.LowPassSamplePeriod),
		KalmanProcessNoise:     getFloat(c.KalmanProcessNoise, def.KalmanProcessNoise),
		KalmanMeasurementNoise: getFloat(c.KalmanMeasurementNoise, def.KalmanMeasurementNoise),
		KalmanMaxCovariance:    getFloat(c.KalmanMaxCovariance, def.KalmanMaxCovariance),
		ReseedDistance:         getFloat(c.ReseedDistance, def.ReseedDistance),
		SlerpFast:              getFloat(c.SlerpFast, def.SlerpFast),
		SlerpSlow:              getFloat(c.SlerpSlow, def.SlerpSlow),
		PredictionSmoothing:    getFloat(c.PredictionSmoothing, def.PredictionSmoothing),
	}
	p.KalmanSamplePeriod = p.LowPassSamplePeriod
	return p
}

// GetFlipThreshold returns the flip_threshold value or cos(65°).
func (c *TuningConfig) GetFlipThreshold() float64 {
	return getFloat(c.FlipThreshold, flip.DefaultThreshold)
}

// GetCalibrationPoints returns the calibration_points value or the default.
func (c *TuningConfig) GetCalibrationPoints() int {
	return getInt(c.CalibrationPoints, calibration.DefaultAutoConfig().Points)
}

// GetStabilitySpeedThreshold returns the stability_speed_threshold value or the default.
func (c *TuningConfig) GetStabilitySpeedThreshold() float64 {
	return getFloat(c.StabilitySpeedThreshold, calibration.DefaultAutoConfig().SpeedThreshold)
}

// GetStabilityAccept returns the stability_accept value or the default.
func (c *TuningConfig) GetStabilityAccept() float64 {
	return getFloat(c.StabilityAccept, calibration.DefaultAutoConfig().Accept)
}

// AutoCalibration returns the automatic calibration settings for mode.
func (c *TuningConfig) AutoCalibration(mode calibration.CaptureMode) calibration.AutoConfig {
	def := calibration.DefaultAutoConfig()
	def.Points = calibration.ClampPoints(c.GetCalibrationPoints())
	if mode.IsValid() {
		def.Mode = mode
	}
	def.MoveCountdown = getDuration(c.MoveCountdown, def.MoveCountdown)
	def.StandCountdown = getDuration(c.StandCountdown, def.StandCountdown)
	def.PointPause = getDuration(c.PointPause, def.PointPause)
	def.SpeedThreshold = c.GetStabilitySpeedThreshold()
	def.Accept = c.GetStabilityAccept()
	return def
}

// ManualCalibration returns the manual calibration settings.
func (c *TuningConfig) ManualCalibration() calibration.ManualConfig {
	def := calibration.DefaultManualConfig()
	return calibration.ManualConfig{
		PollInterval:     getDuration(c.ManualPollInterval, def.PollInterval),
		SwapDebounce:     getDuration(c.ManualSwapDebounce, def.SwapDebounce),
		PositionStep:     getFloat(c.ManualPositionStep, def.PositionStep),
		FinePositionStep: getFloat(c.ManualFinePositionStep, def.FinePositionStep),
		RotationStep:     getFloat(c.ManualRotationStep, def.RotationStep),
		FineRotationStep: getFloat(c.ManualFineRotationStep, def.FineRotationStep),
	}
}

// RotationCalibration returns the rotation-only calibration settings. Both
// countdowns follow stand_countdown.
func (c *TuningConfig) RotationCalibration() calibration.RotationConfig {
	def := calibration.DefaultRotationConfig()
	return calibration.RotationConfig{
		StandCountdown:  getDuration(c.StandCountdown, def.StandCountdown),
		LookAtCountdown: getDuration(c.StandCountdown, def.LookAtCountdown),
		Height:          getFloat(c.RotationOnlyHeight, def.Height),
	}
}

// GetDriverAddr returns the driver_addr value or the default.
func (c *TuningConfig) GetDriverAddr() string {
	if c.DriverAddr == nil || *c.DriverAddr == "" {
		return DefaultDriverAddr
	}
	return *c.DriverAddr
}

// GetDebugListen returns the debug_listen value or the default.
func (c *TuningConfig) GetDebugListen() string {
	if c.DebugListen == nil || *c.DebugListen == "" {
		return DefaultDebugListen
	}
	return *c.DebugListen
}
