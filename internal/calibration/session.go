package calibration

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Sampler reads the live poses a calibration session captures. Implementations
// return the latest values the main loop has observed.
type Sampler interface {
	// DeviceHook returns the hook (head) joint of the device being
	// calibrated, in the device's own space.
	DeviceHook(deviceID string) (r3.Vec, quat.Number, error)

	// DeviceOrigin returns the relative-transform-origin (waist) joint of
	// the device being calibrated.
	DeviceOrigin(deviceID string) (r3.Vec, quat.Number, error)

	// Reference returns the headset pose in the consumer's space.
	Reference() (r3.Vec, quat.Number, error)
}

// Committer owns the stored calibration records. Apply is a live preview
// that is not persisted; Commit persists; Discard reverts every unsaved
// change by re-reading persisted settings.
type Committer interface {
	Apply(deviceID string, r Record)
	Commit(deviceID string, r Record) error
	Discard() error
}

// Phase names a step of a calibration session.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseMove           Phase = "move"
	PhaseStand          Phase = "stand"
	PhaseCaptured       Phase = "captured"
	PhaseLookAt         Phase = "look_at"
	PhaseSolved         Phase = "solved"
	PhaseAdjustPosition Phase = "adjust_position"
	PhaseAdjustRotation Phase = "adjust_rotation"
	PhaseConfirmed      Phase = "confirmed"
	PhaseAborted        Phase = "aborted"
)

// Progress is emitted as a session advances, for UI feedback.
type Progress struct {
	SessionID string  `json:"session_id"`
	DeviceID  string  `json:"device_id"`
	Phase     Phase   `json:"phase"`
	Point     int     `json:"point"`  // 1-based; 0 outside point capture
	Points    int     `json:"points"` // total points for auto sessions
	Countdown int     `json:"countdown"`
	Stability float64 `json:"stability"`
}

// progressSink fans progress to a buffered channel without ever blocking
// the session. Slow readers miss intermediate updates.
type progressSink struct {
	ch chan Progress
}

func newProgressSink() progressSink {
	return progressSink{ch: make(chan Progress, 32)}
}

func (s progressSink) send(p Progress) {
	select {
	case s.ch <- p:
	default:
	}
}

func (s progressSink) close() { close(s.ch) }
