// Package vr is the boundary to the VR runtime: display refresh rate,
// system events and the input actions bound through the action manifest.
package vr

import (
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/posebridge/internal/calibration"
)

// Action manifest paths.
const (
	ActionLeftJoystick   = "/actions/default/in/LeftJoystick"
	ActionRightJoystick  = "/actions/default/in/RightJoystick"
	ActionConfirmAndSave = "/actions/default/in/ConfirmAndSave"
	ActionModeSwap       = "/actions/default/in/ModeSwap"
	ActionFineTune       = "/actions/default/in/FineTune"
	ActionTrackerFreeze  = "/actions/default/in/TrackerFreeze"
	ActionFlipToggle     = "/actions/default/in/FlipToggle"
)

// ActionPaths lists every bound action.
var ActionPaths = []string{
	ActionLeftJoystick,
	ActionRightJoystick,
	ActionConfirmAndSave,
	ActionModeSwap,
	ActionFineTune,
	ActionTrackerFreeze,
	ActionFlipToggle,
}

// EventKind classifies a runtime event.
type EventKind string

const (
	EventQuit EventKind = "quit"
	EventIdle EventKind = "idle"
)

// Event is one runtime system event.
type Event struct {
	Kind EventKind
}

// Actions is the state of every bound action at one poll.
type Actions struct {
	LeftJoystick  r2.Vec
	RightJoystick r2.Vec

	ConfirmAndSave bool
	ModeSwap       bool
	FineTune       bool
	TrackerFreeze  bool
	FlipToggle     bool
}

// Runtime is the VR runtime as seen by the main loop.
type Runtime interface {
	// RefreshRate returns the display refresh rate in Hz, or 0 when it is
	// not known.
	RefreshRate() float64

	// PollEvents drains pending system events.
	PollEvents() []Event

	// Actions returns the current action state.
	Actions() Actions
}

// Controls adapts a Runtime to the manual calibration input.
type Controls struct {
	Runtime Runtime
}

var _ calibration.ControlSource = Controls{}

// Controls maps the joysticks and buttons onto calibration controls.
func (c Controls) Controls() calibration.Controls {
	a := c.Runtime.Actions()
	return calibration.Controls{
		Left:     a.LeftJoystick,
		Right:    a.RightJoystick,
		Confirm:  a.ConfirmAndSave,
		ModeSwap: a.ModeSwap,
		FineTune: a.FineTune,
	}
}

// Toggles turns held buttons into one-shot toggles, firing on the press.
type Toggles struct {
	freeze, flip bool
}

// Update returns whether freeze and flip were pressed since the last call.
func (t *Toggles) Update(a Actions) (freeze, flip bool) {
	freeze = a.TrackerFreeze && !t.freeze
	flip = a.FlipToggle && !t.flip
	t.freeze, t.flip = a.TrackerFreeze, a.FlipToggle
	return freeze, flip
}
