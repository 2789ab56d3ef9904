package vr

import (
	"strings"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"
)

func TestActionPaths(t *testing.T) {
	if len(ActionPaths) != 7 {
		t.Fatalf("expected 7 action paths, got %d", len(ActionPaths))
	}
	for _, p := range ActionPaths {
		if !strings.HasPrefix(p, "/actions/default/in/") {
			t.Errorf("action %q outside the default namespace", p)
		}
	}
}

func TestSimulatedEventsDrain(t *testing.T) {
	s := NewSimulated(90)
	s.Push(Event{Kind: EventQuit})
	if got := s.PollEvents(); len(got) != 1 || got[0].Kind != EventQuit {
		t.Fatalf("PollEvents = %+v", got)
	}
	if got := s.PollEvents(); len(got) != 0 {
		t.Errorf("events not drained: %+v", got)
	}
}

func TestControlsMapping(t *testing.T) {
	s := NewSimulated(90)
	s.Script(Actions{LeftJoystick: r2.Vec{X: 0.5}, ModeSwap: true})
	s.SetActions(Actions{ConfirmAndSave: true, FineTune: true})

	c := Controls{Runtime: s}
	first := c.Controls()
	if first.Left.X != 0.5 || !first.ModeSwap || first.Confirm {
		t.Errorf("first controls = %+v", first)
	}
	second := c.Controls()
	if !second.Confirm || !second.FineTune {
		t.Errorf("steady controls = %+v", second)
	}
}

func TestTogglesFireOnPress(t *testing.T) {
	var tg Toggles
	tests := []struct {
		in         Actions
		freeze, fl bool
	}{
		{Actions{TrackerFreeze: true}, true, false},
		{Actions{TrackerFreeze: true}, false, false},
		{Actions{}, false, false},
		{Actions{TrackerFreeze: true, FlipToggle: true}, true, true},
	}
	for i, tt := range tests {
		freeze, fl := tg.Update(tt.in)
		if freeze != tt.freeze || fl != tt.fl {
			t.Errorf("step %d: got (%t, %t), want (%t, %t)", i, freeze, fl, tt.freeze, tt.fl)
		}
	}
}
