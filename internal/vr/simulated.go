package vr

import "sync"

// Simulated is an in-process Runtime for development and tests. Actions
// and events are set by the caller.
type Simulated struct {
	mu      sync.Mutex
	rate    float64
	events  []Event
	actions Actions
	script  []Actions
}

// NewSimulated returns a runtime reporting rate Hz.
func NewSimulated(rate float64) *Simulated {
	return &Simulated{rate: rate}
}

// RefreshRate returns the configured rate.
func (s *Simulated) RefreshRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// SetRefreshRate changes the reported rate.
func (s *Simulated) SetRefreshRate(hz float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = hz
}

// Push queues an event for the next PollEvents.
func (s *Simulated) Push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// PollEvents drains queued events.
func (s *Simulated) PollEvents() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

// SetActions sets the state returned once any script is exhausted.
func (s *Simulated) SetActions(a Actions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = a
}

// Script queues action states returned one per Actions call.
func (s *Simulated) Script(states ...Actions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, states...)
}

// Actions returns the next scripted state, or the steady state.
func (s *Simulated) Actions() Actions {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) > 0 {
		a := s.script[0]
		s.script = s.script[1:]
		return a
	}
	return s.actions
}
