package app

import (
	"sync"
	"time"
)

// EventKind names a state change.
type EventKind string

const (
	EventDevicesChanged     EventKind = "devices_changed"
	EventSettingsChanged    EventKind = "settings_changed"
	EventCalibrationChanged EventKind = "calibration_changed"
	EventFlipChanged        EventKind = "flip_changed"
	EventFreezeChanged      EventKind = "freeze_changed"
	EventLoopState          EventKind = "loop_state"
)

// Event is a single state-change notification.
type Event struct {
	Kind     EventKind `json:"kind"`
	DeviceID string    `json:"device_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

type eventHub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan Event)}
}

func (h *eventHub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
