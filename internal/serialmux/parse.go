package serialmux

import (
	"encoding/json"
	"strings"
)

const (
	EventTypeJointFrame = "joints"
	EventTypeStatus     = "status"
	EventTypeUnknown    = "unknown"
)

// ClassifyPayload inspects a line from the bridge and returns its event
// type. Lines that are not JSON objects, or carry no known type, are
// unknown.
func ClassifyPayload(payload string) string {
	payload = strings.TrimSpace(payload)
	if !strings.HasPrefix(payload, "{") {
		return EventTypeUnknown
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(payload), &head); err != nil {
		return EventTypeUnknown
	}
	switch head.Type {
	case EventTypeJointFrame, EventTypeStatus:
		return head.Type
	default:
		return EventTypeUnknown
	}
}
