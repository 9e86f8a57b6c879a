package event

import (
	"encoding/json"
	"fmt"
)

// Type is the closed set of event kinds written to the journals.
type Type string

const (
	TypeSystemStart      Type = "SYSTEM_START"
	TypeSeen             Type = "SPG_SEEN"
	TypePresent          Type = "SPG_PRESENT"
	TypeAbsent           Type = "SPG_ABSENT"
	TypeAbsentAlertFired Type = "ABSENT_ALERT_FIRED"
	TypeError            Type = "ERROR"
)

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	switch t {
	case TypeSystemStart, TypeSeen, TypePresent, TypeAbsent, TypeAbsentAlertFired, TypeError:
		return true
	}
	return false
}

// AggregatorCameraID is the virtual camera id used for events emitted by
// the outlet aggregator rather than by a physical camera.
const AggregatorCameraID = "aggregator"

// Event is a single journal record. Target, DisplayName and Similarity are
// only set for events about one identity.
type Event struct {
	TS          float64        `json:"ts"`
	Type        Type           `json:"type"`
	OutletID    string         `json:"outlet_id"`
	CameraID    string         `json:"camera_id"`
	TargetID    string         `json:"target_id,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	Similarity  float64        `json:"similarity,omitempty"`
	Details     map[string]any `json:"details"`
}

// Marshal renders the event as a single JSON line (no trailing newline).
func (e Event) Marshal() ([]byte, error) {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	return json.Marshal(e)
}

// Parse decodes one journal line. It rejects unknown event types so that
// tailers can distinguish corrupt lines from future schema drift.
func Parse(line []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, fmt.Errorf("malformed event line: %w", err)
	}
	if !e.Type.Valid() {
		return Event{}, fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	return e, nil
}
