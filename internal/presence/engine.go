package presence

import (
	"math"

	"vigil/internal/event"
)

// State is a target's presence on one camera.
type State string

const (
	StateUnknown State = "UNKNOWN"
	StatePresent State = "PRESENT"
	StateAbsent  State = "ABSENT"
)

// TargetState tracks one target on one camera.
type TargetState struct {
	State      State
	LastSeenTS float64 // 0 means never seen
	seen       bool
	AlertFired bool
}

// Engine is the per-camera presence state machine. It turns raw sightings
// into SEEN / PRESENT / ABSENT / ALERT events under the grace and absence
// thresholds. Time is always a parameter so tests can drive the clock.
type Engine struct {
	outletID      string
	cameraID      string
	graceSeconds  float64
	absentSeconds float64
	states        map[string]*TargetState
}

// NewEngine builds an engine for one camera. graceSeconds must not exceed
// absentSeconds; config validation enforces that before we get here.
func NewEngine(outletID, cameraID string, graceSeconds, absentSeconds int) *Engine {
	return &Engine{
		outletID:      outletID,
		cameraID:      cameraID,
		graceSeconds:  float64(graceSeconds),
		absentSeconds: float64(absentSeconds),
		states:        make(map[string]*TargetState),
	}
}

func (e *Engine) get(targetID string) *TargetState {
	s, ok := e.states[targetID]
	if !ok {
		s = &TargetState{State: StateUnknown}
		e.states[targetID] = s
	}
	return s
}

// StateOf returns a copy of the target's current state.
func (e *Engine) StateOf(targetID string) TargetState {
	return *e.get(targetID)
}

// ObserveSeen records a sighting of a matched target. Callers dedup per
// frame: at most one call per target per frame.
func (e *Engine) ObserveSeen(targetID, name string, similarity, ts float64) []event.Event {
	s := e.get(targetID)
	s.LastSeenTS = ts
	s.seen = true

	events := []event.Event{{
		TS:          ts,
		Type:        event.TypeSeen,
		OutletID:    e.outletID,
		CameraID:    e.cameraID,
		TargetID:    targetID,
		DisplayName: name,
		Similarity:  similarity,
		Details:     map[string]any{},
	}}

	if s.State != StatePresent {
		s.State = StatePresent
		s.AlertFired = false
		events = append(events, event.Event{
			TS:          ts,
			Type:        event.TypePresent,
			OutletID:    e.outletID,
			CameraID:    e.cameraID,
			TargetID:    targetID,
			DisplayName: name,
			Similarity:  similarity,
			Details:     map[string]any{},
		})
	}
	return events
}

// Tick evaluates absence for each target. Targets never seen on this
// camera are left alone; the aggregator owns the never-arrived case.
func (e *Engine) Tick(targetIDs []string, ts float64) []event.Event {
	var events []event.Event

	for _, targetID := range targetIDs {
		s := e.get(targetID)
		if !s.seen {
			continue
		}
		dt := ts - s.LastSeenTS

		if dt > e.graceSeconds && s.State != StateAbsent {
			s.State = StateAbsent
			events = append(events, event.Event{
				TS:       ts,
				Type:     event.TypeAbsent,
				OutletID: e.outletID,
				CameraID: e.cameraID,
				TargetID: targetID,
				Details:  map[string]any{"seconds_since_last_seen": int(math.Floor(dt))},
			})
		}

		if dt > e.absentSeconds && !s.AlertFired {
			s.AlertFired = true
			events = append(events, event.Event{
				TS:       ts,
				Type:     event.TypeAbsentAlertFired,
				OutletID: e.outletID,
				CameraID: e.cameraID,
				TargetID: targetID,
				Details:  map[string]any{"seconds_since_last_seen": int(math.Floor(dt))},
			})
		}
	}
	return events
}
