package presence

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"vigil/internal/event"
)

// TargetStatus is a target's global status in the state snapshot.
type TargetStatus string

const (
	StatusPresent      TargetStatus = "PRESENT"
	StatusAbsent       TargetStatus = "ABSENT"
	StatusNeverArrived TargetStatus = "NEVER_ARRIVED"
	StatusNotSeenYet   TargetStatus = "NOT_SEEN_YET"
)

// Aggregator fuses per-camera SPG_SEEN events into one global last-seen
// time per target: seen on ANY camera means present. It owns the alert
// edge that actually reaches the outbound sink, and the startup
// "never arrived" case.
type Aggregator struct {
	outletID      string
	absentSeconds float64
	targetIDs     []string // fixed at construction; iteration order
	startTime     float64

	lastSeen   map[string]float64
	isAbsent   map[string]bool
	alertFired map[string]bool
	nameCache  map[string]string
}

// NewAggregator captures startTime at construction. targetIDs is the
// configured order and never changes.
func NewAggregator(outletID string, targetIDs []string, absentSeconds int, startTime float64) *Aggregator {
	agg := &Aggregator{
		outletID:      outletID,
		absentSeconds: float64(absentSeconds),
		targetIDs:     append([]string(nil), targetIDs...),
		startTime:     startTime,
		lastSeen:      make(map[string]float64),
		isAbsent:      make(map[string]bool),
		alertFired:    make(map[string]bool),
		nameCache:     make(map[string]string),
	}
	for _, id := range targetIDs {
		agg.lastSeen[id] = 0
	}
	return agg
}

// Ingest updates global last-seen from a batch of events. Only SPG_SEEN
// events for this outlet with a target id count; a fresh sighting clears
// the absence edge so the next absence episode re-arms the alert.
func (a *Aggregator) Ingest(events []event.Event) {
	for _, e := range events {
		if e.OutletID != a.outletID || e.Type != event.TypeSeen || e.TargetID == "" {
			continue
		}
		if e.TS > a.lastSeen[e.TargetID] {
			a.lastSeen[e.TargetID] = e.TS
			if a.isAbsent[e.TargetID] {
				a.isAbsent[e.TargetID] = false
				a.alertFired[e.TargetID] = false
			}
		}
		if e.DisplayName != "" {
			a.nameCache[e.TargetID] = e.DisplayName
		}
	}
}

// LastSeen returns the global last-seen timestamp (0 = never).
func (a *Aggregator) LastSeen(targetID string) float64 { return a.lastSeen[targetID] }

// IsAbsent reports whether the target is currently marked absent.
func (a *Aggregator) IsAbsent(targetID string) bool { return a.isAbsent[targetID] }

// AlertFired reports whether the current absence episode has alerted.
func (a *Aggregator) AlertFired(targetID string) bool { return a.alertFired[targetID] }

// Tick evaluates global absence at time now and returns at most one
// ABSENT_ALERT_FIRED per target per absence episode. Iteration follows the
// configured target order, so output is deterministic.
func (a *Aggregator) Tick(now float64) []event.Event {
	var alerts []event.Event

	for _, targetID := range a.targetIDs {
		last := a.lastSeen[targetID]

		if last == 0 {
			// Never arrived: measure from startup.
			sinceStart := now - a.startTime
			if sinceStart <= a.absentSeconds {
				continue
			}
			a.isAbsent[targetID] = true
			if a.alertFired[targetID] {
				continue
			}
			a.alertFired[targetID] = true
			alerts = append(alerts, event.Event{
				TS:          now,
				Type:        event.TypeAbsentAlertFired,
				OutletID:    a.outletID,
				CameraID:    event.AggregatorCameraID,
				TargetID:    targetID,
				DisplayName: a.nameCache[targetID],
				Details: map[string]any{
					"reason":                "startup_absence_never_arrived",
					"seconds_since_startup": int(math.Floor(sinceStart)),
				},
			})
			continue
		}

		dt := now - last
		if dt <= a.absentSeconds {
			continue
		}
		a.isAbsent[targetID] = true
		if a.alertFired[targetID] {
			continue
		}
		a.alertFired[targetID] = true
		alerts = append(alerts, event.Event{
			TS:          now,
			Type:        event.TypeAbsentAlertFired,
			OutletID:    a.outletID,
			CameraID:    event.AggregatorCameraID,
			TargetID:    targetID,
			DisplayName: a.nameCache[targetID],
			Details: map[string]any{
				"reason":                  "global_absence",
				"seconds_since_last_seen": int(math.Floor(dt)),
			},
		})
	}
	return alerts
}

// snapshotTarget is one row of the dashboard state file.
type snapshotTarget struct {
	ID                    string       `json:"id"`
	Name                  string       `json:"name"`
	Status                TargetStatus `json:"status"`
	LastSeenTS            float64      `json:"last_seen_ts"`
	SecondsSinceLastEvent float64      `json:"seconds_since_last_event"`
	IsAlertFired          bool         `json:"is_alert_fired"`
}

type snapshot struct {
	OutletID  string           `json:"outlet_id"`
	Timestamp float64          `json:"timestamp"`
	Targets   []snapshotTarget `json:"targets"`
}

// Snapshot renders the aggregator's state at time now.
func (a *Aggregator) Snapshot(now float64) ([]byte, error) {
	snap := snapshot{OutletID: a.outletID, Timestamp: now}
	for _, targetID := range a.targetIDs {
		last := a.lastSeen[targetID]
		t := snapshotTarget{
			ID:           targetID,
			Name:         a.nameCache[targetID],
			LastSeenTS:   last,
			IsAlertFired: a.alertFired[targetID],
		}
		if t.Name == "" {
			t.Name = targetID
		}
		switch {
		case last == 0 && a.isAbsent[targetID]:
			t.Status = StatusNeverArrived
			t.SecondsSinceLastEvent = now - a.startTime
		case last == 0:
			t.Status = StatusNotSeenYet
			t.SecondsSinceLastEvent = now - a.startTime
		case a.isAbsent[targetID]:
			t.Status = StatusAbsent
			t.SecondsSinceLastEvent = now - last
		default:
			t.Status = StatusPresent
			t.SecondsSinceLastEvent = now - last
		}
		snap.Targets = append(snap.Targets, t)
	}
	return json.MarshalIndent(snap, "", "  ")
}

// DumpState overwrites the state snapshot file for dashboard readers. A
// concurrent reader can hold the file open on some platforms, so the
// write is attempted up to 3 times with 50 ms back-off and then silently
// given up; the dashboard tolerates slightly stale data.
func (a *Aggregator) DumpState(path string, now float64) error {
	data, err := a.Snapshot(now)
	if err != nil {
		return fmt.Errorf("render state snapshot: %w", err)
	}
	for attempt := 0; attempt < 3; attempt++ {
		if err = os.WriteFile(path, data, 0o644); err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}
