package adherence

import (
	"sort"
	"time"

	"github.com/medalert/medalert/internal/schedule"
)

// Dose status derived by reconciliation.
const (
	StatusPending = "pending"
	StatusTaken   = "taken"
	StatusLate    = "late"
	StatusMissed  = "missed"
	StatusSkipped = "skipped"
)

// Patient actions.
const (
	ActionTaken   = "taken"
	ActionSkipped = "skipped"
)

// Event is one recorded patient action.
type Event struct {
	ID           string    `json:"id"`
	PatientID    string    `json:"patient_id"`
	MedicationID string    `json:"medication_id"`
	DoseID       string    `json:"dose_id,omitempty"`
	Action       string    `json:"action"`
	At           time.Time `json:"at"`
	Source       string    `json:"source,omitempty"`
}

// Outcome is the reconciled status of one dose.
type Outcome struct {
	Dose   schedule.DoseInstance `json:"dose"`
	Status string                `json:"status"`
	Event  *Event                `json:"event,omitempty"`
	Delta  time.Duration         `json:"delta,omitempty"` // event time minus scheduled time
}

// Reconciler matches events to scheduled doses and derives dose status. It
// is pure: callers load doses and events, Reconcile never touches storage.
type Reconciler struct {
	window time.Duration
}

// NewReconciler creates a reconciler with the given match window. A taken
// event within scheduled±window counts as on time.
func NewReconciler(window time.Duration) *Reconciler {
	if window <= 0 {
		window = 2 * time.Hour
	}
	return &Reconciler{window: window}
}

// Window returns the configured match window.
func (r *Reconciler) Window() time.Duration { return r.window }

// Reconcile derives an outcome per dose and returns the events that matched
// no dose. Matching rules, in order:
//
//  1. An event carrying a dose ID binds to that dose directly.
//  2. Otherwise the event binds to the nearest unmatched dose of the same
//     medication within the window; ties go to the earlier dose.
//  3. A leftover taken event after a dose's window still binds to that dose
//     if it lands before the medication's next dose. The dose is Late, not
//     Missed: the patient did take it, just not on time.
//
// A dose with no event is Pending until its window closes, Missed after.
func (r *Reconciler) Reconcile(doses []schedule.DoseInstance, events []Event, now time.Time) ([]Outcome, []Event) {
	doses = sortedDoses(doses)

	outcomes := make([]Outcome, len(doses))
	for i, dose := range doses {
		outcomes[i] = Outcome{Dose: dose, Status: StatusPending}
	}

	matched := make([]bool, len(doses))
	used := make([]bool, len(events))

	byID := make(map[string]int, len(doses))
	for i, dose := range doses {
		byID[dose.ID] = i
	}

	// Pass 1: explicit dose IDs.
	for ei, ev := range events {
		if ev.DoseID == "" {
			continue
		}
		di, ok := byID[ev.DoseID]
		if !ok || matched[di] {
			continue
		}
		r.bind(&outcomes[di], events[ei])
		matched[di] = true
		used[ei] = true
	}

	// Pass 2: nearest dose within the window.
	for ei, ev := range events {
		if used[ei] || ev.DoseID != "" {
			continue
		}

		best := -1
		var bestDelta time.Duration
		for di, dose := range doses {
			if matched[di] || dose.MedicationID != ev.MedicationID {
				continue
			}
			delta := absDuration(ev.At.Sub(dose.ScheduledAt))
			if delta > r.window {
				continue
			}
			if best == -1 || delta < bestDelta {
				best = di
				bestDelta = delta
			}
		}
		if best >= 0 {
			r.bind(&outcomes[best], events[ei])
			matched[best] = true
			used[ei] = true
		}
	}

	// Pass 3: late takes. A taken event after the window binds to the most
	// recent unmatched dose of the medication, provided the event precedes
	// the medication's next dose.
	for ei, ev := range events {
		if used[ei] || ev.Action != ActionTaken {
			continue
		}

		best := -1
		for di, dose := range doses {
			if matched[di] || dose.MedicationID != ev.MedicationID {
				continue
			}
			if !ev.At.After(dose.ScheduledAt.Add(r.window)) {
				continue
			}
			if next, ok := nextDoseOf(doses, di); ok && !ev.At.Before(next.ScheduledAt) {
				continue
			}
			if best == -1 || dose.ScheduledAt.After(doses[best].ScheduledAt) {
				best = di
			}
		}
		if best >= 0 {
			r.bind(&outcomes[best], events[ei])
			matched[best] = true
			used[ei] = true
		}
	}

	// Close out unmatched doses.
	for i := range outcomes {
		if matched[i] {
			continue
		}
		if now.After(outcomes[i].Dose.ScheduledAt.Add(r.window)) {
			outcomes[i].Status = StatusMissed
		}
	}

	var orphans []Event
	for ei, ev := range events {
		if !used[ei] {
			orphans = append(orphans, ev)
		}
	}

	return outcomes, orphans
}

// bind sets the outcome status from a matched event.
func (r *Reconciler) bind(o *Outcome, ev Event) {
	evCopy := ev
	o.Event = &evCopy
	o.Delta = ev.At.Sub(o.Dose.ScheduledAt)

	switch {
	case ev.Action == ActionSkipped:
		o.Status = StatusSkipped
	case absDuration(o.Delta) <= r.window:
		o.Status = StatusTaken
	default:
		o.Status = StatusLate
	}
}

// nextDoseOf returns the next dose of the same medication after index i.
func nextDoseOf(doses []schedule.DoseInstance, i int) (schedule.DoseInstance, bool) {
	med := doses[i].MedicationID
	for j := i + 1; j < len(doses); j++ {
		if doses[j].MedicationID == med {
			return doses[j], true
		}
	}
	return schedule.DoseInstance{}, false
}

func sortedDoses(doses []schedule.DoseInstance) []schedule.DoseInstance {
	out := make([]schedule.DoseInstance, len(doses))
	copy(out, doses)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Stats summarizes reconciled outcomes. Rate is the integer percentage of
// on-time takes over doses whose window has closed; doses still pending do
// not count against the patient, and a late take does not count as adherent.
type Stats struct {
	Total   int `json:"total"`
	Taken   int `json:"taken"`
	Late    int `json:"late"`
	Missed  int `json:"missed"`
	Skipped int `json:"skipped"`
	Pending int `json:"pending"`
	Rate    int `json:"rate"`
}

// Summarize tallies outcomes into stats.
func Summarize(outcomes []Outcome) Stats {
	var s Stats
	s.Total = len(outcomes)

	for _, o := range outcomes {
		switch o.Status {
		case StatusTaken:
			s.Taken++
		case StatusLate:
			s.Late++
		case StatusMissed:
			s.Missed++
		case StatusSkipped:
			s.Skipped++
		case StatusPending:
			s.Pending++
		}
	}

	settled := s.Taken + s.Late + s.Missed + s.Skipped
	if settled > 0 {
		s.Rate = s.Taken * 100 / settled
	}

	return s
}
