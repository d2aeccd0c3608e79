package schedule

import (
	"sort"
	"sync"
	"time"
)

// Calendar is an immutable snapshot of every dose instance for a set of
// medications. Consumers hold a *Calendar and never see partial updates; a
// rebuild produces a new snapshot with a higher version.
type Calendar struct {
	version   int64
	builtAt   time.Time
	doses     []DoseInstance
	byMed     map[string][]DoseInstance
	byPatient map[string][]DoseInstance
}

// BuildCalendar materializes a snapshot from the given specs. Doses are
// sorted by scheduled time, ties broken by instance ID.
func BuildCalendar(calc *Calculator, specs []MedicationSpec, asOf time.Time, version int64) *Calendar {
	cal := &Calendar{
		version:   version,
		builtAt:   asOf,
		byMed:     make(map[string][]DoseInstance),
		byPatient: make(map[string][]DoseInstance),
	}

	for _, spec := range specs {
		cal.doses = append(cal.doses, calc.Calculate(spec, asOf)...)
	}

	sort.Slice(cal.doses, func(i, j int) bool {
		if !cal.doses[i].ScheduledAt.Equal(cal.doses[j].ScheduledAt) {
			return cal.doses[i].ScheduledAt.Before(cal.doses[j].ScheduledAt)
		}
		return cal.doses[i].ID < cal.doses[j].ID
	})

	for _, dose := range cal.doses {
		cal.byMed[dose.MedicationID] = append(cal.byMed[dose.MedicationID], dose)
		cal.byPatient[dose.PatientID] = append(cal.byPatient[dose.PatientID], dose)
	}

	return cal
}

// Version reports the snapshot version.
func (c *Calendar) Version() int64 { return c.version }

// BuiltAt reports when the snapshot was materialized.
func (c *Calendar) BuiltAt() time.Time { return c.builtAt }

// Len reports the total number of dose instances.
func (c *Calendar) Len() int { return len(c.doses) }

// All returns every dose in scheduled order. The returned slice is a copy.
func (c *Calendar) All() []DoseInstance {
	out := make([]DoseInstance, len(c.doses))
	copy(out, c.doses)
	return out
}

// DueWindow returns doses with from <= ScheduledAt < to, in order.
func (c *Calendar) DueWindow(from, to time.Time) []DoseInstance {
	var out []DoseInstance
	for _, dose := range c.doses {
		if dose.ScheduledAt.Before(from) {
			continue
		}
		if !dose.ScheduledAt.Before(to) {
			break
		}
		out = append(out, dose)
	}
	return out
}

// ForMedication returns all doses for one medication, in order.
func (c *Calendar) ForMedication(medicationID string) []DoseInstance {
	doses := c.byMed[medicationID]
	out := make([]DoseInstance, len(doses))
	copy(out, doses)
	return out
}

// ForPatient returns all doses for one patient, in order.
func (c *Calendar) ForPatient(patientID string) []DoseInstance {
	doses := c.byPatient[patientID]
	out := make([]DoseInstance, len(doses))
	copy(out, doses)
	return out
}

// UpcomingForPatient returns the patient's doses scheduled within the horizon
// after now.
func (c *Calendar) UpcomingForPatient(patientID string, now time.Time, horizon time.Duration) []DoseInstance {
	limit := now.Add(horizon)
	var out []DoseInstance
	for _, dose := range c.byPatient[patientID] {
		if dose.ScheduledAt.After(now) && !dose.ScheduledAt.After(limit) {
			out = append(out, dose)
		}
	}
	return out
}

// DayView returns the patient's doses falling on the given calendar day.
func (c *Calendar) DayView(patientID string, day time.Time) []DoseInstance {
	start := midnight(day)
	end := start.AddDate(0, 0, 1)
	var out []DoseInstance
	for _, dose := range c.byPatient[patientID] {
		if !dose.ScheduledAt.Before(start) && dose.ScheduledAt.Before(end) {
			out = append(out, dose)
		}
	}
	return out
}

// Holder publishes the current calendar snapshot. Writers swap the whole
// snapshot; readers always see a consistent one.
type Holder struct {
	mu      sync.RWMutex
	current *Calendar
	nextVer int64
}

// NewHolder starts with an empty snapshot at version zero.
func NewHolder() *Holder {
	return &Holder{
		current: &Calendar{
			byMed:     make(map[string][]DoseInstance),
			byPatient: make(map[string][]DoseInstance),
		},
		nextVer: 1,
	}
}

// Current returns the live snapshot.
func (h *Holder) Current() *Calendar {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Rebuild materializes a new snapshot from the specs and publishes it.
func (h *Holder) Rebuild(calc *Calculator, specs []MedicationSpec, asOf time.Time) *Calendar {
	h.mu.Lock()
	defer h.mu.Unlock()

	cal := BuildCalendar(calc, specs, asOf, h.nextVer)
	h.nextVer++
	h.current = cal
	return cal
}
