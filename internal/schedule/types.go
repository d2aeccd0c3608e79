package schedule

import (
	"fmt"
	"strings"
	"time"
)

// MedicationSpec is the loosely-structured prescription data the engine
// consumes. It is owned by profile storage; the engine never mutates it.
// Free-text fields (dosage, frequency, duration) are parsed with documented
// fallbacks rather than rejected.
type MedicationSpec struct {
	ID               string   `json:"id"`
	PatientID        string   `json:"patient_id"`
	PrescriptionID   string   `json:"prescription_id,omitempty"`
	Name             string   `json:"name"`
	Dosage           string   `json:"dosage"`    // e.g. "2", "500mg", "1 tablet"
	Frequency        string   `json:"frequency"` // e.g. "twice daily", "every 8 hours"
	Duration         string   `json:"duration"`  // e.g. "5 days", "2 weeks"
	Timing           []string `json:"timing"`    // named slots or "HH:MM" strings
	FoodTiming       string   `json:"food_timing,omitempty"` // Before, After, With
	Instructions     string   `json:"instructions,omitempty"`
	PrescribedDate   string   `json:"prescribed_date,omitempty"` // RFC3339 or YYYY-MM-DD
	StartDate        string   `json:"start_date,omitempty"`      // YYYY-MM-DD
	EndDate          string   `json:"end_date,omitempty"`        // YYYY-MM-DD
	TotalTablets     int      `json:"total_tablets,omitempty"`
	RemainingTablets int      `json:"remaining_tablets,omitempty"`
	IsActive         bool     `json:"is_active"`
}

// Dose labels for the canonical daily slots.
const (
	LabelMorning   = "Morning"
	LabelAfternoon = "Afternoon"
	LabelEvening   = "Evening"
	LabelNight     = "Night"
	LabelCustom    = "Custom"
)

// DoseInstance is one concrete administration of a medication. Instances are
// never persisted; they are recomputed from the spec on demand, and the ID is
// a pure function of (medication, date, time) so recomputation is idempotent.
type DoseInstance struct {
	ID           string    `json:"id"`
	MedicationID string    `json:"medication_id"`
	PatientID    string    `json:"patient_id"`
	Label        string    `json:"label"`
	TabletCount  int       `json:"tablet_count"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	FoodTiming   string    `json:"food_timing,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	Name         string    `json:"name"`
	Dosage       string    `json:"dosage"`
}

// DoseID derives the deterministic instance identity.
func DoseID(medicationID string, at time.Time) string {
	return fmt.Sprintf("%s@%s", medicationID, at.Format("2006-01-02T15:04"))
}

// SplitDoseID recovers the medication ID and scheduled time from a dose ID.
func SplitDoseID(doseID string) (string, time.Time, error) {
	idx := strings.LastIndex(doseID, "@")
	if idx < 0 {
		return "", time.Time{}, fmt.Errorf("malformed dose ID: %s", doseID)
	}

	at, err := time.ParseInLocation("2006-01-02T15:04", doseID[idx+1:], time.Local)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed dose ID %s: %w", doseID, err)
	}

	return doseID[:idx], at, nil
}

// LabelForSlot maps a canonical HH:MM slot to its display label.
func LabelForSlot(slot string) string {
	switch slot {
	case "08:00":
		return LabelMorning
	case "14:00":
		return LabelAfternoon
	case "18:00":
		return LabelEvening
	case "20:00":
		return LabelNight
	default:
		return LabelCustom
	}
}

// Derivation records which fallback branch fired for each calculated field.
// Exposed so tests and operators can see why a calendar looks the way it does.
type Derivation struct {
	StartSource   string `json:"start_source"`  // start_date, prescribed_date, as_of
	EndSource     string `json:"end_source"`    // end_date, duration, default
	SlotSource    string `json:"slot_source"`   // timing, frequency, default
	TabletSource  string `json:"tablet_source"` // total_tablets, dosage, default
	Days          int    `json:"days"`
	TabletsPerDay int    `json:"tablets_per_day"`
}

const (
	SourceStartDate      = "start_date"
	SourcePrescribedDate = "prescribed_date"
	SourceAsOf           = "as_of"
	SourceEndDate        = "end_date"
	SourceDuration       = "duration"
	SourceTiming         = "timing"
	SourceFrequency      = "frequency"
	SourceDosage         = "dosage"
	SourceTotalTablets   = "total_tablets"
	SourceDefault        = "default"
)
