package schedule

import (
	"time"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = time.RFC3339
)

// Calculator derives a deterministic dose calendar from a MedicationSpec.
// It is pure and total: malformed input falls back to documented defaults,
// and the same spec always yields the same instance set.
type Calculator struct {
	defaultDurationDays int
	defaultSlot         string
}

// NewCalculator creates a calculator with the given fallback defaults.
// Zero values select the product defaults (7 days, 08:00).
func NewCalculator(defaultDurationDays int, defaultSlot string) *Calculator {
	if defaultDurationDays <= 0 {
		defaultDurationDays = 7
	}
	if defaultSlot == "" {
		defaultSlot = "08:00"
	}
	return &Calculator{
		defaultDurationDays: defaultDurationDays,
		defaultSlot:         defaultSlot,
	}
}

// Calculate enumerates every DoseInstance for the spec. An inactive spec
// yields an empty calendar.
func (c *Calculator) Calculate(spec MedicationSpec, asOf time.Time) []DoseInstance {
	doses, _ := c.CalculateWithDerivation(spec, asOf)
	return doses
}

// CalculateWithDerivation is Calculate plus a record of which fallback branch
// fired for each derived field.
func (c *Calculator) CalculateWithDerivation(spec MedicationSpec, asOf time.Time) ([]DoseInstance, Derivation) {
	var d Derivation

	if !spec.IsActive {
		return nil, d
	}

	start := c.startDate(spec, asOf, &d)
	end := c.endDate(spec, start, &d)

	days := daysBetween(start, end)
	if days <= 0 {
		days = 1
	}
	d.Days = days

	slots := c.dailySlots(spec, &d)

	tabletsPerDay := c.tabletsPerDay(spec, days, &d)
	d.TabletsPerDay = tabletsPerDay

	perSlot := distributeTablets(tabletsPerDay, len(slots))

	doses := make([]DoseInstance, 0, days*len(slots))
	for day := 0; day < days; day++ {
		date := start.AddDate(0, 0, day)
		for i, slot := range slots {
			if perSlot[i] == 0 {
				continue
			}
			at := slotTime(date, slot)
			doses = append(doses, DoseInstance{
				ID:           DoseID(spec.ID, at),
				MedicationID: spec.ID,
				PatientID:    spec.PatientID,
				Label:        LabelForSlot(slot),
				TabletCount:  perSlot[i],
				ScheduledAt:  at,
				FoodTiming:   spec.FoodTiming,
				Instructions: spec.Instructions,
				Name:         spec.Name,
				Dosage:       spec.Dosage,
			})
		}
	}

	return doses, d
}

// NextDose returns the first instance scheduled after now, or false when the
// calendar has no future doses.
func (c *Calculator) NextDose(spec MedicationSpec, now time.Time) (DoseInstance, bool) {
	for _, dose := range c.Calculate(spec, now) {
		if dose.ScheduledAt.After(now) {
			return dose, true
		}
	}
	return DoseInstance{}, false
}

// RemainingDays reports how many calendar days the medication still runs,
// zero when the course has ended.
func (c *Calculator) RemainingDays(spec MedicationSpec, now time.Time) int {
	var d Derivation
	start := c.startDate(spec, now, &d)
	end := c.endDate(spec, start, &d)

	today := midnight(now)
	if end.Before(today) {
		return 0
	}
	return daysBetween(today, end)
}

// InWindow reports whether the medication course covers the given day.
func (c *Calculator) InWindow(spec MedicationSpec, day time.Time) bool {
	var d Derivation
	start := c.startDate(spec, day, &d)
	end := c.endDate(spec, start, &d)
	t := midnight(day)
	return !t.Before(start) && !t.After(end)
}

func (c *Calculator) startDate(spec MedicationSpec, asOf time.Time, d *Derivation) time.Time {
	loc := asOf.Location()

	if spec.StartDate != "" {
		if t, err := time.ParseInLocation(dateLayout, spec.StartDate, loc); err == nil {
			d.StartSource = SourceStartDate
			return t
		}
	}
	if spec.PrescribedDate != "" {
		if t, err := time.Parse(dateTimeLayout, spec.PrescribedDate); err == nil {
			d.StartSource = SourcePrescribedDate
			return midnight(t.In(loc))
		}
		if t, err := time.ParseInLocation(dateLayout, spec.PrescribedDate, loc); err == nil {
			d.StartSource = SourcePrescribedDate
			return t
		}
	}

	d.StartSource = SourceAsOf
	return midnight(asOf)
}

func (c *Calculator) endDate(spec MedicationSpec, start time.Time, d *Derivation) time.Time {
	if spec.EndDate != "" {
		if t, err := time.ParseInLocation(dateLayout, spec.EndDate, start.Location()); err == nil {
			d.EndSource = SourceEndDate
			return t
		}
	}

	if days, ok := parseDurationDays(spec.Duration); ok && days > 0 {
		d.EndSource = SourceDuration
		return start.AddDate(0, 0, days-1)
	}

	d.EndSource = SourceDefault
	return start.AddDate(0, 0, c.defaultDurationDays-1)
}

func (c *Calculator) dailySlots(spec MedicationSpec, d *Derivation) []string {
	if slots := slotsFromTiming(spec.Timing); len(slots) > 0 {
		d.SlotSource = SourceTiming
		return slots
	}
	if slots := slotsFromFrequency(spec.Frequency); len(slots) > 0 {
		d.SlotSource = SourceFrequency
		return slots
	}
	d.SlotSource = SourceDefault
	return []string{c.defaultSlot}
}

func (c *Calculator) tabletsPerDay(spec MedicationSpec, days int, d *Derivation) int {
	if spec.TotalTablets > 0 && days > 0 {
		d.TabletSource = SourceTotalTablets
		return spec.TotalTablets / days
	}
	if n, ok := leadingInt(spec.Dosage); ok {
		d.TabletSource = SourceDosage
		return n * frequencyMultiplier(spec.Frequency)
	}
	d.TabletSource = SourceDefault
	return 1
}

func slotTime(date time.Time, slot string) time.Time {
	t, _ := time.ParseInLocation("15:04", slot, date.Location())
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, date.Location())
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// daysBetween counts calendar days from start to end inclusive, zero when end
// precedes start. Days are stepped by date: elapsed-hour arithmetic undercounts
// a course that spans a DST transition.
func daysBetween(start, end time.Time) int {
	start, end = midnight(start), midnight(end)
	if end.Before(start) {
		return 0
	}

	days := 1
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		days++
	}
	return days
}
