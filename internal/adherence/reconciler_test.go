package adherence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medalert/medalert/internal/schedule"
)

func dose(medID string, at time.Time) schedule.DoseInstance {
	return schedule.DoseInstance{
		ID:           schedule.DoseID(medID, at),
		MedicationID: medID,
		PatientID:    "pat_1",
		ScheduledAt:  at,
		TabletCount:  1,
	}
}

func TestReconcileTakenWithinWindow(t *testing.T) {
	rec := NewReconciler(2 * time.Hour)
	scheduled := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	doses := []schedule.DoseInstance{dose("med_1", scheduled)}

	events := []Event{{
		ID:           "evt_1",
		MedicationID: "med_1",
		Action:       ActionTaken,
		At:           scheduled.Add(45 * time.Minute),
	}}

	outcomes, orphans := rec.Reconcile(doses, events, scheduled.Add(3*time.Hour))

	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusTaken, outcomes[0].Status)
	assert.Equal(t, 45*time.Minute, outcomes[0].Delta)
	require.NotNil(t, outcomes[0].Event)
	assert.Equal(t, "evt_1", outcomes[0].Event.ID)
	assert.Empty(t, orphans)
}

func TestReconcileEarlyTakeWithinWindow(t *testing.T) {
	rec := NewReconciler(2 * time.Hour)
	scheduled := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	doses := []schedule.DoseInstance{dose("med_1", scheduled)}

	events := []Event{{
		ID:           "evt_1",
		MedicationID: "med_1",
		Action:       ActionTaken,
		At:           scheduled.Add(-90 * time.Minute),
	}}

	outcomes, orphans := rec.Reconcile(doses, events, scheduled)

	assert.Equal(t, StatusTaken, outcomes[0].Status)
	assert.Empty(t, orphans)
}

func TestReconcileClosestDoseWins(t *testing.T) {
	rec := NewReconciler(2 * time.Hour)
	morning := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	afternoon := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	doses := []schedule.DoseInstance{dose("med_1", morning), dose("med_1", afternoon)}

	// 13:00 is within 2h of the afternoon dose only by proximity
	events := []Event{{
		ID:           "evt_1",
		MedicationID: "med_1",
		Action:       ActionTaken,
		At:           time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC),
	}}

	outcomes, _ := rec.Reconcile(doses, events, afternoon.Add(3*time.Hour))

	assert.Equal(t, StatusMissed, outcomes[0].Status)
	assert.Equal(t, StatusTaken, outcomes[1].Status)
}

func TestReconcileTieGoesToEarlierDose(t *testing.T) {
	rec := NewReconciler(2 * time.Hour)
	first := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	second := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	doses := []schedule.DoseInstance{dose("med_1", first), dose("med_1", second)}

	// 09:00 is exactly one hour from both doses
	events := []Event{{
		ID:           "evt_1",
		MedicationID: "med_1",
		Action:       ActionTaken,
		At:           time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}}

	outcomes, _ := rec.Reconcile(doses, events, second)

	assert.Equal(t, StatusTaken, outcomes[0].Status)
	assert.Equal(t, StatusPending, outcomes[1].Status)
}

func TestReconcileExplicitDoseIDBindsDirectly(t *testing.T) {
	rec := NewReconciler(2 * time.Hour)
	morning := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	night := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	doses := []schedule.DoseInstance{dose("med_1", morning), dose("med_1", night)}

	// Event time is closer to the night dose, but the explicit ID wins
	events := []Event{{
		ID:           "evt_1",
		MedicationID: "med_1",
		DoseID:       doses[0].ID,
		Action:       ActionTaken,
		At:           time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC),
	}}

	outcomes, _ := rec.Reconcile(doses, events, night)

	assert.Equal(t, StatusLate, outcomes[0].Status)
	assert.Equal(t, StatusPending, outcomes[1].Status)
}

func TestReconcileLateTakeIsLateNotMissed(t *testing.T) {
	rec := NewReconciler(2 * time.Hour)
	morning := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	night := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	doses := []schedule.DoseInstance{dose("med_1", morning), dose("med_1", night)}

	// Taken at 13:00: outside the morning window, before the night dose
	events := []Event{{
		ID:           "evt_1",
		MedicationID: "med_1",
		Action:       ActionTaken,
		At:           time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC),
	}}

	outcomes, orphans := rec.Reconcile(doses, events, time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC))

	assert.Equal(t, StatusLate, outcomes[0].Status)
	assert.Equal(t, StatusPending, outcomes[1].Status)
	assert.Empty(t, orphans)
}

func TestReconcileSkippedDose(t *testing.T) {
	rec := NewReconciler(2 * time.Hour)
	scheduled := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	doses := []schedule.DoseInstance{dose("med_1", scheduled)}

	events := []Event{{
		ID:           "evt_1",
		MedicationID: "med_1",
		Action:       ActionSkipped,
		At:           scheduled.Add(10 * time.Minute),
	}}

	outcomes, _ := rec.Reconcile(doses, events, scheduled.Add(time.Hour))

	assert.Equal(t, StatusSkipped, outcomes[0].Status)
}

func TestReconcilePendingThenMissed(t *testing.T) {
	rec := NewReconciler(2 * time.Hour)
	scheduled := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	doses := []schedule.DoseInstance{dose("med_1", scheduled)}

	// Window still open
	outcomes, _ := rec.Reconcile(doses, nil, scheduled.Add(time.Hour))
	assert.Equal(t, StatusPending, outcomes[0].Status)

	// Window closed with no event
	outcomes, _ = rec.Reconcile(doses, nil, scheduled.Add(3*time.Hour))
	assert.Equal(t, StatusMissed, outcomes[0].Status)
}

func TestReconcileOrphanEvent(t *testing.T) {
	rec := NewReconciler(2 * time.Hour)
	scheduled := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	doses := []schedule.DoseInstance{dose("med_1", scheduled)}

	// Event for a medication not on the calendar
	events := []Event{{
		ID:           "evt_1",
		MedicationID: "med_other",
		Action:       ActionTaken,
		At:           scheduled,
	}}

	outcomes, orphans := rec.Reconcile(doses, events, scheduled.Add(time.Hour))

	assert.Equal(t, StatusPending, outcomes[0].Status)
	require.Len(t, orphans, 1)
	assert.Equal(t, "evt_1", orphans[0].ID)
}

func TestReconcileOneEventPerDose(t *testing.T) {
	rec := NewReconciler(2 * time.Hour)
	scheduled := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	doses := []schedule.DoseInstance{dose("med_1", scheduled)}

	// Duplicate confirmations: one matches, the duplicate is an orphan
	events := []Event{
		{ID: "evt_1", MedicationID: "med_1", Action: ActionTaken, At: scheduled.Add(5 * time.Minute)},
		{ID: "evt_2", MedicationID: "med_1", Action: ActionTaken, At: scheduled.Add(10 * time.Minute)},
	}

	outcomes, orphans := rec.Reconcile(doses, events, scheduled.Add(time.Hour))

	assert.Equal(t, StatusTaken, outcomes[0].Status)
	assert.Equal(t, "evt_1", outcomes[0].Event.ID)
	require.Len(t, orphans, 1)
	assert.Equal(t, "evt_2", orphans[0].ID)
}

func TestSummarize(t *testing.T) {
	outcomes := []Outcome{
		{Status: StatusTaken},
		{Status: StatusTaken},
		{Status: StatusLate},
		{Status: StatusMissed},
		{Status: StatusSkipped},
		{Status: StatusPending},
	}

	stats := Summarize(outcomes)

	assert.Equal(t, 6, stats.Total)
	assert.Equal(t, 2, stats.Taken)
	assert.Equal(t, 1, stats.Late)
	assert.Equal(t, 1, stats.Missed)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Pending)
	// 2 on-time takes of 5 settled doses, integer floor
	assert.Equal(t, 40, stats.Rate)
}

func TestSummarizeEmpty(t *testing.T) {
	stats := Summarize(nil)
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, 0, stats.Rate)
}
