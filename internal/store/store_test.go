package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medalert/medalert/internal/config"
	"github.com/medalert/medalert/internal/schedule"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Storage.DataDir = dir
	cfg.Storage.SQLitePath = filepath.Join(dir, "medalert.db")
	cfg.Storage.BadgerPath = filepath.Join(dir, "badger")

	st, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

func TestCreateAndGetPatient(t *testing.T) {
	st := testStore(t)

	p := &Patient{
		Name:           "Rosa",
		TelegramChatID: 42,
		DiscordUserID:  "rosa#1",
	}
	require.NoError(t, st.CreatePatient(p))
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "Local", p.Timezone)

	require.NoError(t, st.CreateCaretaker(&Caretaker{
		PatientID: p.ID,
		Name:      "Miguel",
		IsPrimary: true,
	}))

	got, err := st.GetPatient(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Rosa", got.Name)
	require.Len(t, got.Caretakers, 1)
	assert.Equal(t, "Miguel", got.Caretakers[0].Name)

	byTelegram, err := st.GetPatientByTelegram(42)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byTelegram.ID)

	byDiscord, err := st.GetPatientByDiscord("rosa#1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byDiscord.ID)

	_, err = st.GetPatient("pat_missing")
	assert.Error(t, err)
}

func TestPrimaryCaretaker(t *testing.T) {
	st := testStore(t)

	p := &Patient{Name: "Rosa"}
	require.NoError(t, st.CreatePatient(p))

	require.NoError(t, st.CreateCaretaker(&Caretaker{PatientID: p.ID, Name: "First"}))
	require.NoError(t, st.CreateCaretaker(&Caretaker{PatientID: p.ID, Name: "Marked", IsPrimary: true}))

	primary, err := st.PrimaryCaretaker(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Marked", primary.Name)

	caretakers, err := st.ListCaretakers(p.ID)
	require.NoError(t, err)
	require.Len(t, caretakers, 2)
	assert.Equal(t, "Marked", caretakers[0].Name)

	// No caretakers marked primary falls back to the oldest
	p2 := &Patient{Name: "Luis"}
	require.NoError(t, st.CreatePatient(p2))
	require.NoError(t, st.CreateCaretaker(&Caretaker{PatientID: p2.ID, Name: "Only"}))

	primary, err = st.PrimaryCaretaker(p2.ID)
	require.NoError(t, err)
	assert.Equal(t, "Only", primary.Name)

	_, err = st.PrimaryCaretaker("pat_missing")
	assert.Error(t, err)
}

func TestMedicationSnapshotRoundTrip(t *testing.T) {
	st := testStore(t)

	spec := schedule.MedicationSpec{
		ID:        "med_1",
		PatientID: "pat_1",
		Name:      "Amoxicillin",
		Dosage:    "1 tablet",
		Frequency: "twice daily",
		Duration:  "5 days",
		Timing:    []string{"morning", "evening"},
		StartDate: "2026-03-01",
		IsActive:  true,
	}
	require.NoError(t, st.UpsertMedication(FromSpec(spec)))

	got, err := st.GetMedication("med_1")
	require.NoError(t, err)
	assert.Equal(t, spec, got.Spec())

	// Upsert replaces the snapshot in place
	spec.Frequency = "three times daily"
	require.NoError(t, st.UpsertMedication(FromSpec(spec)))

	got, err = st.GetMedication("med_1")
	require.NoError(t, err)
	assert.Equal(t, "three times daily", got.Frequency)

	meds, err := st.ListActiveMedications()
	require.NoError(t, err)
	assert.Len(t, meds, 1)
}

func TestAllSpecsIncludesDeactivated(t *testing.T) {
	st := testStore(t)

	require.NoError(t, st.UpsertMedication(FromSpec(schedule.MedicationSpec{
		ID: "med_1", PatientID: "pat_1", Name: "Amoxicillin", IsActive: true,
	})))
	require.NoError(t, st.UpsertMedication(FromSpec(schedule.MedicationSpec{
		ID: "med_2", PatientID: "pat_1", Name: "Metformin", IsActive: true,
	})))
	require.NoError(t, st.DeactivateMedication("med_1"))

	specs, err := st.AllSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "med_1", specs[0].ID)
	assert.False(t, specs[0].IsActive)
	assert.True(t, specs[1].IsActive)

	meds, err := st.ListActiveMedications()
	require.NoError(t, err)
	require.Len(t, meds, 1)
	assert.Equal(t, "med_2", meds[0].ID)
}

func TestAdherenceEventRange(t *testing.T) {
	st := testStore(t)

	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	for i, at := range []time.Time{base, base.Add(12 * time.Hour), base.Add(48 * time.Hour)} {
		e := &AdherenceEvent{
			PatientID:    "pat_1",
			MedicationID: "med_1",
			Action:       "taken",
			TakenAt:      at,
			Source:       "api",
		}
		require.NoError(t, st.CreateAdherenceEvent(e))
		assert.NotEmpty(t, e.ID, "event %d got no ID", i)
	}

	// Range is half-open on the upper bound
	events, err := st.ListEventsForMedication("med_1", base, base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = st.ListEventsForPatient("pat_1", base, base.Add(72*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 3)

	require.NoError(t, st.MarkEventOrphaned(events[0].ID))
	events, err = st.ListEventsForPatient("pat_1", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Orphaned)
}

func TestClaimEscalationOnce(t *testing.T) {
	st := testStore(t)

	rec := &EscalationRecord{
		DoseID:       "med_1@2026-03-02T08:00",
		MedicationID: "med_1",
		PatientID:    "pat_1",
		CaretakerID:  "care_1",
		SentAt:       time.Now(),
	}

	won, err := st.ClaimEscalation(rec)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = st.ClaimEscalation(rec)
	require.NoError(t, err)
	assert.False(t, won)

	// Releasing the claim lets a later pass retry
	require.NoError(t, st.ReleaseEscalation(rec.DoseID))

	won, err = st.ClaimEscalation(rec)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestSyncHash(t *testing.T) {
	st := testStore(t)

	hash, err := st.GetSyncHash("med_1")
	require.NoError(t, err)
	assert.Empty(t, hash)

	require.NoError(t, st.SetSyncHash("med_1", "abc123"))
	require.NoError(t, st.SetSyncHash("med_2", "def456"))

	hash, err = st.GetSyncHash("med_1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", hash)

	hashes, err := st.ListSyncHashes()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"med_1": "abc123", "med_2": "def456"}, hashes)

	require.NoError(t, st.DeleteSyncHash("med_1"))

	hash, err = st.GetSyncHash("med_1")
	require.NoError(t, err)
	assert.Empty(t, hash)
}

func TestKV(t *testing.T) {
	st := testStore(t)

	require.NoError(t, st.SetKV("cursor", []byte("42")))

	val, err := st.GetKV("cursor")
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), val)
}
