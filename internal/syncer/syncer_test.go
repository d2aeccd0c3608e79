package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medalert/medalert/internal/config"
	"github.com/medalert/medalert/internal/schedule"
	"github.com/medalert/medalert/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Storage.DataDir = dir
	cfg.Storage.SQLitePath = filepath.Join(dir, "test.db")
	cfg.Storage.BadgerPath = filepath.Join(dir, "badger")

	st, err := store.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

type fakeSource struct {
	mu    sync.Mutex
	specs []schedule.MedicationSpec
	err   error
}

func (f *fakeSource) FetchSpecs(ctx context.Context) ([]schedule.MedicationSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.specs, nil
}

func (f *fakeSource) set(specs []schedule.MedicationSpec, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = specs
	f.err = err
}

type fakeCanceler struct {
	mu        sync.Mutex
	cancelled []string
}

func (f *fakeCanceler) CancelMedication(medicationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, medicationID)
}

func testSpec() schedule.MedicationSpec {
	return schedule.MedicationSpec{
		ID:        "med_1",
		PatientID: "pat_1",
		Name:      "Amoxicillin",
		Dosage:    "1",
		Frequency: "twice daily",
		Duration:  "3 days",
		StartDate: "2026-03-02",
		IsActive:  true,
	}
}

func TestFingerprint(t *testing.T) {
	spec := testSpec()

	// Stable for identical input
	assert.Equal(t, Fingerprint(spec), Fingerprint(spec))

	// Scheduling fields change the hash
	changed := spec
	changed.Frequency = "thrice daily"
	assert.NotEqual(t, Fingerprint(spec), Fingerprint(changed))

	changed = spec
	changed.EndDate = "2026-03-10"
	assert.NotEqual(t, Fingerprint(spec), Fingerprint(changed))

	// Cosmetic fields do not
	changed = spec
	changed.Name = "Amoxicillin 500"
	changed.Instructions = "take with water"
	assert.Equal(t, Fingerprint(spec), Fingerprint(changed))
}

func TestSyncAppliesNewSpec(t *testing.T) {
	st := testStore(t)
	source := &fakeSource{specs: []schedule.MedicationSpec{testSpec()}}
	canceler := &fakeCanceler{}
	holder := schedule.NewHolder()

	s := New(source, st, schedule.NewCalculator(0, ""), holder, canceler, Options{
		Interval: time.Minute,
	}, zap.NewNop())

	s.SyncNow(context.Background())

	cal := holder.Current()
	assert.Equal(t, int64(1), cal.Version())
	assert.Equal(t, 6, cal.Len())

	med, err := st.GetMedication("med_1")
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(testSpec()), med.ContentHash)
	assert.NotNil(t, med.SyncedAt)

	// First sight of a medication cancels nothing
	assert.Empty(t, canceler.cancelled)
}

func TestSyncUnchangedSpecIsNoop(t *testing.T) {
	st := testStore(t)
	source := &fakeSource{specs: []schedule.MedicationSpec{testSpec()}}
	holder := schedule.NewHolder()

	s := New(source, st, schedule.NewCalculator(0, ""), holder, nil, Options{
		Interval: time.Minute,
	}, zap.NewNop())

	s.SyncNow(context.Background())
	require.Equal(t, int64(1), holder.Current().Version())

	// Same content hash: no rebuild
	s.SyncNow(context.Background())
	assert.Equal(t, int64(1), holder.Current().Version())
}

func TestSyncChangedSpecRebuildsAndCancelsAlarms(t *testing.T) {
	st := testStore(t)
	source := &fakeSource{specs: []schedule.MedicationSpec{testSpec()}}
	canceler := &fakeCanceler{}
	holder := schedule.NewHolder()

	s := New(source, st, schedule.NewCalculator(0, ""), holder, canceler, Options{
		Interval: time.Minute,
	}, zap.NewNop())

	s.SyncNow(context.Background())
	require.Equal(t, int64(1), holder.Current().Version())

	changed := testSpec()
	changed.Frequency = "thrice daily"
	source.set([]schedule.MedicationSpec{changed}, nil)

	s.SyncNow(context.Background())

	cal := holder.Current()
	assert.Equal(t, int64(2), cal.Version())
	assert.Equal(t, 9, cal.Len())
	assert.Equal(t, []string{"med_1"}, canceler.cancelled)
}

func TestSyncDeactivationRemovesDoses(t *testing.T) {
	st := testStore(t)
	source := &fakeSource{specs: []schedule.MedicationSpec{testSpec()}}
	canceler := &fakeCanceler{}
	holder := schedule.NewHolder()

	s := New(source, st, schedule.NewCalculator(0, ""), holder, canceler, Options{
		Interval: time.Minute,
	}, zap.NewNop())

	s.SyncNow(context.Background())
	require.Equal(t, 6, holder.Current().Len())

	deactivated := testSpec()
	deactivated.IsActive = false
	source.set([]schedule.MedicationSpec{deactivated}, nil)

	s.SyncNow(context.Background())

	cal := holder.Current()
	assert.Equal(t, int64(2), cal.Version())
	assert.Equal(t, 0, cal.Len())
	assert.Equal(t, []string{"med_1"}, canceler.cancelled)
}

func TestSyncVanishedMedicationRemovesDoses(t *testing.T) {
	st := testStore(t)
	source := &fakeSource{specs: []schedule.MedicationSpec{testSpec()}}
	canceler := &fakeCanceler{}
	holder := schedule.NewHolder()

	s := New(source, st, schedule.NewCalculator(0, ""), holder, canceler, Options{
		Interval: time.Minute,
	}, zap.NewNop())

	s.SyncNow(context.Background())
	require.Equal(t, 6, holder.Current().Len())

	// Source drops the medication entirely
	source.set(nil, nil)
	s.SyncNow(context.Background())

	cal := holder.Current()
	assert.Equal(t, int64(2), cal.Version())
	assert.Equal(t, 0, cal.Len())
	assert.Equal(t, []string{"med_1"}, canceler.cancelled)

	hash, err := st.GetSyncHash("med_1")
	require.NoError(t, err)
	assert.Empty(t, hash)
}

func TestSyncFailureKeepsLastKnownCalendar(t *testing.T) {
	st := testStore(t)
	source := &fakeSource{specs: []schedule.MedicationSpec{testSpec()}}
	holder := schedule.NewHolder()

	s := New(source, st, schedule.NewCalculator(0, ""), holder, nil, Options{
		Interval:   time.Minute,
		MaxBackoff: 10 * time.Minute,
	}, zap.NewNop())

	s.SyncNow(context.Background())
	require.Equal(t, int64(1), holder.Current().Version())
	require.Equal(t, 6, holder.Current().Len())

	source.set(nil, fmt.Errorf("profile service unavailable"))
	s.SyncNow(context.Background())

	// Calendar untouched, next attempt backed off
	assert.Equal(t, int64(1), holder.Current().Version())
	assert.Equal(t, 6, holder.Current().Len())
	assert.Equal(t, 1, s.failures)
	assert.True(t, s.nextAttempt.After(time.Now()))

	// Backed-off pass is a no-op even after recovery
	source.set([]schedule.MedicationSpec{testSpec()}, nil)
	s.SyncNow(context.Background())
	assert.Equal(t, 1, s.failures)
}

func TestStoreSource(t *testing.T) {
	st := testStore(t)

	med := store.FromSpec(testSpec())
	require.NoError(t, st.UpsertMedication(med))

	inactive := testSpec()
	inactive.ID = "med_2"
	inactive.IsActive = false
	require.NoError(t, st.UpsertMedication(store.FromSpec(inactive)))

	specs, err := NewStoreSource(st).FetchSpecs(context.Background())
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "med_1", specs[0].ID)
	assert.Equal(t, "twice daily", specs[0].Frequency)

	// Inactive medications flow through so deactivation is seen as a change
	assert.Equal(t, "med_2", specs[1].ID)
	assert.False(t, specs[1].IsActive)
}
