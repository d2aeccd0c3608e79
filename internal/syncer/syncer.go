package syncer

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/medalert/medalert/internal/metrics"
	"github.com/medalert/medalert/internal/schedule"
	"github.com/medalert/medalert/internal/store"
)

// ProfileSource is where medication specs come from. In self-hosted mode the
// local store is the source; a hosted deployment points this at the profile
// service instead.
type ProfileSource interface {
	FetchSpecs(ctx context.Context) ([]schedule.MedicationSpec, error)
}

// AlarmCanceler drops any pending device alarms for a medication. Invoked
// when a changed spec invalidates its old dose times.
type AlarmCanceler interface {
	CancelMedication(medicationID string)
}

// StoreSource reads specs from the local medication snapshots. It returns
// inactive medications too so a deactivation shows up as a spec change.
type StoreSource struct {
	store *store.Store
}

// NewStoreSource creates a store-backed profile source.
func NewStoreSource(st *store.Store) *StoreSource {
	return &StoreSource{store: st}
}

func (s *StoreSource) FetchSpecs(ctx context.Context) ([]schedule.MedicationSpec, error) {
	return s.store.AllSpecs()
}

// Options configures the sync coordinator.
type Options struct {
	Interval   time.Duration
	MaxBackoff time.Duration
}

// Syncer keeps the local medication snapshots and the dose calendar in step
// with the profile source. Fetch failures keep the last known good calendar
// and back off exponentially up to MaxBackoff.
type Syncer struct {
	opts     Options
	source   ProfileSource
	store    *store.Store
	calc     *schedule.Calculator
	holder   *schedule.Holder
	canceler AlarmCanceler
	logger   *zap.Logger
	cron     *cron.Cron

	mu          sync.Mutex
	running     bool
	failures    int
	nextAttempt time.Time
}

// New creates a sync coordinator.
func New(source ProfileSource, st *store.Store, calc *schedule.Calculator, holder *schedule.Holder, canceler AlarmCanceler, opts Options, logger *zap.Logger) *Syncer {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Hour
	}

	return &Syncer{
		opts:     opts,
		source:   source,
		store:    st,
		calc:     calc,
		holder:   holder,
		canceler: canceler,
		logger:   logger,
	}
}

// Start runs an immediate sync, then schedules recurring syncs.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("syncer already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Starting syncer", zap.Duration("interval", s.opts.Interval))

	s.SyncNow(ctx)

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.opts.Interval), func() {
		s.SyncNow(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule sync: %w", err)
	}
	s.cron.Start()

	return nil
}

// Stop stops the recurring syncs and waits for an in-flight run.
func (s *Syncer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c := s.cron
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.logger.Info("Syncer stopped")

	return nil
}

// SyncNow runs one sync pass. Safe to call concurrently with the schedule;
// passes serialize on the syncer lock.
func (s *Syncer) SyncNow(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in sync pass", zap.Any("recover", r))
		}
	}()

	now := time.Now()
	if now.Before(s.nextAttempt) {
		return
	}

	specs, err := s.source.FetchSpecs(ctx)
	if err != nil {
		s.failures++
		backoff := s.opts.Interval * (1 << uint(s.failures))
		if backoff > s.opts.MaxBackoff {
			backoff = s.opts.MaxBackoff
		}
		s.nextAttempt = now.Add(backoff)

		metrics.RecordSyncRun(0, true)
		s.logger.Warn("Sync failed, keeping last known calendar",
			zap.Int("consecutive_failures", s.failures),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		return
	}

	s.failures = 0
	s.nextAttempt = time.Time{}

	changed := s.applySpecs(specs, now)

	if changed > 0 || s.holder.Current().Version() == 0 {
		cal := s.holder.Rebuild(s.calc, specs, now)
		metrics.RecordCalendarBuild(cal.Len())
		s.logger.Info("Calendar rebuilt",
			zap.Int64("version", cal.Version()),
			zap.Int("doses", cal.Len()),
			zap.Int("changed_medications", changed),
		)
	}

	metrics.RecordSyncRun(changed, false)
}

// applySpecs persists changed snapshots and cancels alarms invalidated by
// the change. Returns the number of changed medications.
func (s *Syncer) applySpecs(specs []schedule.MedicationSpec, now time.Time) int {
	changed := 0
	seen := make(map[string]struct{}, len(specs))

	for _, spec := range specs {
		seen[spec.ID] = struct{}{}
		hash := Fingerprint(spec)

		prev, err := s.store.GetSyncHash(spec.ID)
		if err != nil {
			s.logger.Error("Failed to read sync hash",
				zap.String("medication_id", spec.ID),
				zap.Error(err),
			)
			continue
		}
		if prev == hash {
			continue
		}

		med := store.FromSpec(spec)
		med.ContentHash = hash
		med.SyncedAt = &now

		if err := s.store.UpsertMedication(med); err != nil {
			s.logger.Error("Failed to persist medication snapshot",
				zap.String("medication_id", spec.ID),
				zap.Error(err),
			)
			continue
		}
		if err := s.store.SetSyncHash(spec.ID, hash); err != nil {
			s.logger.Error("Failed to store sync hash",
				zap.String("medication_id", spec.ID),
				zap.Error(err),
			)
		}

		// Old alarms point at dose times that may no longer exist.
		if s.canceler != nil && prev != "" {
			s.canceler.CancelMedication(spec.ID)
		}

		changed++
		s.logger.Info("Medication changed",
			zap.String("medication_id", spec.ID),
			zap.String("name", spec.Name),
			zap.Bool("first_seen", prev == ""),
		)
	}

	changed += s.removeVanished(seen)

	return changed
}

// removeVanished drops sync state for medications the source no longer
// returns; their doses would otherwise survive in the calendar forever.
func (s *Syncer) removeVanished(seen map[string]struct{}) int {
	stored, err := s.store.ListSyncHashes()
	if err != nil {
		s.logger.Error("Failed to list sync hashes", zap.Error(err))
		return 0
	}

	removed := 0
	for medID := range stored {
		if _, ok := seen[medID]; ok {
			continue
		}
		if err := s.store.DeleteSyncHash(medID); err != nil {
			s.logger.Error("Failed to drop sync hash",
				zap.String("medication_id", medID),
				zap.Error(err),
			)
			continue
		}
		if s.canceler != nil {
			s.canceler.CancelMedication(medID)
		}
		removed++
		s.logger.Info("Medication removed", zap.String("medication_id", medID))
	}

	return removed
}

// Fingerprint hashes the scheduling-relevant fields of a spec. Cosmetic
// fields (name, instructions) do not force a calendar rebuild.
func Fingerprint(spec schedule.MedicationSpec) string {
	h := fnv.New64a()

	fields := []string{
		spec.ID,
		spec.PatientID,
		spec.Dosage,
		spec.Frequency,
		spec.Duration,
		strings.Join(spec.Timing, ","),
		spec.PrescribedDate,
		spec.StartDate,
		spec.EndDate,
		strconv.Itoa(spec.TotalTablets),
		strconv.FormatBool(spec.IsActive),
	}
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}

	return strconv.FormatUint(h.Sum64(), 16)
}
