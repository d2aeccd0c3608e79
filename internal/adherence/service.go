package adherence

import (
	"time"

	"go.uber.org/zap"

	"github.com/medalert/medalert/internal/errors"
	"github.com/medalert/medalert/internal/metrics"
	"github.com/medalert/medalert/internal/schedule"
	"github.com/medalert/medalert/internal/store"
)

// CalendarSource exposes the live dose calendar snapshot.
type CalendarSource interface {
	Current() *schedule.Calendar
}

// Service records patient actions and reconciles them against the calendar.
type Service struct {
	store    *store.Store
	calendar CalendarSource
	rec      *Reconciler
	logger   *zap.Logger
}

// NewService creates the adherence service.
func NewService(st *store.Store, calendar CalendarSource, rec *Reconciler, logger *zap.Logger) *Service {
	return &Service{
		store:    st,
		calendar: calendar,
		rec:      rec,
		logger:   logger,
	}
}

// Reconciler returns the underlying matcher, for callers that already hold
// doses and events.
func (s *Service) Reconciler() *Reconciler { return s.rec }

// RecordAction appends an adherence event. An event naming a dose the
// calendar does not know is stored anyway and flagged as orphaned; history
// must survive schedule changes.
func (s *Service) RecordAction(patientID, medicationID, doseID, action, source string, at time.Time) (*store.AdherenceEvent, error) {
	if action != ActionTaken && action != ActionSkipped {
		return nil, errors.New(errors.ErrBadRequest.Code, "action must be taken or skipped")
	}
	if at.IsZero() {
		at = time.Now()
	}

	orphaned := false
	if doseID != "" {
		orphaned = !s.doseKnown(medicationID, doseID)
	}

	event := &store.AdherenceEvent{
		PatientID:    patientID,
		MedicationID: medicationID,
		DoseID:       doseID,
		Action:       action,
		TakenAt:      at,
		Source:       source,
		Orphaned:     orphaned,
	}

	if err := s.store.CreateAdherenceEvent(event); err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal.Code, "failed to record adherence event")
	}

	metrics.RecordAdherenceEvent(orphaned)
	s.logger.Info("Adherence event recorded",
		zap.String("event_id", event.ID),
		zap.String("medication_id", medicationID),
		zap.String("dose_id", doseID),
		zap.String("action", action),
		zap.Bool("orphaned", orphaned),
	)

	return event, nil
}

// OutcomesForMedication reconciles one medication's doses in [from, to).
func (s *Service) OutcomesForMedication(medicationID string, from, to, now time.Time) ([]Outcome, error) {
	doses := dosesBetween(s.calendar.Current().ForMedication(medicationID), from, to)

	rows, err := s.store.ListEventsForMedication(medicationID, from.Add(-s.rec.window), to.Add(s.rec.window))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal.Code, "failed to load adherence events")
	}
	return s.reconcile(doses, toEvents(rows), now)
}

// OutcomesForPatient reconciles all of a patient's doses in [from, to).
func (s *Service) OutcomesForPatient(patientID string, from, to, now time.Time) ([]Outcome, error) {
	doses := dosesBetween(s.calendar.Current().ForPatient(patientID), from, to)

	rows, err := s.store.ListEventsForPatient(patientID, from.Add(-s.rec.window), to.Add(s.rec.window))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal.Code, "failed to load adherence events")
	}
	return s.reconcile(doses, toEvents(rows), now)
}

// StatsForMedication summarizes a medication's adherence in [from, to).
func (s *Service) StatsForMedication(medicationID string, from, to, now time.Time) (Stats, error) {
	outcomes, err := s.OutcomesForMedication(medicationID, from, to, now)
	if err != nil {
		return Stats{}, err
	}
	return Summarize(outcomes), nil
}

func (s *Service) reconcile(doses []schedule.DoseInstance, loaded []Event, now time.Time) ([]Outcome, error) {
	outcomes, orphans := s.rec.Reconcile(doses, loaded, now)

	// Flag newly orphaned events so operators can audit them.
	for _, orphan := range orphans {
		if err := s.store.MarkEventOrphaned(orphan.ID); err != nil {
			s.logger.Warn("Failed to flag orphaned event",
				zap.String("event_id", orphan.ID),
				zap.Error(err),
			)
		}
	}

	return outcomes, nil
}

func (s *Service) doseKnown(medicationID, doseID string) bool {
	for _, dose := range s.calendar.Current().ForMedication(medicationID) {
		if dose.ID == doseID {
			return true
		}
	}
	return false
}

func dosesBetween(doses []schedule.DoseInstance, from, to time.Time) []schedule.DoseInstance {
	var out []schedule.DoseInstance
	for _, dose := range doses {
		if !dose.ScheduledAt.Before(from) && dose.ScheduledAt.Before(to) {
			out = append(out, dose)
		}
	}
	return out
}

func toEvents(rows []store.AdherenceEvent) []Event {
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, Event{
			ID:           row.ID,
			PatientID:    row.PatientID,
			MedicationID: row.MedicationID,
			DoseID:       row.DoseID,
			Action:       row.Action,
			At:           row.TakenAt,
			Source:       row.Source,
		})
	}
	return events
}
