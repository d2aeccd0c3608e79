// Package local keeps an in-process alarm registry, the self-hosted stand-in
// for a device alarm service. Alarms ring through a callback so the host can
// surface them however it likes (desktop notification, speaker, log line).
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/medalert/medalert/internal/notify"
	"github.com/medalert/medalert/internal/schedule"
)

// AlarmFunc is invoked when an alarm rings.
type AlarmFunc func(dose schedule.DoseInstance)

// Registry schedules one timer per dose. It satisfies notify.Notifier: an
// advance reminder arms the alarm for the exact dose time, and an exact
// reminder rings immediately. Sync cancels a medication's alarms when its
// schedule changes.
type Registry struct {
	logger   *zap.Logger
	callback AlarmFunc

	mu     sync.Mutex
	timers map[string]*time.Timer           // doseID -> timer
	doses  map[string]schedule.DoseInstance // doseID -> dose
}

// NewRegistry creates an alarm registry. A nil callback logs each alarm.
func NewRegistry(callback AlarmFunc, logger *zap.Logger) *Registry {
	r := &Registry{
		logger: logger,
		timers: make(map[string]*time.Timer),
		doses:  make(map[string]schedule.DoseInstance),
	}

	if callback == nil {
		callback = func(dose schedule.DoseInstance) {
			logger.Info("Alarm",
				zap.String("dose_id", dose.ID),
				zap.String("medication", dose.Name),
				zap.Time("scheduled_at", dose.ScheduledAt),
			)
		}
	}
	r.callback = callback

	return r
}

// Name implements notify.Notifier.
func (r *Registry) Name() string { return "local" }

// Send implements notify.Notifier.
func (r *Registry) Send(ctx context.Context, target notify.Target, payload notify.Payload) (notify.DeliveryResult, error) {
	switch payload.Kind {
	case notify.KindAdvance:
		if err := r.Schedule(payload.Dose); err != nil {
			return notify.DeliveryResult{}, err
		}
	default:
		r.ring(payload.Dose.ID, payload.Dose)
	}

	return notify.DeliveryResult{Channel: "local", SentAt: time.Now()}, nil
}

// Schedule arms an alarm for the dose's scheduled time, replacing any
// existing alarm for the same dose.
func (r *Registry) Schedule(dose schedule.DoseInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, exists := r.timers[dose.ID]; exists {
		timer.Stop()
		delete(r.timers, dose.ID)
		delete(r.doses, dose.ID)
	}

	duration := time.Until(dose.ScheduledAt)
	if duration <= 0 {
		return fmt.Errorf("dose time is in the past")
	}

	doseID := dose.ID
	r.timers[doseID] = time.AfterFunc(duration, func() {
		r.fire(doseID)
	})
	r.doses[doseID] = dose

	return nil
}

// Cancel drops a single pending alarm.
func (r *Registry) Cancel(doseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, exists := r.timers[doseID]; exists {
		timer.Stop()
		delete(r.timers, doseID)
		delete(r.doses, doseID)
	}
}

// CancelMedication drops every pending alarm for a medication. Called when
// sync detects a schedule change that invalidates the old dose times.
func (r *Registry) CancelMedication(medicationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for doseID, dose := range r.doses {
		if dose.MedicationID != medicationID {
			continue
		}
		if timer, exists := r.timers[doseID]; exists {
			timer.Stop()
		}
		delete(r.timers, doseID)
		delete(r.doses, doseID)
	}
}

// Pending reports how many alarms are armed.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Close stops every pending alarm.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for doseID, timer := range r.timers {
		timer.Stop()
		delete(r.timers, doseID)
		delete(r.doses, doseID)
	}
}

// fire is the timer callback.
func (r *Registry) fire(doseID string) {
	r.mu.Lock()
	dose, ok := r.doses[doseID]
	delete(r.timers, doseID)
	delete(r.doses, doseID)
	r.mu.Unlock()

	if ok {
		r.callback(dose)
	}
}

// ring triggers the callback immediately for an already-due dose.
func (r *Registry) ring(doseID string, dose schedule.DoseInstance) {
	r.Cancel(doseID)
	r.callback(dose)
}
