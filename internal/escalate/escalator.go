package escalate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/medalert/medalert/internal/adherence"
	"github.com/medalert/medalert/internal/metrics"
	"github.com/medalert/medalert/internal/notify"
	"github.com/medalert/medalert/internal/store"
)

// Options configures the escalator.
type Options struct {
	CheckInterval time.Duration // how often missed doses are scanned for
	Lookback      time.Duration // how far back a missed dose is still worth alerting
	SendTimeout   time.Duration
}

// Escalator alerts a patient's caretaker when a dose goes missed. Each dose
// escalates at most once: the escalation record's primary key is the claim,
// and a failed alert releases it for retry. A circuit breaker shields the
// caretaker channels when they are down so the scan loop stays cheap.
type Escalator struct {
	opts      Options
	store     *store.Store
	adherence *adherence.Service
	channels  map[string]notify.Notifier
	breaker   *gobreaker.CircuitBreaker[notify.DeliveryResult]
	logger    *zap.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates an escalator over the given caretaker channels.
func New(st *store.Store, svc *adherence.Service, channels map[string]notify.Notifier, opts Options, logger *zap.Logger) *Escalator {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 5 * time.Minute
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[notify.DeliveryResult](gobreaker.Settings{
		Name:        "caretaker-alerts",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Caretaker alert breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Escalator{
		opts:      opts,
		store:     st,
		adherence: svc,
		channels:  channels,
		breaker:   breaker,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start starts the scan loop.
func (e *Escalator) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("escalator already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.logger.Info("Starting escalator", zap.Duration("check_interval", e.opts.CheckInterval))

	e.wg.Add(1)
	go e.run(ctx)

	return nil
}

// Stop stops the scan loop.
func (e *Escalator) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("Escalator stopped")

	return nil
}

// IsRunning returns true if the scan loop is active.
func (e *Escalator) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *Escalator) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.CheckInterval)
	defer ticker.Stop()

	e.Scan(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Scan(ctx, time.Now())
		}
	}
}

// Scan runs one escalation pass. Exposed so the loop and tests share it.
func (e *Escalator) Scan(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic in escalation scan", zap.Any("recover", r))
		}
	}()

	patients, err := e.store.ListPatients()
	if err != nil {
		e.logger.Error("Failed to list patients", zap.Error(err))
		return
	}

	for _, patient := range patients {
		e.scanPatient(ctx, patient, now)
	}
}

func (e *Escalator) scanPatient(ctx context.Context, patient store.Patient, now time.Time) {
	outcomes, err := e.adherence.OutcomesForPatient(patient.ID, now.Add(-e.opts.Lookback), now, now)
	if err != nil {
		e.logger.Error("Failed to reconcile patient",
			zap.String("patient_id", patient.ID),
			zap.Error(err),
		)
		return
	}

	for _, outcome := range outcomes {
		if outcome.Status != adherence.StatusMissed {
			continue
		}
		metrics.RecordMissedDose()
		e.escalate(ctx, patient, outcome, now)
	}
}

func (e *Escalator) escalate(ctx context.Context, patient store.Patient, outcome adherence.Outcome, now time.Time) {
	caretaker, err := e.store.PrimaryCaretaker(patient.ID)
	if err != nil {
		e.logger.Debug("No caretaker to escalate to", zap.String("patient_id", patient.ID))
		return
	}

	won, err := e.store.ClaimEscalation(&store.EscalationRecord{
		DoseID:       outcome.Dose.ID,
		MedicationID: outcome.Dose.MedicationID,
		PatientID:    patient.ID,
		CaretakerID:  caretaker.ID,
		SentAt:       now,
	})
	if err != nil {
		e.logger.Error("Failed to claim escalation",
			zap.String("dose_id", outcome.Dose.ID),
			zap.Error(err),
		)
		return
	}
	if !won {
		return
	}

	payload := notify.Payload{
		Kind: "escalation",
		Dose: outcome.Dose,
		Message: fmt.Sprintf(
			"⚠️ %s missed their %s dose of %s, scheduled for %s. Please check in with them.",
			patient.Name,
			outcome.Dose.Label,
			outcome.Dose.Name,
			outcome.Dose.ScheduledAt.Format("3:04 PM, Jan 2"),
		),
	}

	target := notify.Target{
		PatientID:      patient.ID,
		TelegramChatID: caretaker.TelegramChatID,
		DiscordUserID:  caretaker.DiscordUserID,
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	defer cancel()

	if err := e.send(sendCtx, caretaker, target, payload); err != nil {
		e.logger.Warn("Caretaker alert failed",
			zap.String("dose_id", outcome.Dose.ID),
			zap.String("caretaker_id", caretaker.ID),
			zap.Error(err),
		)
		if relErr := e.store.ReleaseEscalation(outcome.Dose.ID); relErr != nil {
			e.logger.Error("Failed to release escalation claim",
				zap.String("dose_id", outcome.Dose.ID),
				zap.Error(relErr),
			)
		}
		return
	}

	metrics.RecordEscalation()
	e.logger.Info("Caretaker alerted",
		zap.String("dose_id", outcome.Dose.ID),
		zap.String("patient_id", patient.ID),
		zap.String("caretaker_id", caretaker.ID),
	)
}

// send tries the caretaker's channels in preference order behind the breaker.
func (e *Escalator) send(ctx context.Context, caretaker *store.Caretaker, target notify.Target, payload notify.Payload) error {
	var lastErr error
	tried := false

	for _, name := range []string{"telegram", "discord", "local"} {
		notifier, ok := e.channels[name]
		if !ok {
			continue
		}
		if name == "telegram" && caretaker.TelegramChatID == 0 {
			continue
		}
		if name == "discord" && caretaker.DiscordUserID == "" {
			continue
		}

		tried = true
		_, err := e.breaker.Execute(func() (notify.DeliveryResult, error) {
			return notifier.Send(ctx, target, payload)
		})
		if err == nil {
			return nil
		}
		lastErr = err
	}

	if !tried {
		return fmt.Errorf("caretaker %s has no reachable channel", caretaker.ID)
	}
	return lastErr
}
