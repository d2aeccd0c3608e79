package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/medalert/medalert/internal/metrics"
	"github.com/medalert/medalert/internal/notify"
	"github.com/medalert/medalert/internal/schedule"
)

// CalendarSource exposes the live dose calendar snapshot.
type CalendarSource interface {
	Current() *schedule.Calendar
}

// TargetResolver maps a patient to their delivery target on this channel.
type TargetResolver interface {
	Resolve(patientID string) (notify.Target, error)
}

// Options configures a Dispatcher.
type Options struct {
	Tick        time.Duration // poll interval
	AdvanceLead time.Duration // how far before the dose the advance reminder fires
	SendTimeout time.Duration // per-delivery timeout
}

// Dispatcher polls the calendar and delivers due reminders on one channel.
// Each channel runs its own dispatcher with its own ledger; the ledger, not
// coordination between dispatchers, provides the at-most-once guarantee.
type Dispatcher struct {
	channel  string
	opts     Options
	calendar CalendarSource
	ledger   Ledger
	notifier notify.Notifier
	targets  TargetResolver
	logger   *zap.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a dispatcher for one channel.
func New(calendar CalendarSource, ledger Ledger, notifier notify.Notifier, targets TargetResolver, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.Tick <= 0 {
		opts.Tick = time.Minute
	}
	if opts.AdvanceLead < 0 {
		opts.AdvanceLead = 0
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}

	return &Dispatcher{
		channel:  notifier.Name(),
		opts:     opts,
		calendar: calendar,
		ledger:   ledger,
		notifier: notifier,
		targets:  targets,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Channel returns the channel name this dispatcher serves.
func (d *Dispatcher) Channel() string { return d.channel }

// Start starts the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	d.logger.Info("Starting dispatcher",
		zap.String("channel", d.channel),
		zap.Duration("tick", d.opts.Tick),
		zap.Duration("advance_lead", d.opts.AdvanceLead),
	)

	d.wg.Add(1)
	go d.run(ctx)

	return nil
}

// Stop stops the dispatch loop and waits for in-flight sends.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Dispatcher stopped", zap.String("channel", d.channel))

	return nil
}

// IsRunning returns true if the dispatch loop is active.
func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// run is the main dispatch loop.
func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.Tick)
	defer ticker.Stop()

	// Check immediately on start
	d.Tick(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher context cancelled", zap.String("channel", d.channel))
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one dispatch pass for the given wall-clock time. Exposed so the
// loop and tests share the same path; extra or duplicate ticks are harmless
// because the ledger dedupes every send.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic in dispatch tick", zap.Any("recover", r))
		}
	}()

	metrics.RecordTick()

	cal := d.calendar.Current()
	if cal == nil || cal.Len() == 0 {
		return
	}

	// The window trails by two ticks so a slow pass cannot skip a dose.
	// Anything already sent conflicts on the ledger and is dropped.
	grace := 2 * d.opts.Tick

	for _, dose := range cal.DueWindow(now.Add(-grace), now.Add(time.Nanosecond)) {
		d.deliver(ctx, dose, notify.KindExact, now)
	}

	if d.opts.AdvanceLead > 0 {
		from := now.Add(d.opts.AdvanceLead).Add(-grace)
		to := now.Add(d.opts.AdvanceLead).Add(time.Nanosecond)
		for _, dose := range cal.DueWindow(from, to) {
			d.deliver(ctx, dose, notify.KindAdvance, now)
		}
	}
}

// deliver claims, sends, and rolls the claim back on failure.
func (d *Dispatcher) deliver(ctx context.Context, dose schedule.DoseInstance, kind string, now time.Time) {
	won, err := d.ledger.Claim(dose.ID, d.channel, kind, now)
	if err != nil {
		d.logger.Error("Ledger claim failed",
			zap.String("dose_id", dose.ID),
			zap.String("channel", d.channel),
			zap.Error(err),
		)
		return
	}
	metrics.RecordClaim(won)
	if !won {
		return
	}

	target, err := d.targets.Resolve(dose.PatientID)
	if err != nil {
		// No target on this channel is not a delivery failure; the claim
		// stands so the dose is not retried forever.
		d.logger.Debug("No delivery target",
			zap.String("patient_id", dose.PatientID),
			zap.String("channel", d.channel),
		)
		return
	}

	payload := notify.Payload{Kind: kind, Dose: dose}
	if kind == notify.KindAdvance {
		payload.LeadTime = d.opts.AdvanceLead
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()

	if _, err := d.notifier.Send(sendCtx, target, payload); err != nil {
		metrics.RecordReminder(false)
		d.logger.Warn("Reminder delivery failed",
			zap.String("dose_id", dose.ID),
			zap.String("channel", d.channel),
			zap.String("kind", kind),
			zap.Error(err),
		)

		if relErr := d.ledger.Release(dose.ID, d.channel, kind); relErr != nil {
			d.logger.Error("Failed to release claim after send failure",
				zap.String("dose_id", dose.ID),
				zap.Error(relErr),
			)
		} else {
			metrics.RecordClaimReleased()
		}
		return
	}

	metrics.RecordReminder(true)
	metrics.RecordChannelSend(d.channel)
	d.logger.Info("Reminder sent",
		zap.String("dose_id", dose.ID),
		zap.String("channel", d.channel),
		zap.String("kind", kind),
		zap.String("medication", dose.Name),
	)
}
