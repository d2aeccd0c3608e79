package notify

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/medalert/medalert/internal/schedule"
)

// Reminder kinds. Advance reminders fire before the dose time, exact
// reminders at it.
const (
	KindAdvance = "advance"
	KindExact   = "exact"
)

// Target identifies the recipient on a specific channel.
type Target struct {
	PatientID      string
	TelegramChatID int64
	DiscordUserID  string
}

// Payload is one reminder to deliver. Message, when set, overrides the
// rendered reminder text; escalation alerts use it.
type Payload struct {
	Kind     string
	Dose     schedule.DoseInstance
	LeadTime time.Duration // only set for advance reminders
	Message  string
}

// Text renders the reminder message shared by all channels.
func (p Payload) Text() string {
	if p.Message != "" {
		return p.Message
	}

	when := p.Dose.ScheduledAt.Format("3:04 PM")

	var msg string
	if p.Kind == KindAdvance {
		msg = fmt.Sprintf("⏰ Upcoming: %s at %s", p.Dose.Name, when)
	} else {
		msg = fmt.Sprintf("💊 Time for your medication: %s", p.Dose.Name)
	}

	if p.Dose.TabletCount > 0 {
		unit := "tablet"
		if p.Dose.TabletCount > 1 {
			unit = "tablets"
		}
		msg += fmt.Sprintf("\nTake %d %s", p.Dose.TabletCount, unit)
	}
	if p.Dose.FoodTiming != "" {
		msg += fmt.Sprintf(" (%s food)", p.Dose.FoodTiming)
	}
	if p.Dose.Instructions != "" {
		msg += "\n" + p.Dose.Instructions
	}

	return msg
}

// DeliveryResult reports a completed send.
type DeliveryResult struct {
	Channel   string
	MessageID string
	SentAt    time.Time
}

// Notifier delivers reminders on one channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, target Target, payload Payload) (DeliveryResult, error)
}

// RateLimited wraps a Notifier with a token-bucket limiter so bursts of due
// doses cannot trip provider rate limits.
type RateLimited struct {
	inner   Notifier
	limiter *rate.Limiter
}

// NewRateLimited allows perMinute sends per minute with the given burst.
func NewRateLimited(inner Notifier, perMinute, burst int) *RateLimited {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
	}
}

func (r *RateLimited) Name() string { return r.inner.Name() }

func (r *RateLimited) Send(ctx context.Context, target Target, payload Payload) (DeliveryResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return DeliveryResult{}, err
	}
	return r.inner.Send(ctx, target, payload)
}
