// Package discord delivers medication reminders over Discord DMs.
package discord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/medalert/medalert/internal/adherence"
	"github.com/medalert/medalert/internal/notify"
	"github.com/medalert/medalert/internal/store"
)

// Config holds Discord bot configuration
type Config struct {
	Token   string
	Enabled bool
}

// Bot represents a Discord bot instance
type Bot struct {
	session   *discordgo.Session
	store     *store.Store
	adherence *adherence.Service
	calendar  adherence.CalendarSource
	config    Config
	logger    *zap.Logger
	enabled   bool
}

// NewBot creates a new Discord bot
func NewBot(cfg Config, st *store.Store, svc *adherence.Service, calendar adherence.CalendarSource, logger *zap.Logger) (*Bot, error) {
	if !cfg.Enabled || cfg.Token == "" {
		return &Bot{enabled: false}, nil
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	bot := &Bot{
		session:   session,
		store:     st,
		adherence: svc,
		calendar:  calendar,
		config:    cfg,
		logger:    logger,
		enabled:   true,
	}

	// Register handlers
	session.AddHandler(bot.messageCreate)
	session.AddHandler(bot.ready)

	// DMs only: reminders go to the patient directly
	session.Identify.Intents = discordgo.IntentsDirectMessages

	return bot, nil
}

// Enabled reports whether the bot is configured.
func (b *Bot) Enabled() bool { return b.enabled }

// Name implements notify.Notifier.
func (b *Bot) Name() string { return "discord" }

// Send implements notify.Notifier by DMing the patient.
func (b *Bot) Send(ctx context.Context, target notify.Target, payload notify.Payload) (notify.DeliveryResult, error) {
	if !b.enabled {
		return notify.DeliveryResult{}, fmt.Errorf("discord channel not configured")
	}
	if target.DiscordUserID == "" {
		return notify.DeliveryResult{}, fmt.Errorf("patient %s has no discord user", target.PatientID)
	}

	channel, err := b.session.UserChannelCreate(target.DiscordUserID)
	if err != nil {
		return notify.DeliveryResult{}, fmt.Errorf("failed to open DM channel: %w", err)
	}

	text := payload.Text()
	if payload.Kind == notify.KindExact && payload.Dose.ID != "" {
		text += "\n\nReply `taken` or `skip` to record this dose."
	}

	msg, err := b.session.ChannelMessageSend(channel.ID, text)
	if err != nil {
		return notify.DeliveryResult{}, fmt.Errorf("discord send failed: %w", err)
	}

	return notify.DeliveryResult{
		Channel:   "discord",
		MessageID: msg.ID,
		SentAt:    time.Now(),
	}, nil
}

// Start starts the Discord bot
func (b *Bot) Start() error {
	if !b.enabled {
		return nil
	}

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord connection: %w", err)
	}

	b.logger.Info("Discord bot started",
		zap.String("username", b.session.State.User.Username),
	)

	return nil
}

// Stop stops the Discord bot
func (b *Bot) Stop() error {
	if !b.enabled {
		return nil
	}
	return b.session.Close()
}

// ready is called when the bot is ready
func (b *Bot) ready(s *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("Discord bot ready",
		zap.String("username", s.State.User.Username),
		zap.Int("guilds", len(event.Guilds)),
	)
}

// messageCreate handles incoming DMs. A bare "taken" or "skip" records the
// patient's most recent due dose.
func (b *Bot) messageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore bot's own messages and anything outside DMs
	if m.Author.ID == s.State.User.ID || m.GuildID != "" {
		return
	}

	content := strings.ToLower(strings.TrimSpace(m.Content))

	switch content {
	case "taken", "took", "done":
		b.recordAction(s, m, adherence.ActionTaken)
	case "skip", "skipped":
		b.recordAction(s, m, adherence.ActionSkipped)
	case "doses", "upcoming":
		b.sendUpcoming(s, m)
	case "help":
		s.ChannelMessageSend(m.ChannelID, `**MedAlert**

Reply to a reminder with:
• `+"`taken`"+` - record the dose as taken
• `+"`skip`"+` - record the dose as skipped
• `+"`doses`"+` - list your upcoming doses`)
	}
}

// recordAction matches the reply to the patient's nearest dose of the day.
func (b *Bot) recordAction(s *discordgo.Session, m *discordgo.MessageCreate, action string) {
	patient, err := b.store.GetPatientByDiscord(m.Author.ID)
	if err != nil {
		s.ChannelMessageSend(m.ChannelID, "This account is not linked to a patient yet.")
		return
	}

	// A bare reply names no dose; bind it to the closest dose of the day
	doseID, medicationID := b.nearestDose(patient.ID, time.Now())
	if doseID == "" {
		s.ChannelMessageSend(m.ChannelID, "No dose scheduled today.")
		return
	}

	if _, err := b.adherence.RecordAction(patient.ID, medicationID, doseID, action, "discord", time.Now()); err != nil {
		b.logger.Error("Failed to record adherence from discord", zap.Error(err))
		s.ChannelMessageSend(m.ChannelID, "❌ Failed to record, please try again.")
		return
	}

	ack := "✅ Recorded as taken."
	if action == adherence.ActionSkipped {
		ack = "⏭ Recorded as skipped."
	}
	s.ChannelMessageSend(m.ChannelID, ack)
}

func (b *Bot) sendUpcoming(s *discordgo.Session, m *discordgo.MessageCreate) {
	patient, err := b.store.GetPatientByDiscord(m.Author.ID)
	if err != nil {
		s.ChannelMessageSend(m.ChannelID, "This account is not linked to a patient yet.")
		return
	}

	doses := b.calendar.Current().UpcomingForPatient(patient.ID, time.Now(), 24*time.Hour)
	if len(doses) == 0 {
		s.ChannelMessageSend(m.ChannelID, "No doses scheduled in the next 24 hours.")
		return
	}

	var sb strings.Builder
	sb.WriteString("**Upcoming doses:**\n")
	for _, dose := range doses {
		fmt.Fprintf(&sb, "• %s — %s (%s)\n", dose.ScheduledAt.Format("Mon 3:04 PM"), dose.Name, dose.Label)
	}
	s.ChannelMessageSend(m.ChannelID, sb.String())
}

// nearestDose finds the patient's dose closest to now, today.
func (b *Bot) nearestDose(patientID string, now time.Time) (doseID, medicationID string) {
	var bestDelta time.Duration
	for _, d := range b.calendar.Current().DayView(patientID, now) {
		delta := now.Sub(d.ScheduledAt)
		if delta < 0 {
			delta = -delta
		}
		if doseID == "" || delta < bestDelta {
			doseID = d.ID
			medicationID = d.MedicationID
			bestDelta = delta
		}
	}
	return doseID, medicationID
}
