package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/medalert/medalert/internal/adherence"
	"github.com/medalert/medalert/internal/notify"
	"github.com/medalert/medalert/internal/schedule"
	"github.com/medalert/medalert/internal/store"
)

// Bot delivers medication reminders over Telegram and records the patient's
// response from the inline buttons.
type Bot struct {
	api       *tgbotapi.BotAPI
	store     *store.Store
	adherence *adherence.Service
	calendar  adherence.CalendarSource
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	enabled   bool
}

// Config holds Telegram bot configuration
type Config struct {
	Token   string
	Enabled bool
}

// NewBot creates a new Telegram bot
func NewBot(cfg Config, st *store.Store, svc *adherence.Service, calendar adherence.CalendarSource, logger *zap.Logger) (*Bot, error) {
	if !cfg.Enabled || cfg.Token == "" {
		return &Bot{enabled: false}, nil
	}

	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	api.Debug = false
	logger.Info("Telegram bot authorized", zap.String("username", api.Self.UserName))

	ctx, cancel := context.WithCancel(context.Background())

	return &Bot{
		api:       api,
		store:     st,
		adherence: svc,
		calendar:  calendar,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		enabled:   true,
	}, nil
}

// Enabled reports whether the bot is configured.
func (b *Bot) Enabled() bool { return b.enabled }

// Name implements notify.Notifier.
func (b *Bot) Name() string { return "telegram" }

// Send implements notify.Notifier. Dose reminders carry Taken/Skip buttons;
// escalation alerts are plain messages.
func (b *Bot) Send(ctx context.Context, target notify.Target, payload notify.Payload) (notify.DeliveryResult, error) {
	if !b.enabled {
		return notify.DeliveryResult{}, fmt.Errorf("telegram channel not configured")
	}
	if target.TelegramChatID == 0 {
		return notify.DeliveryResult{}, fmt.Errorf("patient %s has no telegram chat", target.PatientID)
	}

	msg := tgbotapi.NewMessage(target.TelegramChatID, payload.Text())

	if payload.Kind == notify.KindExact && payload.Dose.ID != "" {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("✅ Taken", "ack|taken|"+payload.Dose.ID),
				tgbotapi.NewInlineKeyboardButtonData("⏭ Skip", "ack|skipped|"+payload.Dose.ID),
			),
		)
	}

	sent, err := b.api.Send(msg)
	if err != nil {
		return notify.DeliveryResult{}, fmt.Errorf("telegram send failed: %w", err)
	}

	return notify.DeliveryResult{
		Channel:   "telegram",
		MessageID: strconv.Itoa(sent.MessageID),
		SentAt:    time.Now(),
	}, nil
}

// Start starts the update loop
func (b *Bot) Start() error {
	if !b.enabled {
		return nil
	}

	b.wg.Add(1)
	go b.run()

	return nil
}

// Stop stops the update loop
func (b *Bot) Stop() {
	if !b.enabled {
		return
	}

	b.cancel()
	b.wg.Wait()
}

func (b *Bot) run() {
	defer b.wg.Done()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.safeHandle(update)
		}
	}
}

// safeHandle keeps a panic in one update from killing the update loop.
func (b *Bot) safeHandle(update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic handling update", zap.Any("recover", r))
		}
	}()

	if err := b.handleUpdate(update); err != nil {
		b.logger.Error("Failed to handle update", zap.Error(err))
	}
}

func (b *Bot) handleUpdate(update tgbotapi.Update) error {
	if update.CallbackQuery != nil {
		return b.handleCallback(update.CallbackQuery)
	}

	if update.Message == nil {
		return nil
	}

	msg := update.Message
	if msg.IsCommand() {
		return b.handleCommand(msg)
	}

	return nil
}

// handleCallback records the patient's button press as an adherence event.
func (b *Bot) handleCallback(cb *tgbotapi.CallbackQuery) error {
	// Telegram omits Message when the source message is older than 48 hours
	if cb.Message == nil {
		b.answerCallback(cb.ID, "This reminder has expired")
		return nil
	}

	parts := strings.SplitN(cb.Data, "|", 3)
	if len(parts) != 3 || parts[0] != "ack" {
		return nil
	}
	action, doseID := parts[1], parts[2]

	medicationID, _, err := schedule.SplitDoseID(doseID)
	if err != nil {
		return err
	}

	patient, err := b.store.GetPatientByTelegram(cb.Message.Chat.ID)
	if err != nil {
		b.answerCallback(cb.ID, "Chat is not linked to a patient")
		return err
	}

	if _, err := b.adherence.RecordAction(patient.ID, medicationID, doseID, action, "telegram", time.Now()); err != nil {
		b.answerCallback(cb.ID, "Failed to record, please try again")
		return err
	}

	ack := "✅ Recorded as taken"
	if action == adherence.ActionSkipped {
		ack = "⏭ Recorded as skipped"
	}
	b.answerCallback(cb.ID, ack)

	// Replace the buttons with the recorded status
	edit := tgbotapi.NewEditMessageText(cb.Message.Chat.ID, cb.Message.MessageID,
		cb.Message.Text+"\n\n"+ack)
	_, err = b.api.Send(edit)
	return err
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) error {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		return b.sendMessage(chatID, `💊 *MedAlert*

I remind you when your medications are due and keep track of what you've taken.

Commands:
/doses - Your upcoming doses
/today - Today's schedule
/status - Service status`)

	case "doses":
		return b.sendUpcoming(chatID)

	case "today":
		return b.sendToday(chatID)

	case "status":
		return b.sendMessage(chatID, "✅ Reminders are running.")

	default:
		return b.sendMessage(chatID, "❓ Unknown command. Try /doses, /today, or /status.")
	}
}

func (b *Bot) sendUpcoming(chatID int64) error {
	patient, err := b.store.GetPatientByTelegram(chatID)
	if err != nil {
		return b.sendMessage(chatID, "This chat is not linked to a patient yet.")
	}

	doses := b.calendar.Current().UpcomingForPatient(patient.ID, time.Now(), 24*time.Hour)
	if len(doses) == 0 {
		return b.sendMessage(chatID, "No doses scheduled in the next 24 hours.")
	}

	var sb strings.Builder
	sb.WriteString("*Upcoming doses:*\n")
	for _, dose := range doses {
		fmt.Fprintf(&sb, "• %s — %s (%s)\n", dose.ScheduledAt.Format("Mon 3:04 PM"), dose.Name, dose.Label)
	}
	return b.sendMessage(chatID, sb.String())
}

func (b *Bot) sendToday(chatID int64) error {
	patient, err := b.store.GetPatientByTelegram(chatID)
	if err != nil {
		return b.sendMessage(chatID, "This chat is not linked to a patient yet.")
	}

	doses := b.calendar.Current().DayView(patient.ID, time.Now())
	if len(doses) == 0 {
		return b.sendMessage(chatID, "Nothing scheduled today.")
	}

	var sb strings.Builder
	sb.WriteString("*Today's schedule:*\n")
	for _, dose := range doses {
		fmt.Fprintf(&sb, "• %s — %s", dose.ScheduledAt.Format("3:04 PM"), dose.Name)
		if dose.TabletCount > 1 {
			fmt.Fprintf(&sb, " (%d tablets)", dose.TabletCount)
		}
		sb.WriteString("\n")
	}
	return b.sendMessage(chatID, sb.String())
}

func (b *Bot) answerCallback(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.logger.Warn("Failed to answer callback", zap.Error(err))
	}
}

func (b *Bot) sendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := b.api.Send(msg); err != nil {
		// Try without markdown if it fails
		msg.ParseMode = ""
		_, err = b.api.Send(msg)
		return err
	}

	return nil
}
