package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/medalert/medalert/internal/adherence"
	"github.com/medalert/medalert/internal/api"
	"github.com/medalert/medalert/internal/channels/discord"
	"github.com/medalert/medalert/internal/channels/local"
	"github.com/medalert/medalert/internal/channels/telegram"
	"github.com/medalert/medalert/internal/config"
	"github.com/medalert/medalert/internal/dispatch"
	"github.com/medalert/medalert/internal/escalate"
	"github.com/medalert/medalert/internal/notify"
	"github.com/medalert/medalert/internal/schedule"
	"github.com/medalert/medalert/internal/store"
	"github.com/medalert/medalert/internal/syncer"
)

// App wires the adherence engine together: store, calendar, syncer,
// per-channel dispatchers, escalator, and the HTTP API.
type App struct {
	Config      *config.Config
	Store       *store.Store
	Logger      *zap.Logger
	Holder      *schedule.Holder
	Syncer      *syncer.Syncer
	Escalator   *escalate.Escalator
	TelegramBot *telegram.Bot
	DiscordBot  *discord.Bot
	Alarms      *local.Registry
	Dispatchers []*dispatch.Dispatcher
	Version     string
}

// New creates an application shell. RunServer does the wiring.
func New(cfg *config.Config, st *store.Store, logger *zap.Logger, version string) *App {
	return &App{
		Config:  cfg,
		Store:   st,
		Logger:  logger,
		Version: version,
	}
}

// storeResolver maps patients to their channel identifiers.
type storeResolver struct {
	store *store.Store
}

func (r *storeResolver) Resolve(patientID string) (notify.Target, error) {
	p, err := r.store.GetPatient(patientID)
	if err != nil {
		return notify.Target{}, err
	}
	return notify.Target{
		PatientID:      p.ID,
		TelegramChatID: p.TelegramChatID,
		DiscordUserID:  p.DiscordUserID,
	}, nil
}

// RunServer wires and starts every component, then blocks until SIGINT or
// SIGTERM and shuts them down in reverse order.
func (app *App) RunServer() {
	cfg := app.Config

	calc := schedule.NewCalculator(cfg.Schedule.DefaultDurationDays, cfg.Schedule.DefaultSlot)
	app.Holder = schedule.NewHolder()

	reconciler := adherence.NewReconciler(time.Duration(cfg.Adherence.MatchWindowMins) * time.Minute)
	adherenceSvc := adherence.NewService(app.Store, app.Holder, reconciler, app.Logger)

	app.Alarms = local.NewRegistry(func(dose schedule.DoseInstance) {
		app.Logger.Info("Alarm ringing",
			zap.String("dose_id", dose.ID),
			zap.String("medication", dose.Name),
		)
	}, app.Logger)

	app.Syncer = syncer.New(
		syncer.NewStoreSource(app.Store),
		app.Store,
		calc,
		app.Holder,
		app.Alarms,
		syncer.Options{
			Interval:   time.Duration(cfg.Sync.IntervalMins) * time.Minute,
			MaxBackoff: time.Duration(cfg.Sync.MaxBackoffMins) * time.Minute,
		},
		app.Logger,
	)

	resolver := &storeResolver{store: app.Store}
	dispatchOpts := dispatch.Options{
		Tick:        time.Duration(cfg.Dispatch.TickSeconds) * time.Second,
		AdvanceLead: time.Duration(cfg.Dispatch.AdvanceLeadMins) * time.Minute,
		SendTimeout: time.Duration(cfg.Dispatch.SendTimeoutSecs) * time.Second,
	}

	// Each channel gets its own dispatcher and ledger. Remote channels share
	// the relational ledger; the local alarm channel uses the badger ledger.
	channels := make(map[string]notify.Notifier)

	if cfg.Channels.Telegram.Enabled {
		bot, err := telegram.NewBot(telegram.Config{
			Token:   cfg.Channels.Telegram.BotToken,
			Enabled: true,
		}, app.Store, adherenceSvc, app.Holder, app.Logger)
		if err != nil {
			app.Logger.Error("Failed to create Telegram bot", zap.Error(err))
		} else {
			app.TelegramBot = bot
			limited := notify.NewRateLimited(bot, cfg.Dispatch.SendRatePerMin, cfg.Dispatch.SendBurst)
			channels["telegram"] = limited
			app.Dispatchers = append(app.Dispatchers, dispatch.New(
				app.Holder,
				dispatch.NewGormLedger(app.Store.DB()),
				limited,
				resolver,
				dispatchOpts,
				app.Logger,
			))
		}
	}

	if cfg.Channels.Discord.Enabled {
		bot, err := discord.NewBot(discord.Config{
			Token:   cfg.Channels.Discord.Token,
			Enabled: true,
		}, app.Store, adherenceSvc, app.Holder, app.Logger)
		if err != nil {
			app.Logger.Error("Failed to create Discord bot", zap.Error(err))
		} else {
			app.DiscordBot = bot
			limited := notify.NewRateLimited(bot, cfg.Dispatch.SendRatePerMin, cfg.Dispatch.SendBurst)
			channels["discord"] = limited
			app.Dispatchers = append(app.Dispatchers, dispatch.New(
				app.Holder,
				dispatch.NewGormLedger(app.Store.DB()),
				limited,
				resolver,
				dispatchOpts,
				app.Logger,
			))
		}
	}

	if cfg.Channels.Local.Enabled {
		channels["local"] = app.Alarms
		app.Dispatchers = append(app.Dispatchers, dispatch.New(
			app.Holder,
			dispatch.NewBadgerLedger(app.Store.Badger()),
			app.Alarms,
			resolver,
			dispatchOpts,
			app.Logger,
		))
	}

	app.Escalator = escalate.New(app.Store, adherenceSvc, channels, escalate.Options{
		CheckInterval: time.Duration(cfg.Escalate.CheckIntervalMins) * time.Minute,
		Lookback:      time.Duration(cfg.Escalate.LookbackHours) * time.Hour,
		SendTimeout:   time.Duration(cfg.Dispatch.SendTimeoutSecs) * time.Second,
	}, app.Logger)

	server := api.New(cfg, app.Store, adherenceSvc, app.Holder, calc, app.Syncer, app.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first sync builds the calendar before any dispatcher ticks.
	if err := app.Syncer.Start(ctx); err != nil {
		app.Logger.Fatal("Failed to start syncer", zap.Error(err))
	}

	if app.TelegramBot != nil {
		if err := app.TelegramBot.Start(); err != nil {
			app.Logger.Error("Failed to start Telegram bot", zap.Error(err))
		} else {
			app.Logger.Info("Telegram bot started")
		}
	}

	if app.DiscordBot != nil {
		if err := app.DiscordBot.Start(); err != nil {
			app.Logger.Error("Failed to start Discord bot", zap.Error(err))
		} else {
			app.Logger.Info("Discord bot started")
		}
	}

	for _, d := range app.Dispatchers {
		if err := d.Start(ctx); err != nil {
			app.Logger.Error("Failed to start dispatcher",
				zap.String("channel", d.Channel()),
				zap.Error(err),
			)
		}
	}

	if err := app.Escalator.Start(ctx); err != nil {
		app.Logger.Error("Failed to start escalator", zap.Error(err))
	}

	go func() {
		if err := server.Start(); err != nil {
			app.Logger.Fatal("Server error", zap.Error(err))
		}
	}()

	app.Logger.Info("Server started",
		zap.String("address", cfg.Server.Address),
		zap.Int("port", cfg.Server.Port),
		zap.String("url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port)),
		zap.Int("channels", len(channels)),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.Logger.Info("Shutting down...")

	if err := app.Escalator.Stop(); err != nil {
		app.Logger.Error("Escalator shutdown error", zap.Error(err))
	}

	for _, d := range app.Dispatchers {
		if err := d.Stop(); err != nil {
			app.Logger.Error("Dispatcher shutdown error",
				zap.String("channel", d.Channel()),
				zap.Error(err),
			)
		}
	}

	if app.TelegramBot != nil {
		app.TelegramBot.Stop()
	}

	if app.DiscordBot != nil {
		if err := app.DiscordBot.Stop(); err != nil {
			app.Logger.Error("Discord shutdown error", zap.Error(err))
		}
	}

	if err := app.Syncer.Stop(); err != nil {
		app.Logger.Error("Syncer shutdown error", zap.Error(err))
	}

	app.Alarms.Close()

	if err := server.Shutdown(); err != nil {
		app.Logger.Error("Server shutdown error", zap.Error(err))
	}

	if err := app.Store.Close(); err != nil {
		app.Logger.Error("Store close error", zap.Error(err))
	}
}
