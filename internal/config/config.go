package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the MedAlert adherence engine
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Adherence AdherenceConfig `mapstructure:"adherence"`
	Escalate  EscalateConfig  `mapstructure:"escalate"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Security  SecurityConfig  `mapstructure:"security"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address      string `mapstructure:"address"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
	BadgerPath string `mapstructure:"badger_path"`
}

// ScheduleConfig holds dose calendar settings
type ScheduleConfig struct {
	DefaultDurationDays int    `mapstructure:"default_duration_days"`
	DefaultSlot         string `mapstructure:"default_slot"`
	Timezone            string `mapstructure:"timezone"`
}

// DispatchConfig holds reminder dispatch settings
type DispatchConfig struct {
	TickSeconds     int `mapstructure:"tick_seconds"`
	AdvanceLeadMins int `mapstructure:"advance_lead_mins"`
	SendTimeoutSecs int `mapstructure:"send_timeout_secs"`
	SendRatePerMin  int `mapstructure:"send_rate_per_min"`
	SendBurst       int `mapstructure:"send_burst"`
}

// AdherenceConfig holds reconciliation settings
type AdherenceConfig struct {
	MatchWindowMins int `mapstructure:"match_window_mins"`
}

// EscalateConfig holds caretaker escalation settings
type EscalateConfig struct {
	CheckIntervalMins int `mapstructure:"check_interval_mins"`
	LookbackHours     int `mapstructure:"lookback_hours"`
}

// SyncConfig holds medication sync settings
type SyncConfig struct {
	IntervalMins   int `mapstructure:"interval_mins"`
	MaxBackoffMins int `mapstructure:"max_backoff_mins"`
}

// ChannelsConfig holds reminder channel settings
type ChannelsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Local    LocalConfig    `mapstructure:"local"`
}

// TelegramConfig holds Telegram channel settings
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
}

// DiscordConfig holds Discord channel settings
type DiscordConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

// LocalConfig holds local alarm channel settings
type LocalConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SecurityConfig holds security settings
type SecurityConfig struct {
	JWTSecret    string   `mapstructure:"jwt_secret"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// Load loads configuration from file, env, and defaults
func Load(configPath, dataDir string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if dataDir == "" {
		dataDir = getDefaultDataDir()
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	v.Set("storage.data_dir", dataDir)
	v.Set("storage.sqlite_path", filepath.Join(dataDir, "medalert.db"))
	v.Set("storage.badger_path", filepath.Join(dataDir, "badger"))

	if configPath == "" {
		configPath = filepath.Join(dataDir, "medalert.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Environment variables (MEDALERT_SERVER_PORT, MEDALERT_CHANNELS_TELEGRAM_BOT_TOKEN, etc.)
	v.SetEnvPrefix("MEDALERT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	loadEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	// Schedule defaults
	v.SetDefault("schedule.default_duration_days", 7)
	v.SetDefault("schedule.default_slot", "08:00")
	v.SetDefault("schedule.timezone", "Local")

	// Dispatch defaults
	v.SetDefault("dispatch.tick_seconds", 60)
	v.SetDefault("dispatch.advance_lead_mins", 30)
	v.SetDefault("dispatch.send_timeout_secs", 10)
	v.SetDefault("dispatch.send_rate_per_min", 60)
	v.SetDefault("dispatch.send_burst", 10)

	// Adherence defaults
	v.SetDefault("adherence.match_window_mins", 120)

	// Escalation defaults
	v.SetDefault("escalate.check_interval_mins", 5)
	v.SetDefault("escalate.lookback_hours", 24)

	// Sync defaults
	v.SetDefault("sync.interval_mins", 5)
	v.SetDefault("sync.max_backoff_mins", 60)

	// Channel defaults
	v.SetDefault("channels.local.enabled", true)

	// Security defaults
	v.SetDefault("security.allow_origins", []string{"*"})
}

func getDefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "medalert")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}

	return filepath.Join(home, ".local", "share", "medalert")
}

// loadEnvOverrides loads specific env vars that Viper doesn't handle well when
// the config file is absent
func loadEnvOverrides(cfg *Config) {
	getEnv := func(key, fallback string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		return fallback
	}

	cfg.Server.Address = getEnv("MEDALERT_SERVER_ADDRESS", cfg.Server.Address)
	if port := os.Getenv("MEDALERT_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	cfg.Storage.DataDir = getEnv("MEDALERT_STORAGE_DATA_DIR", cfg.Storage.DataDir)

	if token := os.Getenv("MEDALERT_CHANNELS_TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Channels.Telegram.BotToken = token
		cfg.Channels.Telegram.Enabled = true
	}
	if token := os.Getenv("MEDALERT_CHANNELS_DISCORD_TOKEN"); token != "" {
		cfg.Channels.Discord.Token = token
		cfg.Channels.Discord.Enabled = true
	}

	cfg.Security.JWTSecret = getEnv("MEDALERT_SECURITY_JWT_SECRET", cfg.Security.JWTSecret)
}

func validate(cfg *Config) error {
	if cfg.Dispatch.TickSeconds <= 0 {
		return fmt.Errorf("dispatch.tick_seconds must be positive")
	}
	if cfg.Adherence.MatchWindowMins <= 0 {
		return fmt.Errorf("adherence.match_window_mins must be positive")
	}
	if cfg.Sync.IntervalMins <= 0 {
		return fmt.Errorf("sync.interval_mins must be positive")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.BotToken == "" {
		return fmt.Errorf("channels.telegram.bot_token is required when telegram is enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		return fmt.Errorf("channels.discord.token is required when discord is enabled")
	}

	// Generate JWT secret if not provided
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = generateRandomString(32)
	}

	return nil
}

func generateRandomString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return string(b)
}
