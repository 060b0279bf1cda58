package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the backend endpoint settings.
type ServerConfig struct {
	// URL is the JSON endpoint that accepts request envelopes.
	URL string `mapstructure:"url" yaml:"url"`

	// PushURL is the websocket endpoint for notifications. Empty disables
	// push and leaves notifications to the poller.
	PushURL string `mapstructure:"push_url" yaml:"push_url"`

	// TimeoutSec bounds a single round trip.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`

	// MaxRetries is how often a rate-limited request is retried.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// RateLimit is the maximum number of requests per second. Zero means
	// unlimited.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// Timeout returns TimeoutSec as a duration.
func (s ServerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

// AccountConfig identifies the user. The password lives in the keyring.
type AccountConfig struct {
	Username string `mapstructure:"username" yaml:"username"`

	// StoreID and InboxID are the entry ids of the default message store
	// and its inbox folder.
	StoreID string `mapstructure:"store_id" yaml:"store_id"`
	InboxID string `mapstructure:"inbox_id" yaml:"inbox_id"`
}

// CacheConfig controls the offline snapshot cache.
type CacheConfig struct {
	Path    string `mapstructure:"path" yaml:"path"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
}

// IMAPConfig configures the optional IMAP IDLE watcher.
type IMAPConfig struct {
	Host   string `mapstructure:"host" yaml:"host"`
	Port   int    `mapstructure:"port" yaml:"port"`
	TLS    bool   `mapstructure:"tls" yaml:"tls"`
	Folder string `mapstructure:"folder" yaml:"folder"`
}

// NotificationsConfig holds the notification channel settings.
type NotificationsConfig struct {
	// PollIntervalSec is how often (in seconds) the poller asks the
	// backend for pending notifications.
	PollIntervalSec int        `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	IMAP            IMAPConfig `mapstructure:"imap" yaml:"imap"`
}

// LoggingConfig holds the log level name understood by logrus.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Server        ServerConfig        `mapstructure:"server" yaml:"server"`
	Account       AccountConfig       `mapstructure:"account" yaml:"account"`
	Cache         CacheConfig         `mapstructure:"cache" yaml:"cache"`
	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications"`
	Logging       LoggingConfig       `mapstructure:"logging" yaml:"logging"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/gwclient/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "gwclient", "config.yaml")
}

// DefaultCachePath returns the default location of the snapshot database.
func DefaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "cache.db")
	}
	return filepath.Join(home, ".cache", "gwclient", "cache.db")
}

func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			TimeoutSec: 30,
			MaxRetries: 3,
			RateLimit:  10,
		},
		Cache: CacheConfig{
			Path:    DefaultCachePath(),
			Enabled: true,
		},
		Notifications: NotificationsConfig{
			PollIntervalSec: 60,
			IMAP: IMAPConfig{
				Port:   993,
				TLS:    true,
				Folder: "INBOX",
			},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func setDefaults(v *viper.Viper) {
	d := defaultAppConfig()
	v.SetDefault("server.timeout_sec", d.Server.TimeoutSec)
	v.SetDefault("server.max_retries", d.Server.MaxRetries)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("cache.path", d.Cache.Path)
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("notifications.poll_interval_sec", d.Notifications.PollIntervalSec)
	v.SetDefault("notifications.imap.port", d.Notifications.IMAP.Port)
	v.SetDefault("notifications.imap.tls", d.Notifications.IMAP.TLS)
	v.SetDefault("notifications.imap.folder", d.Notifications.IMAP.Folder)
	v.SetDefault("logging.level", d.Logging.Level)

	// Registered so AutomaticEnv can override keys absent from the file.
	v.SetDefault("server.url", "")
	v.SetDefault("server.push_url", "")
	v.SetDefault("account.username", "")
	v.SetDefault("account.store_id", "")
	v.SetDefault("account.inbox_id", "")
	v.SetDefault("notifications.imap.host", "")
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, defaults are used. Every key can be
// overridden from the environment with the GW_ prefix, for example
// GW_SERVER_URL.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("gw")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Notifications.PollIntervalSec <= 0 {
		cfg.Notifications.PollIntervalSec = 60
	}
	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("server", cfg.Server)
	v.Set("account", cfg.Account)
	v.Set("cache", cfg.Cache)
	v.Set("notifications", cfg.Notifications)
	v.Set("logging", cfg.Logging)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
