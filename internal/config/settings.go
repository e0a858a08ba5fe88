package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "mapbot/pkg/logx"
)

const (
	DefaultUploadBaseURL  = "https://api.facepunch.com/api/public/rust-map-upload"
	DefaultMaxAttempts    = 10
	DefaultBaseDelay      = time.Second
	DefaultDelayStep      = 5 * time.Second
	DefaultRequestTimeout = 2 * time.Minute
	DefaultMaxFileSize    = 20 << 20

	DefaultBroadcastDelay = 50 * time.Millisecond
	DefaultProgressEvery  = 10
	DefaultConfirmTTL     = 5 * time.Minute
	DefaultPollTimeout    = 10 * time.Second
	DefaultWorkers        = 4

	DefaultRecipientSync = "@every 6h"
	DefaultPluginAuthor  = "RustGPT"
	DefaultPluginVersion = "1.0.0"
)

// ApplyDefaults fills zero values. It is idempotent.
//
// telegram.admin_user_ids has no default: an empty list means nobody can
// run admin commands.
func (c *Config) ApplyDefaults() {
	if c.Telegram.Workers <= 0 {
		c.Telegram.Workers = DefaultWorkers
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Upload.BaseURL) == "" {
		c.Upload.BaseURL = DefaultUploadBaseURL
	}
	if c.Upload.MaxAttempts <= 0 {
		c.Upload.MaxAttempts = DefaultMaxAttempts
	}
	if c.Upload.MaxFileSize <= 0 {
		c.Upload.MaxFileSize = DefaultMaxFileSize
	}
	if c.Broadcast.ProgressEvery <= 0 {
		c.Broadcast.ProgressEvery = DefaultProgressEvery
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "file"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		if strings.EqualFold(c.Storage.Driver, "sqlite") {
			c.Storage.Path = "./data/mapbot.db"
		} else {
			c.Storage.Path = "./data"
		}
	}
	if strings.TrimSpace(c.Maintenance.RecipientSync) == "" {
		c.Maintenance.RecipientSync = DefaultRecipientSync
	}
	if strings.TrimSpace(c.Plugin.Author) == "" {
		c.Plugin.Author = DefaultPluginAuthor
	}
	if strings.TrimSpace(c.Plugin.Version) == "" {
		c.Plugin.Version = DefaultPluginVersion
	}
}

// Validate reports every problem it finds, joined.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.token: required (or set %s)", EnvToken))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if !logx.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.Telegram.MinLevel != "" && !logx.ValidLevel(c.Logging.Telegram.MinLevel) {
		errs = append(errs, fmt.Errorf("logging.telegram.min_level: unknown level %q", c.Logging.Telegram.MinLevel))
	}
	if !strings.HasPrefix(c.Upload.BaseURL, "http://") && !strings.HasPrefix(c.Upload.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("upload.base_url: must be an http(s) URL"))
	}
	for path, raw := range map[string]string{
		"upload.base_delay":      c.Upload.BaseDelay,
		"upload.delay_step":      c.Upload.DelayStep,
		"upload.request_timeout": c.Upload.RequestTimeout,
		"broadcast.delay":        c.Broadcast.Delay,
		"confirm.ttl":            c.Confirm.TTL,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
	}
	if spec := strings.TrimSpace(c.Maintenance.RecipientSync); spec != "" && !strings.EqualFold(spec, "off") {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.recipient_sync: %w", err))
		}
	}
	if tz := strings.TrimSpace(c.Maintenance.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Timings holds the parsed duration fields with defaults applied.
type Timings struct {
	PollTimeout    time.Duration
	BaseDelay      time.Duration
	DelayStep      time.Duration
	RequestTimeout time.Duration
	BroadcastDelay time.Duration
	ConfirmTTL     time.Duration
}

// Timings parses the duration fields. Call after Validate.
func (c *Config) Timings() (Timings, error) {
	var (
		t   Timings
		err error
	)
	if t.PollTimeout, err = ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, DefaultPollTimeout); err != nil {
		return t, err
	}
	if t.BaseDelay, err = ParseDurationOrDefault("upload.base_delay", c.Upload.BaseDelay, DefaultBaseDelay); err != nil {
		return t, err
	}
	if t.DelayStep, err = ParseDurationOrDefault("upload.delay_step", c.Upload.DelayStep, DefaultDelayStep); err != nil {
		return t, err
	}
	if t.RequestTimeout, err = ParseDurationOrDefault("upload.request_timeout", c.Upload.RequestTimeout, DefaultRequestTimeout); err != nil {
		return t, err
	}
	if t.BroadcastDelay, err = ParseDurationOrDefault("broadcast.delay", c.Broadcast.Delay, DefaultBroadcastDelay); err != nil {
		return t, err
	}
	if t.ConfirmTTL, err = ParseDurationOrDefault("confirm.ttl", c.Confirm.TTL, DefaultConfirmTTL); err != nil {
		return t, err
	}
	return t, nil
}

// LogConfig maps the logging section onto logx.Config.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    c.Logging.Telegram.Enabled,
			ThreadID:   c.Logging.Telegram.ThreadID,
			MinLevel:   c.Logging.Telegram.MinLevel,
			RatePerSec: c.Logging.Telegram.RatePerSec,
		},
	}
}

// IsAdmin reports whether userID is listed in telegram.admin_user_ids.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Telegram.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
