package app

import (
	"fmt"
	"strings"
	"time"

	"mapbot/internal/bot"
	"mapbot/internal/config"
	"mapbot/internal/maintenance"
	"mapbot/internal/storage"
	"mapbot/internal/uploader"
	logx "mapbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	path := strings.TrimSpace(cfg.Storage.Path)
	switch driver {
	case "", "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
}

func newUploader(cfg *config.Config, t config.Timings, log logx.Logger) *uploader.Uploader {
	return uploader.New(uploader.Options{
		BaseURL:        cfg.Upload.BaseURL,
		MaxAttempts:    cfg.Upload.MaxAttempts,
		BaseDelay:      t.BaseDelay,
		DelayStep:      t.DelayStep,
		RequestTimeout: t.RequestTimeout,
		Log:            log.With(logx.String("comp", "uploader")),
	})
}

func botSettings(cfg *config.Config) bot.Settings {
	return bot.Settings{
		Admins:      cfg.Telegram.AdminUserIDs,
		MaxFileSize: cfg.Upload.MaxFileSize,
		Workers:     cfg.Telegram.Workers,
		Location:    displayLocation(cfg),
	}
}

func maintenanceConfig(cfg *config.Config) maintenance.Config {
	return maintenance.Config{
		Spec:     cfg.Maintenance.RecipientSync,
		Timezone: cfg.Maintenance.Timezone,
	}
}

// displayLocation is used for /list timestamps; it follows
// maintenance.timezone and falls back to the host zone.
func displayLocation(cfg *config.Config) *time.Location {
	if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}

// warnNoAdmins flags a config where admin commands are unusable.
func warnNoAdmins(log logx.Logger, cfg *config.Config) bool {
	if len(cfg.Telegram.AdminUserIDs) > 0 {
		return false
	}
	log.Warn("telegram.admin_user_ids is empty; /message and /stats are disabled")
	return true
}
