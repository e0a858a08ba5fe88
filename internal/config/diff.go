package config

import (
	"reflect"
	"strings"

	logx "mapbot/pkg/logx"
)

// SummarizeConfigChange returns the changed section names, safe structured
// attrs for logging (never the token), and whether the change needs a restart
// to take effect (token or storage).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)
	restart := false

	// Telegram (never log token)
	tokenChanged := strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token)
	if tokenChanged ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.AdminUserIDs, newCfg.Telegram.AdminUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		oldCfg.Telegram.Workers != newCfg.Telegram.Workers {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", tokenChanged),
			logx.Int("telegram.admin_count", len(newCfg.Telegram.AdminUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
		restart = restart || tokenChanged || oldCfg.Telegram.Workers != newCfg.Telegram.Workers
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Upload != newCfg.Upload {
		changed = append(changed, "upload")
		attrs = append(attrs,
			logx.Int("upload.max_attempts", newCfg.Upload.MaxAttempts),
			logx.String("upload.base_delay", newCfg.Upload.BaseDelay),
			logx.Int64("upload.max_file_size", newCfg.Upload.MaxFileSize),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.delay", newCfg.Broadcast.Delay),
			logx.Int("broadcast.progress_every", newCfg.Broadcast.ProgressEvery),
		)
	}

	if oldCfg.Confirm != newCfg.Confirm {
		changed = append(changed, "confirm")
		attrs = append(attrs, logx.String("confirm.ttl", newCfg.Confirm.TTL))
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		restart = true
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs, logx.String("maintenance.recipient_sync", newCfg.Maintenance.RecipientSync))
	}

	if oldCfg.Plugin != newCfg.Plugin {
		changed = append(changed, "plugin")
		attrs = append(attrs,
			logx.String("plugin.author", newCfg.Plugin.Author),
			logx.String("plugin.version", newCfg.Plugin.Version),
		)
	}

	return changed, attrs, restart
}
