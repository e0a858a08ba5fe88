package config

type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Upload      UploadConfig      `json:"upload"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	Confirm     ConfirmConfig     `json:"confirm"`
	Storage     StorageConfig     `json:"storage"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Plugin      PluginConfig      `json:"plugin"`
}

type TelegramConfig struct {
	// Token may be left empty when BOT_TOKEN is set in the environment.
	Token        string  `json:"token"`
	AdminUserIDs []int64 `json:"admin_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// Workers bounds concurrent update handling (default 4).
	Workers int `json:"workers,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// UploadConfig controls the map upload client.
//
// Defaults (when omitted/zero):
//   - base_url: "https://api.facepunch.com/api/public/rust-map-upload"
//   - max_attempts: 10
//   - base_delay: "1s", delay_step: "5s" (wait = base_delay + attempt*delay_step)
//   - request_timeout: "2m"
//   - max_file_size: 20 MiB (Telegram Bot API download limit)
type UploadConfig struct {
	BaseURL        string `json:"base_url,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	BaseDelay      string `json:"base_delay,omitempty"`
	DelayStep      string `json:"delay_step,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	MaxFileSize    int64  `json:"max_file_size,omitempty"`
}

// BroadcastConfig controls admin broadcasts. Defaults: delay "50ms", progress_every 10.
type BroadcastConfig struct {
	Delay         string `json:"delay,omitempty"`
	ProgressEvery int    `json:"progress_every,omitempty"`
}

// ConfirmConfig controls the broadcast confirmation window. Default ttl "5m".
type ConfirmConfig struct {
	TTL string `json:"ttl,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data" }
//
// For the file driver Path is a directory (maps.json, users.json, audit.jsonl);
// for sqlite it is the database file.
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
}

// MaintenanceConfig controls background upkeep jobs.
type MaintenanceConfig struct {
	// RecipientSync is a cron spec ("@every 6h", "0 */6 * * *"); "off" disables it.
	RecipientSync string `json:"recipient_sync,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

// PluginConfig fills the Info attribute of the generated Oxide plugin.
type PluginConfig struct {
	Author  string `json:"author,omitempty"`
	Version string `json:"version,omitempty"`
}
