package config

// Config is the whole bot configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Album        AlbumConfig        `json:"album"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Destinations DestinationsConfig `json:"destinations"`
	Janitor      JanitorConfig      `json:"janitor,omitempty"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// AlbumConfig controls aggregation and splitting defaults.
//
// Trigger values:
//   - "manual": a closed media group waits in the pending queue until the
//     user sends the create command (default).
//   - "auto": a closed group with enough items is split with DefaultPolicy
//     and dispatched right away, no questions asked.
type AlbumConfig struct {
	// Debounce is how long a multi-part upload may stay silent before the
	// group is considered complete.
	Debounce string `json:"debounce,omitempty"`

	Trigger       string `json:"trigger,omitempty"`
	DefaultPolicy string `json:"default_policy,omitempty"` // "fixed" | "balanced"

	// CaptionPlacement: "first_batch" (default) or "every_batch".
	CaptionPlacement string `json:"caption_placement,omitempty"`
}

// DispatchConfig controls outbound pacing and retry.
type DispatchConfig struct {
	PacingMin     string `json:"pacing_min,omitempty"`
	PacingMax     string `json:"pacing_max,omitempty"`
	PacingMinDiff string `json:"pacing_min_diff,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`

	// CleanupDelay is how long transient UI messages linger after a dispatch
	// before being deleted.
	CleanupDelay string `json:"cleanup_delay,omitempty"`
}

// DestinationsConfig lists the preset targets offered in the destination
// keyboard: a broadcast channel ("@name" or -100... id) and a direct chat.
type DestinationsConfig struct {
	Channel string `json:"channel,omitempty"`
	Chat    string `json:"chat,omitempty"`
}

// JanitorConfig controls periodic sweeps of idle sessions and stored state.
type JanitorConfig struct {
	Enabled    bool   `json:"enabled"`
	SweepEvery string `json:"sweep_every,omitempty"`
	MaxIdle    string `json:"max_idle,omitempty"`
	// KeepDeliveries bounds the delivery log age; "0s" keeps everything.
	KeepDeliveries string `json:"keep_deliveries,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./albumbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
