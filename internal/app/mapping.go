package app

import (
	"fmt"
	"strings"
	"time"

	"albumbot/internal/album"
	"albumbot/internal/config"
	"albumbot/internal/dispatch"
	"albumbot/internal/flow"
	"albumbot/internal/janitor"
	"albumbot/internal/storage"
	kit "albumbot/internal/transport"
	logx "albumbot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	pmin, err := config.ParseDurationField("dispatch.pacing_min", cfg.Dispatch.PacingMin)
	if err != nil {
		return dispatch.Config{}, err
	}
	pmax, err := config.ParseDurationField("dispatch.pacing_max", cfg.Dispatch.PacingMax)
	if err != nil {
		return dispatch.Config{}, err
	}
	pdiff, err := config.ParseDurationField("dispatch.pacing_min_diff", cfg.Dispatch.PacingMinDiff)
	if err != nil {
		return dispatch.Config{}, err
	}
	dedup, err := config.ParseDurationField("dispatch.dedup_window", cfg.Dispatch.DedupWindow)
	if err != nil {
		return dispatch.Config{}, err
	}
	if cfg.Dispatch.RetryMax < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.retry_max must be >= 0")
	}
	if cfg.Dispatch.RatePerSec < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}
	return dispatch.Config{
		PacingMin:     pmin,
		PacingMax:     pmax,
		PacingMinDiff: pdiff,
		RetryMax:      cfg.Dispatch.RetryMax,
		RatePerSec:    cfg.Dispatch.RatePerSec,
		DedupWindow:   dedup,
	}, nil
}

func mapAlbumDebounce(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("album.debounce", cfg.Album.Debounce, time.Second)
}

func mapFlowConfig(cfg *config.Config) (flow.Config, error) {
	trigger := strings.ToLower(strings.TrimSpace(cfg.Album.Trigger))
	switch trigger {
	case "", flow.TriggerManual:
		trigger = flow.TriggerManual
	case flow.TriggerAuto:
	default:
		return flow.Config{}, fmt.Errorf("album.trigger: unknown value %q", cfg.Album.Trigger)
	}

	policy := album.FixedChunks
	if s := strings.TrimSpace(cfg.Album.DefaultPolicy); s != "" {
		p, err := album.ParsePolicy(s)
		if err != nil {
			return flow.Config{}, fmt.Errorf("album.default_policy: unknown value %q", s)
		}
		policy = p
	}

	placement := album.CaptionFirstBatch
	switch strings.ToLower(strings.TrimSpace(cfg.Album.CaptionPlacement)) {
	case "", "first_batch", "first":
	case "every_batch", "every":
		placement = album.CaptionEveryBatch
	default:
		return flow.Config{}, fmt.Errorf("album.caption_placement: unknown value %q", cfg.Album.CaptionPlacement)
	}

	cleanup, err := config.ParseDurationField("dispatch.cleanup_delay", cfg.Dispatch.CleanupDelay)
	if err != nil {
		return flow.Config{}, err
	}

	var channel, chat kit.ChatTarget
	if s := strings.TrimSpace(cfg.Destinations.Channel); s != "" {
		t, ok := kit.ParseTarget(s)
		if !ok {
			return flow.Config{}, fmt.Errorf("destinations.channel: invalid target %q", s)
		}
		channel = t
	}
	if s := strings.TrimSpace(cfg.Destinations.Chat); s != "" {
		t, ok := kit.ParseTarget(s)
		if !ok {
			return flow.Config{}, fmt.Errorf("destinations.chat: invalid target %q", s)
		}
		chat = t
	}

	return flow.Config{
		Trigger:          trigger,
		DefaultPolicy:    policy,
		CaptionPlacement: placement,
		CleanupDelay:     cleanup,
		Channel:          channel,
		Chat:             chat,
	}, nil
}

func mapJanitorConfig(cfg *config.Config) (janitor.Config, error) {
	sweep, err := config.ParseDurationField("janitor.sweep_every", cfg.Janitor.SweepEvery)
	if err != nil {
		return janitor.Config{}, err
	}
	idle, err := config.ParseDurationField("janitor.max_idle", cfg.Janitor.MaxIdle)
	if err != nil {
		return janitor.Config{}, err
	}
	keep, err := config.ParseDurationField("janitor.keep_deliveries", cfg.Janitor.KeepDeliveries)
	if err != nil {
		return janitor.Config{}, err
	}
	return janitor.Config{
		Enabled:        cfg.Janitor.Enabled,
		SweepEvery:     sweep,
		MaxIdle:        idle,
		KeepDeliveries: keep,
	}, nil
}

// mapStorageConfig returns (cfg, enabled, err). Storage is optional.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required for driver %q", driver)
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, true, nil
}

// validateConfig is the hot-reload gate: a config that fails here is rejected
// before commit, keeping the previous one live.
func validateConfig(cfg *config.Config) error {
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAlbumDebounce(cfg); err != nil {
		return err
	}
	if _, err := mapFlowConfig(cfg); err != nil {
		return err
	}
	if _, err := mapJanitorConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
