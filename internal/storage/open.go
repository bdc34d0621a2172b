package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "albumbot/pkg/logx"
)

// Store is the minimal persistence API used by dispatch and the janitor.
type Store interface {
	AppendDelivery(ctx context.Context, e DeliveryEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	PruneExpired(ctx context.Context, keepDeliveries time.Duration) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
