package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryEntry records one completed album dispatch.
// Keep it compact and schema-stable.
type DeliveryEntry struct {
	At       time.Time
	GroupKey string
	UserID   int64
	Dest     string
	Batches  int
	Items    int
	Failed   int
}
