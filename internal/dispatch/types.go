package dispatch

import (
	"time"

	"albumbot/internal/album"
	kit "albumbot/internal/transport"
)

// Config controls pacing, retry and dedup for outbound batch delivery.
//
// Consecutive inter-batch delays are drawn from [PacingMin, PacingMax] and
// must differ from the previous delay by at least PacingMinDiff, so the send
// cadence never settles into a detectable fixed rhythm.
type Config struct {
	PacingMin     time.Duration
	PacingMax     time.Duration
	PacingMinDiff time.Duration

	// RetryMax bounds flood-wait retries per batch.
	RetryMax int

	// RatePerSec is the process-wide provider call budget.
	RatePerSec int

	// DedupWindow suppresses re-delivery of a group key. 0 disables dedup.
	DedupWindow time.Duration
}

// Request is one album delivery: ordered batches for a single destination.
type Request struct {
	UserID   int64
	GroupKey string
	Dest     kit.ChatTarget
	Batches  []album.Batch
}

// Outcome reports one batch, in batch order. Exactly one of Refs/Err is set.
// Remaining is the delivery-time estimate for the batches still queued.
type Outcome struct {
	Index     int
	Refs      []kit.MessageRef
	Err       error
	Remaining time.Duration
}

// ProgressEvent is published on the event bus after every batch.
type ProgressEvent struct {
	UserID    int64         `json:"user_id"`
	GroupKey  string        `json:"group_key"`
	Dest      string        `json:"dest"`
	Processed int           `json:"processed"`
	Total     int           `json:"total"`
	Failed    int           `json:"failed"`
	Remaining time.Duration `json:"remaining"`
}
