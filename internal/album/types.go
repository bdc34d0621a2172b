package album

import (
	"errors"
	"strings"

	kit "albumbot/internal/transport"
)

// MaxBatchSize is the provider-side limit on items per media group.
const MaxBatchSize = 10

// MinAlbumItems is the smallest pending queue an album can be built from.
// A single item is not an album; the flow rejects it before splitting.
const MinAlbumItems = 2

var ErrUnknownPolicy = errors.New("album: unknown split policy")

// SplitPolicy selects how a pending queue is partitioned into batches.
type SplitPolicy int

const (
	// FixedChunks fills every batch to MaxBatchSize; the last batch holds the
	// remainder (1..MaxBatchSize items).
	FixedChunks SplitPolicy = iota
	// Balanced spreads items so batch sizes differ by at most one.
	Balanced
)

func (p SplitPolicy) String() string {
	switch p {
	case FixedChunks:
		return "fixed"
	case Balanced:
		return "balanced"
	default:
		return "unknown"
	}
}

func ParsePolicy(s string) (SplitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed", "chunks":
		return FixedChunks, nil
	case "balanced", "equal":
		return Balanced, nil
	default:
		return FixedChunks, ErrUnknownPolicy
	}
}

// CaptionPlacement selects which batches carry the album caption.
// The source variants disagreed here; both behaviors are supported and the
// bot defaults to CaptionFirstBatch (the caption describes the whole album,
// not each chunk).
type CaptionPlacement int

const (
	CaptionFirstBatch CaptionPlacement = iota
	CaptionEveryBatch
)

// Batch is a bounded ordered set of media items sent together as one
// provider-level media group. The caption applies to the first item only.
// A batch is never empty.
type Batch struct {
	Items   []kit.MediaItem
	Caption string
}
