package album

import (
	kit "albumbot/internal/transport"
)

// Split partitions items into batches under the given policy.
// Pure and deterministic: order is preserved, no batch is empty, every batch
// holds at most MaxBatchSize items. An empty input yields no batches.
func Split(items []kit.MediaItem, policy SplitPolicy) []Batch {
	if len(items) == 0 {
		return nil
	}
	switch policy {
	case Balanced:
		return splitBalanced(items)
	default:
		return splitFixed(items)
	}
}

func splitFixed(items []kit.MediaItem) []Batch {
	out := make([]Batch, 0, (len(items)+MaxBatchSize-1)/MaxBatchSize)
	for start := 0; start < len(items); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(items) {
			end = len(items)
		}
		out = append(out, Batch{Items: items[start:end:end]})
	}
	return out
}

// splitBalanced computes n = ceil(total/MaxBatchSize) batches whose sizes
// differ by at most one: the first total%n batches take one extra item.
func splitBalanced(items []kit.MediaItem) []Batch {
	total := len(items)
	n := (total + MaxBatchSize - 1) / MaxBatchSize
	if n < 1 {
		n = 1
	}
	base := total / n
	extra := total % n

	out := make([]Batch, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		end := start + size
		out = append(out, Batch{Items: items[start:end:end]})
		start = end
	}
	return out
}

// ApplyCaption attaches the album caption according to placement.
// Batches are modified in place and returned for convenience.
func ApplyCaption(batches []Batch, caption string, placement CaptionPlacement) []Batch {
	if caption == "" || len(batches) == 0 {
		return batches
	}
	switch placement {
	case CaptionEveryBatch:
		for i := range batches {
			batches[i].Caption = caption
		}
	default:
		batches[0].Caption = caption
	}
	return batches
}
