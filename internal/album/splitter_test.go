package album

import (
	"strconv"
	"testing"

	kit "albumbot/internal/transport"
)

func makeItems(n int) []kit.MediaItem {
	items := make([]kit.MediaItem, n)
	for i := range items {
		items[i] = kit.MediaItem{Kind: kit.MediaPhoto, FileID: "file-" + strconv.Itoa(i)}
	}
	return items
}

func sizes(batches []Batch) []int {
	out := make([]int, len(batches))
	for i, b := range batches {
		out[i] = len(b.Items)
	}
	return out
}

func TestSplitFixedFillsToMax(t *testing.T) {
	got := sizes(Split(makeItems(23), FixedChunks))
	want := []int{10, 10, 3}
	if len(got) != len(want) {
		t.Fatalf("batches = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("batches = %v, want %v", got, want)
		}
	}
}

func TestSplitBalancedEvensOut(t *testing.T) {
	got := sizes(Split(makeItems(23), Balanced))
	want := []int{8, 8, 7}
	if len(got) != len(want) {
		t.Fatalf("batches = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("batches = %v, want %v", got, want)
		}
	}
}

func TestSplitSingleBatch(t *testing.T) {
	for _, p := range []SplitPolicy{FixedChunks, Balanced} {
		b := Split(makeItems(7), p)
		if len(b) != 1 || len(b[0].Items) != 7 {
			t.Fatalf("policy %v: got %v, want one batch of 7", p, sizes(b))
		}
	}
}

func TestSplitEmptyInput(t *testing.T) {
	if b := Split(nil, FixedChunks); b != nil {
		t.Fatalf("expected nil for empty input, got %v", b)
	}
}

// Both policies must preserve order, keep every batch within MaxBatchSize and
// lose no items, for any input size.
func TestSplitProperties(t *testing.T) {
	for _, policy := range []SplitPolicy{FixedChunks, Balanced} {
		for n := 1; n <= 45; n++ {
			items := makeItems(n)
			batches := Split(items, policy)

			var total int
			idx := 0
			for bi, b := range batches {
				if len(b.Items) == 0 {
					t.Fatalf("policy %v n=%d: empty batch %d", policy, n, bi)
				}
				if len(b.Items) > MaxBatchSize {
					t.Fatalf("policy %v n=%d: batch %d has %d items", policy, n, bi, len(b.Items))
				}
				for _, it := range b.Items {
					if it.FileID != items[idx].FileID {
						t.Fatalf("policy %v n=%d: order broken at %d", policy, n, idx)
					}
					idx++
				}
				total += len(b.Items)
			}
			if total != n {
				t.Fatalf("policy %v n=%d: %d items after split", policy, n, total)
			}

			if policy == Balanced && len(batches) > 1 {
				min, max := n, 0
				for _, b := range batches {
					if len(b.Items) < min {
						min = len(b.Items)
					}
					if len(b.Items) > max {
						max = len(b.Items)
					}
				}
				if max-min > 1 {
					t.Fatalf("balanced n=%d: sizes %v differ by more than one", n, sizes(batches))
				}
			}
		}
	}
}

func TestApplyCaptionFirstBatch(t *testing.T) {
	batches := ApplyCaption(Split(makeItems(23), FixedChunks), "hello", CaptionFirstBatch)
	if batches[0].Caption != "hello" {
		t.Fatalf("first batch caption = %q", batches[0].Caption)
	}
	for i := 1; i < len(batches); i++ {
		if batches[i].Caption != "" {
			t.Fatalf("batch %d unexpectedly captioned", i)
		}
	}
}

func TestApplyCaptionEveryBatch(t *testing.T) {
	batches := ApplyCaption(Split(makeItems(23), Balanced), "hello", CaptionEveryBatch)
	for i, b := range batches {
		if b.Caption != "hello" {
			t.Fatalf("batch %d caption = %q", i, b.Caption)
		}
	}
}

func TestApplyCaptionEmptyIsNoop(t *testing.T) {
	batches := ApplyCaption(Split(makeItems(5), FixedChunks), "", CaptionEveryBatch)
	if batches[0].Caption != "" {
		t.Fatalf("empty caption should not be applied")
	}
}

func TestParsePolicy(t *testing.T) {
	cases := map[string]SplitPolicy{
		"fixed":    FixedChunks,
		"chunks":   FixedChunks,
		"balanced": Balanced,
		"Equal":    Balanced,
		" FIXED ":  FixedChunks,
	}
	for in, want := range cases {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("bogus"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
