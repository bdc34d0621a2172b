package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "albumbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: got (%v, %v), want disabled", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func TestDedupRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := st.GetDedup(ctx, "k"); err != nil || ok {
		t.Fatalf("get on empty store = (%v, %v)", ok, err)
	}

	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.PutDedup(ctx, "k", until); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get = (%v, %v)", ok, err)
	}
	if !got.Equal(until) {
		t.Fatalf("until = %v, want %v", got, until)
	}

	// upsert moves the deadline
	later := until.Add(time.Hour)
	if err := st.PutDedup(ctx, "k", later); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _, _ = st.GetDedup(ctx, "k")
	if !got.Equal(later) {
		t.Fatalf("after upsert until = %v, want %v", got, later)
	}
}

func TestPruneExpiredDropsStaleDedup(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.PutDedup(ctx, "old", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("put old: %v", err)
	}
	if err := st.PutDedup(ctx, "new", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("put new: %v", err)
	}

	if err := st.PruneExpired(ctx, 0); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, ok, _ := st.GetDedup(ctx, "old"); ok {
		t.Fatalf("expired key survived prune")
	}
	if _, ok, _ := st.GetDedup(ctx, "new"); !ok {
		t.Fatalf("live key dropped by prune")
	}
}

func TestAppendDeliveryAndPrune(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	old := DeliveryEntry{
		At: time.Now().Add(-48 * time.Hour), GroupKey: "g-old", UserID: 1,
		Dest: "42", Batches: 2, Items: 12,
	}
	fresh := DeliveryEntry{
		GroupKey: "g-new", UserID: 1, Dest: "42", Batches: 1, Items: 3,
	}
	if err := st.AppendDelivery(ctx, old); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if err := st.AppendDelivery(ctx, fresh); err != nil {
		t.Fatalf("append fresh: %v", err)
	}

	if err := st.PruneExpired(ctx, 24*time.Hour); err != nil {
		t.Fatalf("prune: %v", err)
	}

	db := st.(*sqliteStore).db
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM deliveries`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("deliveries after prune = %d, want 1", n)
	}
}
