package dispatch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"albumbot/internal/album"
	"albumbot/internal/eventbus"
	"albumbot/internal/storage"
	kit "albumbot/internal/transport"
	logx "albumbot/pkg/logx"
)

// fakeAdapter records album sends and can fail per call via the script.
type fakeAdapter struct {
	mu     sync.Mutex
	sends  []sendRec
	pins   []kit.MessageRef
	script []error // error for call i; nil or out-of-range means success
}

type sendRec struct {
	dest    kit.ChatTarget
	items   int
	caption string
	at      time.Time
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) SendText(context.Context, kit.ChatTarget, string, *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}
func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) DeleteMessage(context.Context, kit.MessageRef) error { return nil }
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error {
	return nil
}

func (f *fakeAdapter) PinMessage(_ context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	f.pins = append(f.pins, ref)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) SendAlbum(_ context.Context, to kit.ChatTarget, items []kit.MediaItem, caption string) ([]kit.MessageRef, error) {
	f.mu.Lock()
	call := len(f.sends)
	f.sends = append(f.sends, sendRec{dest: to, items: len(items), caption: caption, at: time.Now()})
	var err error
	if call < len(f.script) {
		err = f.script[call]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	refs := make([]kit.MessageRef, len(items))
	for i := range refs {
		refs[i] = kit.MessageRef{ChatID: to.ChatID, MessageID: call*100 + i + 1}
	}
	return refs, nil
}

func (f *fakeAdapter) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// fakeStore is an in-memory storage.Store.
type fakeStore struct {
	mu         sync.Mutex
	dedup      map[string]time.Time
	deliveries []storage.DeliveryEntry
}

func newFakeStore() *fakeStore { return &fakeStore{dedup: map[string]time.Time{}} }

func (f *fakeStore) AppendDelivery(_ context.Context, e storage.DeliveryEntry) error {
	f.mu.Lock()
	f.deliveries = append(f.deliveries, e)
	f.mu.Unlock()
	return nil
}
func (f *fakeStore) PutDedup(_ context.Context, key string, until time.Time) error {
	f.mu.Lock()
	f.dedup[key] = until
	f.mu.Unlock()
	return nil
}
func (f *fakeStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	until, ok := f.dedup[key]
	return until, ok, nil
}
func (f *fakeStore) PruneExpired(context.Context, time.Duration) error { return nil }
func (f *fakeStore) Close() error                                     { return nil }

func fastConfig() Config {
	return Config{
		PacingMin:     time.Millisecond,
		PacingMax:     2 * time.Millisecond,
		PacingMinDiff: 0,
		RetryMax:      5,
		RatePerSec:    1000,
	}
}

func batches(n, per int) []album.Batch {
	out := make([]album.Batch, n)
	for i := range out {
		items := make([]kit.MediaItem, per)
		for j := range items {
			items[j] = kit.MediaItem{Kind: kit.MediaPhoto, FileID: "b" + strconv.Itoa(i) + "-" + strconv.Itoa(j)}
		}
		out[i] = album.Batch{Items: items}
	}
	return out
}

func collect(t *testing.T, ch <-chan Outcome) []Outcome {
	t.Helper()
	var out []Outcome
	timeout := time.After(5 * time.Second)
	for {
		select {
		case o, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, o)
		case <-timeout:
			t.Fatalf("outcome stream did not close, have %d outcomes", len(out))
		}
	}
}

func TestSubmitDeliversAllBatchesInOrder(t *testing.T) {
	ad := &fakeAdapter{}
	svc := New(fastConfig(), ad, logx.Nop(), nil, nil)
	svc.Start(context.Background())

	ch, err := svc.Submit(Request{
		UserID: 1, GroupKey: "g1",
		Dest:    kit.ChatTarget{ChatID: 42},
		Batches: batches(3, 4),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	out := collect(t, ch)
	if len(out) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(out))
	}
	for i, o := range out {
		if o.Index != i {
			t.Fatalf("outcome %d has index %d", i, o.Index)
		}
		if o.Err != nil {
			t.Fatalf("batch %d failed: %v", i, o.Err)
		}
		if len(o.Refs) != 4 {
			t.Fatalf("batch %d refs = %d", i, len(o.Refs))
		}
	}
	if ad.sendCount() != 3 {
		t.Fatalf("sends = %d", ad.sendCount())
	}
}

func TestThrottledBatchIsRetried(t *testing.T) {
	ad := &fakeAdapter{script: []error{
		nil, // batch 0
		&kit.ThrottledError{RetryAfter: 20 * time.Millisecond}, // batch 1 attempt 1
		nil, // batch 1 attempt 2
	}}
	svc := New(fastConfig(), ad, logx.Nop(), nil, nil)
	svc.Start(context.Background())

	ch, err := svc.Submit(Request{
		UserID: 1, GroupKey: "g2",
		Dest:    kit.ChatTarget{ChatID: 42},
		Batches: batches(2, 2),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	out := collect(t, ch)
	if len(out) != 2 || out[0].Err != nil || out[1].Err != nil {
		t.Fatalf("outcomes = %+v", out)
	}
	if ad.sendCount() != 3 {
		t.Fatalf("sends = %d, want 3 (one retry)", ad.sendCount())
	}

	// the retry must have waited the requested flood-wait
	ad.mu.Lock()
	gap := ad.sends[2].at.Sub(ad.sends[1].at)
	ad.mu.Unlock()
	if gap < 20*time.Millisecond {
		t.Fatalf("retry gap = %s, want >= 20ms", gap)
	}
}

func TestRetriesAreBounded(t *testing.T) {
	throttle := &kit.ThrottledError{RetryAfter: time.Millisecond}
	cfg := fastConfig()
	cfg.RetryMax = 2
	ad := &fakeAdapter{script: []error{throttle, throttle, throttle, throttle, throttle}}
	svc := New(cfg, ad, logx.Nop(), nil, nil)
	svc.Start(context.Background())

	ch, err := svc.Submit(Request{
		UserID: 1, GroupKey: "g3",
		Dest:    kit.ChatTarget{ChatID: 42},
		Batches: batches(1, 2),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	out := collect(t, ch)
	if len(out) != 1 || out[0].Err == nil {
		t.Fatalf("expected one failed outcome, got %+v", out)
	}
	// initial attempt + RetryMax retries
	if ad.sendCount() != 3 {
		t.Fatalf("sends = %d, want 3", ad.sendCount())
	}
}

func TestPartialFailureContinues(t *testing.T) {
	boom := errors.New("bad request")
	ad := &fakeAdapter{script: []error{nil, boom, nil}}
	svc := New(fastConfig(), ad, logx.Nop(), nil, nil)
	svc.Start(context.Background())

	ch, err := svc.Submit(Request{
		UserID: 1, GroupKey: "g4",
		Dest:    kit.ChatTarget{ChatID: 42},
		Batches: batches(3, 2),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	out := collect(t, ch)
	if len(out) != 3 {
		t.Fatalf("outcomes = %d", len(out))
	}
	if out[0].Err != nil || out[2].Err != nil {
		t.Fatalf("healthy batches failed: %+v", out)
	}
	if !errors.Is(out[1].Err, boom) {
		t.Fatalf("batch 1 error = %v", out[1].Err)
	}
}

func TestBroadcastDestinationGetsPinned(t *testing.T) {
	ad := &fakeAdapter{}
	svc := New(fastConfig(), ad, logx.Nop(), nil, nil)
	svc.Start(context.Background())

	ch, err := svc.Submit(Request{
		UserID: 1, GroupKey: "g5",
		Dest:    kit.ChatTarget{ChatID: -1001234567890},
		Batches: batches(2, 2),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	collect(t, ch)

	ad.mu.Lock()
	pins := len(ad.pins)
	ad.mu.Unlock()
	if pins != 2 {
		t.Fatalf("pins = %d, want one per batch", pins)
	}
}

func TestDuplicateGroupRejected(t *testing.T) {
	store := newFakeStore()
	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	ad := &fakeAdapter{}
	svc := New(cfg, ad, logx.Nop(), nil, store)
	svc.Start(context.Background())

	req := Request{
		UserID: 1, GroupKey: "same",
		Dest:    kit.ChatTarget{ChatID: 42},
		Batches: batches(1, 2),
	}
	ch, err := svc.Submit(req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	collect(t, ch)

	// delivery succeeded, so the dedup marker must be present now
	if _, err := svc.Submit(req); !errors.Is(err, ErrDuplicateGroup) {
		t.Fatalf("second submit err = %v, want ErrDuplicateGroup", err)
	}
}

func TestDeliveryIsRecorded(t *testing.T) {
	store := newFakeStore()
	ad := &fakeAdapter{}
	svc := New(fastConfig(), ad, logx.Nop(), nil, store)
	svc.Start(context.Background())

	ch, err := svc.Submit(Request{
		UserID: 9, GroupKey: "g6",
		Dest:    kit.ChatTarget{ChatID: 42},
		Batches: batches(2, 3),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	collect(t, ch)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.deliveries) != 1 {
		t.Fatalf("deliveries = %d", len(store.deliveries))
	}
	e := store.deliveries[0]
	if e.UserID != 9 || e.Batches != 2 || e.Items != 6 || e.Failed != 0 {
		t.Fatalf("entry = %+v", e)
	}
}

func TestProgressEventsPublished(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	ad := &fakeAdapter{}
	svc := New(fastConfig(), ad, logx.Nop(), bus, nil)
	svc.Start(context.Background())

	ch, err := svc.Submit(Request{
		UserID: 1, GroupKey: "g7",
		Dest:    kit.ChatTarget{ChatID: 42},
		Batches: batches(3, 2),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	collect(t, ch)

	var got []ProgressEvent
	var types []string
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case e := <-events:
			pe, ok := e.Data.(ProgressEvent)
			if !ok {
				continue
			}
			got = append(got, pe)
			types = append(types, e.Type)
		case <-timeout:
			t.Fatalf("only %d progress events arrived", len(got))
		}
	}

	for i, pe := range got {
		if pe.Processed != i+1 || pe.Total != 3 {
			t.Fatalf("event %d = %+v", i, pe)
		}
	}
	if types[2] != eventbus.TypeDispatchDone {
		t.Fatalf("last event type = %q", types[2])
	}
	if types[0] != eventbus.TypeDispatchProgress {
		t.Fatalf("first event type = %q", types[0])
	}
}

func TestSubmitValidation(t *testing.T) {
	svc := New(fastConfig(), &fakeAdapter{}, logx.Nop(), nil, nil)

	if _, err := svc.Submit(Request{Dest: kit.ChatTarget{ChatID: 1}, Batches: batches(1, 1)}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("before Start err = %v", err)
	}

	svc.Start(context.Background())
	if _, err := svc.Submit(Request{Dest: kit.ChatTarget{ChatID: 1}}); !errors.Is(err, ErrEmptySubmit) {
		t.Fatalf("empty batches err = %v", err)
	}
	if _, err := svc.Submit(Request{Batches: batches(1, 1)}); !errors.Is(err, ErrNoDestination) {
		t.Fatalf("no destination err = %v", err)
	}
}

func TestNextDelayHonorsMinDiff(t *testing.T) {
	cfg := Config{
		PacingMin:     10 * time.Millisecond,
		PacingMax:     100 * time.Millisecond,
		PacingMinDiff: 5 * time.Millisecond,
		RetryMax:      1,
		RatePerSec:    100,
	}
	svc := New(cfg, &fakeAdapter{}, logx.Nop(), nil, nil)
	ds := &destState{}

	prev := svc.nextDelay(cfg, ds)
	for i := 0; i < 200; i++ {
		d := svc.nextDelay(cfg, ds)
		if d < cfg.PacingMin || d > cfg.PacingMax {
			t.Fatalf("delay %s out of [%s, %s]", d, cfg.PacingMin, cfg.PacingMax)
		}
		if diff := absDur(d - prev); diff < cfg.PacingMinDiff {
			t.Fatalf("consecutive delays %s and %s differ by %s < %s", prev, d, diff, cfg.PacingMinDiff)
		}
		prev = d
	}
}
