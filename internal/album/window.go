package album

import (
	"sync"
	"time"

	"github.com/google/uuid"

	kit "albumbot/internal/transport"
	logx "albumbot/pkg/logx"
)

// GroupKey identifies one in-flight multi-part upload. Distinct keys are
// debounced independently; a user teardown cancels all of their keys.
type GroupKey struct {
	UserID int64
	ID     string
}

// Window collects items of the same group as they arrive one by one and
// decides, via a reset-on-arrival timer, when the group is complete.
//
// The provider gives no "end of album" signal: a group is considered closed
// once no further item arrived for the debounce duration.
type Window struct {
	mu       sync.Mutex
	debounce time.Duration
	groups   map[GroupKey]*group
	emit     func(key GroupKey, items []kit.MediaItem)
	log      logx.Logger
	closed   bool
}

type group struct {
	items []kit.MediaItem
	timer *time.Timer
}

// NewWindow creates a window. emit is called from a timer goroutine once per
// closed group, with items in arrival order.
func NewWindow(debounce time.Duration, emit func(key GroupKey, items []kit.MediaItem), log logx.Logger) *Window {
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Window{
		debounce: debounce,
		groups:   map[GroupKey]*group{},
		emit:     emit,
		log:      log,
	}
}

// SetDebounce changes the debounce for groups opened after the call.
func (w *Window) SetDebounce(d time.Duration) {
	if d <= 0 {
		return
	}
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

// Add appends an item to the group and restarts its debounce timer.
func (w *Window) Add(key GroupKey, item kit.MediaItem) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	g, ok := w.groups[key]
	if !ok {
		g = &group{}
		w.groups[key] = g
	}
	g.items = append(g.items, item)
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(w.debounce, func() { w.fire(key) })
	w.mu.Unlock()
}

// AddImmediate closes a standalone item with zero delay under a synthetic
// unique key. There is nothing to wait for: no other item can share the key.
func (w *Window) AddImmediate(userID int64, item kit.MediaItem) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	emit := w.emit
	w.mu.Unlock()

	key := GroupKey{UserID: userID, ID: "solo-" + uuid.NewString()}
	if emit != nil {
		emit(key, []kit.MediaItem{item})
	}
}

func (w *Window) fire(key GroupKey) {
	w.mu.Lock()
	g, ok := w.groups[key]
	if !ok || w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.groups, key)
	items := g.items
	emit := w.emit
	w.mu.Unlock()

	w.log.Debug("media group closed", logx.Int64("user", key.UserID), logx.String("group", key.ID), logx.Int("items", len(items)))
	if emit != nil {
		emit(key, items)
	}
}

// CancelUser drops every pending group of the user without emitting.
// Used on session reset/cancel so a partially collected group never lands in
// a torn-down session.
func (w *Window) CancelUser(userID int64) {
	w.mu.Lock()
	var dropped int
	for key, g := range w.groups {
		if key.UserID != userID {
			continue
		}
		if g.timer != nil {
			g.timer.Stop()
		}
		delete(w.groups, key)
		dropped++
	}
	w.mu.Unlock()

	if dropped > 0 {
		w.log.Debug("pending media groups cancelled", logx.Int64("user", userID), logx.Int("groups", dropped))
	}
}

// Pending reports the number of open groups (for diagnostics and sweeps).
func (w *Window) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.groups)
}

// Close cancels all timers and stops accepting items.
func (w *Window) Close() {
	w.mu.Lock()
	w.closed = true
	for key, g := range w.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
		delete(w.groups, key)
	}
	w.mu.Unlock()
}
