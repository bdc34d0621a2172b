// Package flow drives the conversation state machine: it turns inbound
// updates into session transitions and hands finalized albums to the
// dispatch service.
package flow

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"albumbot/internal/album"
	"albumbot/internal/dispatch"
	"albumbot/internal/session"
	kit "albumbot/internal/transport"
	logx "albumbot/pkg/logx"
)

// Trigger selects how a closed media group becomes an album.
const (
	TriggerManual = "manual"
	TriggerAuto   = "auto"
)

// Config is the flow-level tunable surface. Hot-reloadable via Apply.
type Config struct {
	Trigger          string
	DefaultPolicy    album.SplitPolicy
	CaptionPlacement album.CaptionPlacement

	// CleanupDelay is how long the final status message stays before being
	// deleted. 0 keeps it forever.
	CleanupDelay time.Duration

	// Preset destinations offered in the destination keyboard.
	Channel kit.ChatTarget
	Chat    kit.ChatTarget
}

// Flow owns no state of its own beyond configuration; per-user state lives in
// the session registry.
type Flow struct {
	mu  sync.Mutex
	cfg Config

	adapter    kit.Adapter
	sessions   *session.Registry
	window     *album.Window
	dispatcher *dispatch.Service
	log        logx.Logger

	runCtx context.Context
}

func New(cfg Config, adapter kit.Adapter, sessions *session.Registry, dispatcher *dispatch.Service, log logx.Logger) *Flow {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Trigger == "" {
		cfg.Trigger = TriggerManual
	}
	return &Flow{
		cfg:        cfg,
		adapter:    adapter,
		sessions:   sessions,
		dispatcher: dispatcher,
		log:        log,
		runCtx:     context.Background(),
	}
}

// BindWindow attaches the aggregation window after construction. The window
// needs the flow's OnGroupClosed as its emit hook, so the two are wired in
// two steps.
func (f *Flow) BindWindow(w *album.Window) {
	f.mu.Lock()
	f.window = w
	f.mu.Unlock()
}

// Start binds async work (group completions, dispatch watching) to ctx.
func (f *Flow) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	f.mu.Lock()
	f.runCtx = ctx
	f.mu.Unlock()
}

func (f *Flow) Apply(cfg Config) {
	if cfg.Trigger == "" {
		cfg.Trigger = TriggerManual
	}
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
}

func (f *Flow) config() Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

func (f *Flow) ctx() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runCtx
}

// Commands returns the bot command menu.
func (f *Flow) Commands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "album", Description: "Build an album from the collected media"},
		{Command: "setdest", Description: "Choose where albums are sent"},
		{Command: "status", Description: "Show collected media and settings"},
		{Command: "cancel", Description: "Abort the current album setup"},
		{Command: "reset", Description: "Drop collected media and start over"},
		{Command: "help", Description: "How this bot works"},
	}
}

// HandleUpdate routes one inbound update. Called from the app's update loop.
func (f *Flow) HandleUpdate(ctx context.Context, u kit.Update) {
	switch u.Kind {
	case kit.UpdateMessage:
		if u.Message != nil {
			f.handleMessage(ctx, u.Message)
		}
	case kit.UpdateCallback:
		if u.Callback != nil {
			f.handleCallback(ctx, u.Callback)
		}
	case kit.UpdateMedia:
		if u.Media != nil {
			f.handleMedia(u.Media)
		}
	}
}

// handleMedia feeds an inbound item into the aggregation window. Grouped
// items share the provider group key and are debounced together; standalone
// items close immediately under a synthetic key.
func (f *Flow) handleMedia(m *kit.Media) {
	s := f.sessions.GetOrCreate(m.FromID)
	s.SetChat(m.ChatID)

	f.mu.Lock()
	w := f.window
	f.mu.Unlock()
	if w == nil {
		f.log.Warn("media dropped, no aggregation window bound", logx.Int64("user", m.FromID))
		return
	}

	if m.GroupKey != "" {
		w.Add(album.GroupKey{UserID: m.FromID, ID: m.GroupKey}, m.Item)
		return
	}
	w.AddImmediate(m.FromID, m.Item)
}

// OnGroupClosed is the aggregation window's emit hook. It runs on a timer
// goroutine, once per closed group.
func (f *Flow) OnGroupClosed(key album.GroupKey, items []kit.MediaItem) {
	if len(items) == 0 {
		return
	}
	s := f.sessions.GetOrCreate(key.UserID)
	n := s.Append(items)
	cfg := f.config()

	f.log.Debug("group appended to session",
		logx.Int64("user", key.UserID), logx.Int("added", len(items)), logx.Int("pending", n))

	if cfg.Trigger == TriggerAuto && n >= album.MinAlbumItems {
		switch s.State() {
		case session.StateCollecting, session.StateIdle:
			if s.Destination().IsZero() {
				f.notifyCollected(s, n)
				return
			}
			f.autoDispatch(s, cfg)
			return
		}
	}
	f.notifyCollected(s, n)
}

// notifyCollected keeps a single running counter message per session, edited
// in place as more groups close.
func (f *Flow) notifyCollected(s *session.Session, n int) {
	switch s.State() {
	case session.StateCollecting, session.StateIdle:
	default:
		// mid-setup or dispatching: the queue grew silently, the next prompt
		// or summary will show the new count
		return
	}

	ctx, cancel := context.WithTimeout(f.ctx(), 10*time.Second)
	defer cancel()

	text := "Collected " + strconv.Itoa(n) + " item(s). Send more, or /album to build."
	if n < album.MinAlbumItems {
		text = "Collected 1 item. An album needs at least " + strconv.Itoa(album.MinAlbumItems) + "."
	}

	if ref := s.Prompt(); !ref.IsZero() {
		if err := f.adapter.EditText(ctx, ref, text, nil); err == nil {
			return
		}
	}
	ref, err := f.adapter.SendText(ctx, kit.ChatTarget{ChatID: s.Chat()}, text, nil)
	if err != nil {
		f.log.Warn("collect notice failed", logx.Int64("user", s.UserID()), logx.Err(err))
		return
	}
	s.SetPrompt(ref)
}

// autoDispatch skips the interactive setup: default policy, no album caption.
func (f *Flow) autoDispatch(s *session.Session, cfg Config) {
	s.SetPolicy(cfg.DefaultPolicy)
	s.SetCaption("")
	f.startDispatch(s)
}

// albumKey derives a stable delivery key from the item handles, so re-sending
// identical content inside the dedup window is recognized.
func albumKey(items []kit.MediaItem) string {
	h := fnv.New64a()
	for _, it := range items {
		_, _ = h.Write([]byte(it.FileID))
		_, _ = h.Write([]byte{0})
	}
	return "album-" + strconv.FormatUint(h.Sum64(), 16)
}
