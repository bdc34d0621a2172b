package flow

import (
	"context"
	"strconv"
	"strings"

	"albumbot/internal/album"
	"albumbot/internal/session"
	kit "albumbot/internal/transport"
	logx "albumbot/pkg/logx"
	"albumbot/pkg/tgui"
)

const cbScope = "flow"

const helpText = `Send me photos and videos. I collect them, then build
albums of up to 10 items per message group.

/album - build an album from the collected media
/setdest - choose where albums are sent
/status - show collected media and settings
/cancel - abort the current album setup
/reset - drop collected media and start over`

func (f *Flow) handleMessage(ctx context.Context, m *kit.Message) {
	s := f.sessions.GetOrCreate(m.FromID)
	s.SetChat(m.ChatID)

	text := strings.TrimSpace(m.Text)
	if cmd, ok := parseCommand(text); ok {
		f.handleCommand(ctx, s, cmd)
		return
	}

	switch s.State() {
	case session.StateAwaitingManual:
		f.acceptManualCaption(s, text)
	case session.StateAwaitingDest:
		f.acceptTypedDestination(ctx, s, text)
	default:
		f.reply(ctx, s, "Send media, or /help for commands.")
	}
}

// parseCommand strips the leading slash and a possible @botname suffix.
func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	cmd := strings.Fields(text)[0][1:]
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), cmd != ""
}

func (f *Flow) handleCommand(ctx context.Context, s *session.Session, cmd string) {
	switch cmd {
	case "start", "help":
		f.reply(ctx, s, helpText)
	case "album", "create":
		f.startCreate(ctx, s)
	case "setdest":
		s.SetResumeCreate(false)
		f.promptDestination(ctx, s)
	case "status":
		f.reportStatus(ctx, s)
	case "cancel":
		f.teardown(ctx, s, "Album setup cancelled. The standing destination is kept.")
	case "reset":
		f.teardown(ctx, s, "Collected media dropped. Send new items to start over.")
	default:
		f.reply(ctx, s, "Unknown command. /help lists what I can do.")
	}
}

// startCreate is the /album trigger: validate the queue, then walk the user
// through destination (if unset), split policy and caption.
func (f *Flow) startCreate(ctx context.Context, s *session.Session) {
	switch s.State() {
	case session.StateDispatching:
		f.reply(ctx, s, "A delivery is already running. Wait for it to finish.")
		return
	case session.StateAwaitingPolicy, session.StateAwaitingCap, session.StateAwaitingManual:
		f.reply(ctx, s, "Album setup is already in progress. /cancel to abort it.")
		return
	}

	n := s.PendingLen()
	if n < album.MinAlbumItems {
		f.reply(ctx, s, "An album needs at least "+strconv.Itoa(album.MinAlbumItems)+
			" items; you have "+strconv.Itoa(n)+". Send more media first.")
		return
	}

	if s.Destination().IsZero() {
		s.SetResumeCreate(true)
		f.promptDestination(ctx, s)
		return
	}
	f.promptPolicy(ctx, s, n)
}

func (f *Flow) promptPolicy(ctx context.Context, s *session.Session, n int) {
	s.SetState(session.StateAwaitingPolicy)

	markup := tgui.NewInline().
		Row(
			tgui.Btn("Fill to 10", tgui.Data(cbScope, "policy", album.FixedChunks.String())),
			tgui.Btn("Even sizes", tgui.Data(cbScope, "policy", album.Balanced.String())),
		).
		Row(tgui.Btn("Cancel", tgui.Data(cbScope, "cancel", ""))).
		Markup()

	text := strconv.Itoa(n) + " items to " + destLabel(s.Destination()) + ". How should I split them?"
	f.prompt(ctx, s, text, markup)
}

func (f *Flow) promptCaption(ctx context.Context, s *session.Session) {
	s.SetState(session.StateAwaitingCap)

	markup := tgui.NewInline().
		Row(
			tgui.Btn("No caption", tgui.Data(cbScope, "caption", "none")),
			tgui.Btn("Write one", tgui.Data(cbScope, "caption", "manual")),
		).
		Row(tgui.Btn("Cancel", tgui.Data(cbScope, "cancel", ""))).
		Markup()

	f.prompt(ctx, s, "Add a caption to the album?", markup)
}

func (f *Flow) promptDestination(ctx context.Context, s *session.Session) {
	s.SetState(session.StateAwaitingDest)
	cfg := f.config()

	kb := tgui.NewInline()
	var presets int
	if !cfg.Channel.IsZero() {
		kb.Row(tgui.Btn("Channel "+destLabel(cfg.Channel), tgui.Data(cbScope, "dest", "channel")))
		presets++
	}
	if !cfg.Chat.IsZero() {
		kb.Row(tgui.Btn("Chat "+destLabel(cfg.Chat), tgui.Data(cbScope, "dest", "chat")))
		presets++
	}
	kb.Row(tgui.Btn("Cancel", tgui.Data(cbScope, "cancel", "")))

	text := "Where should albums go? Type @username or a chat id."
	if presets > 0 {
		text = "Where should albums go? Pick one, or type @username or a chat id."
	}
	f.prompt(ctx, s, text, kb.Markup())
}

// acceptTypedDestination handles free-text input while awaiting a destination.
func (f *Flow) acceptTypedDestination(ctx context.Context, s *session.Session, text string) {
	dest, ok := kit.ParseTarget(text)
	if !ok {
		f.reply(ctx, s, "That doesn't look like a destination. Send @username or a numeric chat id.")
		return
	}
	f.destinationChosen(ctx, s, dest)
}

func (f *Flow) destinationChosen(ctx context.Context, s *session.Session, dest kit.ChatTarget) {
	s.SetDestination(dest)
	f.log.Info("destination set", logx.Int64("user", s.UserID()), logx.String("dest", dest.Key()))

	if s.ResumeCreate() {
		s.SetResumeCreate(false)
		n := s.PendingLen()
		if n >= album.MinAlbumItems {
			f.promptPolicy(ctx, s, n)
			return
		}
	}
	if s.PendingLen() > 0 {
		s.SetState(session.StateCollecting)
	} else {
		s.SetState(session.StateIdle)
	}
	f.prompt(ctx, s, "Destination set to "+destLabel(dest)+".", nil)
}

// acceptManualCaption handles free text while awaiting a caption. A single
// "." means "no caption after all".
func (f *Flow) acceptManualCaption(s *session.Session, text string) {
	if text == "." {
		text = ""
	}
	s.SetCaption(text)
	f.startDispatch(s)
}

func (f *Flow) reportStatus(ctx context.Context, s *session.Session) {
	var b strings.Builder
	b.WriteString("Pending items: " + strconv.Itoa(s.PendingLen()) + "\n")
	if dest := s.Destination(); !dest.IsZero() {
		b.WriteString("Destination: " + destLabel(dest) + "\n")
	} else {
		b.WriteString("Destination: not set (/setdest)\n")
	}
	b.WriteString("State: " + string(s.State()))
	f.reply(ctx, s, b.String())
}

// teardown implements /cancel and /reset: drop pending window groups, clear
// the session (the standing destination survives) and remove the prompt.
func (f *Flow) teardown(ctx context.Context, s *session.Session, note string) {
	if s.State() == session.StateDispatching {
		f.reply(ctx, s, "A delivery is in flight; it will finish on its own. Everything else was cleared.")
	}

	f.mu.Lock()
	w := f.window
	f.mu.Unlock()
	if w != nil {
		w.CancelUser(s.UserID())
	}

	if ref := s.Prompt(); !ref.IsZero() {
		_ = f.adapter.DeleteMessage(ctx, ref)
	}
	s.Cancel()
	f.reply(ctx, s, note)
}

// prompt sends or edits the session's single interactive message.
func (f *Flow) prompt(ctx context.Context, s *session.Session, text string, markup any) {
	opt := &kit.SendOptions{ReplyMarkupAdapter: markup}
	if ref := s.Prompt(); !ref.IsZero() {
		if err := f.adapter.EditText(ctx, ref, text, opt); err == nil {
			return
		}
	}
	ref, err := f.adapter.SendText(ctx, kit.ChatTarget{ChatID: s.Chat()}, text, opt)
	if err != nil {
		f.log.Warn("prompt failed", logx.Int64("user", s.UserID()), logx.Err(err))
		return
	}
	s.SetPrompt(ref)
}

// reply sends a plain one-off message (not tracked as the prompt).
func (f *Flow) reply(ctx context.Context, s *session.Session, text string) {
	if _, err := f.adapter.SendText(ctx, kit.ChatTarget{ChatID: s.Chat()}, text, nil); err != nil {
		f.log.Warn("reply failed", logx.Int64("user", s.UserID()), logx.Err(err))
	}
}

func destLabel(t kit.ChatTarget) string {
	if t.Username != "" {
		return t.Username
	}
	return strconv.FormatInt(t.ChatID, 10)
}

func (f *Flow) handleCallback(ctx context.Context, cb *kit.Callback) {
	s := f.sessions.GetOrCreate(cb.FromID)
	s.SetChat(cb.ChatID)

	scope, action, payload := tgui.Split(cb.Data)
	if scope != cbScope {
		_ = f.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	switch action {
	case "policy":
		if s.State() != session.StateAwaitingPolicy {
			_ = f.adapter.AnswerCallback(ctx, cb.ID, "This button is no longer valid.")
			return
		}
		p, err := album.ParsePolicy(payload)
		if err != nil {
			_ = f.adapter.AnswerCallback(ctx, cb.ID, "Unknown choice.")
			return
		}
		s.SetPolicy(p)
		_ = f.adapter.AnswerCallback(ctx, cb.ID, "")
		f.promptCaption(ctx, s)

	case "caption":
		if s.State() != session.StateAwaitingCap {
			_ = f.adapter.AnswerCallback(ctx, cb.ID, "This button is no longer valid.")
			return
		}
		switch payload {
		case "none":
			s.SetCaption("")
			_ = f.adapter.AnswerCallback(ctx, cb.ID, "")
			f.startDispatch(s)
		case "manual":
			s.SetState(session.StateAwaitingManual)
			_ = f.adapter.AnswerCallback(ctx, cb.ID, "")
			f.prompt(ctx, s, "Send the caption as a message. Send \".\" for no caption.", nil)
		default:
			_ = f.adapter.AnswerCallback(ctx, cb.ID, "Unknown choice.")
		}

	case "dest":
		if s.State() != session.StateAwaitingDest {
			_ = f.adapter.AnswerCallback(ctx, cb.ID, "This button is no longer valid.")
			return
		}
		cfg := f.config()
		var dest kit.ChatTarget
		switch payload {
		case "channel":
			dest = cfg.Channel
		case "chat":
			dest = cfg.Chat
		}
		if dest.IsZero() {
			_ = f.adapter.AnswerCallback(ctx, cb.ID, "That preset is not configured.")
			return
		}
		_ = f.adapter.AnswerCallback(ctx, cb.ID, "")
		f.destinationChosen(ctx, s, dest)

	case "cancel":
		_ = f.adapter.AnswerCallback(ctx, cb.ID, "Cancelled")
		f.teardown(ctx, s, "Album setup cancelled. The standing destination is kept.")

	default:
		_ = f.adapter.AnswerCallback(ctx, cb.ID, "Unknown action.")
	}
}
