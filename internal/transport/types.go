package transport

import (
	"context"
	"strconv"
	"strings"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
	UpdateMedia    UpdateKind = "media"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
	Media    *Media
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

// Media is one inbound photo/video. GroupKey correlates items that belong to
// the same multi-part upload; it is empty for a standalone item.
type Media struct {
	ChatID   int64
	FromID   int64
	GroupKey string
	Item     MediaItem
}

type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// MediaItem references provider-side content by an opaque handle (Telegram
// file_id). Immutable once created.
type MediaItem struct {
	Kind    MediaKind
	FileID  string
	Caption string
}

// ChatTarget identifies a destination: a numeric chat id or a public
// "@username" (channels).
type ChatTarget struct {
	ChatID   int64
	Username string
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 && t.Username == "" }

// Key returns a stable map key for the target.
func (t ChatTarget) Key() string {
	if t.Username != "" {
		return strings.ToLower(t.Username)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

// Broadcast reports whether the target looks like a broadcast channel
// (public username or a -100... supergroup/channel id). The distinction is
// made on the identifier pattern only.
func (t ChatTarget) Broadcast() bool {
	if t.Username != "" {
		return true
	}
	return strings.HasPrefix(strconv.FormatInt(t.ChatID, 10), "-100")
}

// ParseTarget accepts "@username" or a numeric chat id.
func ParseTarget(s string) (ChatTarget, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChatTarget{}, false
	}
	if strings.HasPrefix(s, "@") {
		return ChatTarget{Username: s}, true
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return ChatTarget{}, false
	}
	return ChatTarget{ChatID: id}, true
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

func (r MessageRef) IsZero() bool { return r.MessageID == 0 }

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	// DeleteMessage is idempotent: deleting an already-gone message is not an error.
	DeleteMessage(ctx context.Context, ref MessageRef) error
	// SendAlbum sends up to 10 items as one media group. The caption, if any,
	// is attached to the first item.
	SendAlbum(ctx context.Context, to ChatTarget, items []MediaItem, caption string) ([]MessageRef, error)
	// PinMessage is best-effort.
	PinMessage(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}
