package session

import (
	"sync"
	"time"

	"albumbot/internal/album"
	kit "albumbot/internal/transport"
)

// State is the conversation position of a session. Transitions are driven by
// internal/flow; the session only stores the value.
type State string

const (
	StateIdle           State = "idle"
	StateCollecting     State = "collecting"
	StateAwaitingDest   State = "awaiting_destination"
	StateAwaitingPolicy State = "awaiting_policy"
	StateAwaitingCap    State = "awaiting_caption"
	StateAwaitingManual State = "awaiting_manual_caption"
	StateDispatching    State = "dispatching"
)

// Session is the single mutable source of truth for one user. All mutations
// go through methods holding the session mutex, so aggregation completions,
// button presses and scheduled jobs never race.
//
// The standing destination survives Reset/Cancel and completed dispatches; it
// is a preference, not a per-album choice.
type Session struct {
	mu sync.Mutex

	userID int64
	chatID int64 // direct chat the bot replies into

	state   State
	pending []kit.MediaItem

	dest       kit.ChatTarget
	policy     album.SplitPolicy
	policySet  bool
	caption    string
	captionSet bool

	// resumeCreate is set when a missing destination interrupted the create
	// trigger; once the destination is chosen the flow resumes the album setup.
	resumeCreate bool

	promptRef kit.MessageRef // current interactive prompt (edited in place)
	cleanups  []*time.Timer

	lastSeen time.Time
}

func newSession(userID int64) *Session {
	return &Session{userID: userID, state: StateIdle, lastSeen: time.Now()}
}

func (s *Session) UserID() int64 { return s.userID }

func (s *Session) touchLocked() { s.lastSeen = time.Now() }

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.touchLocked()
	s.mu.Unlock()
}

func (s *Session) SetChat(chatID int64) {
	s.mu.Lock()
	s.chatID = chatID
	s.mu.Unlock()
}

func (s *Session) Chat() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID
}

// Append adds closed-group items to the pending queue.
func (s *Session) Append(items []kit.MediaItem) int {
	s.mu.Lock()
	s.pending = append(s.pending, items...)
	if s.state == StateIdle {
		s.state = StateCollecting
	}
	n := len(s.pending)
	s.touchLocked()
	s.mu.Unlock()
	return n
}

func (s *Session) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SnapshotAndClear atomically takes ownership of the pending queue. Items from
// a still-open aggregation that arrive later start a fresh queue and never mix
// into a batch already being built.
func (s *Session) SnapshotAndClear() []kit.MediaItem {
	s.mu.Lock()
	items := s.pending
	s.pending = nil
	s.touchLocked()
	s.mu.Unlock()
	return items
}

func (s *Session) SetDestination(t kit.ChatTarget) {
	s.mu.Lock()
	s.dest = t
	s.touchLocked()
	s.mu.Unlock()
}

func (s *Session) Destination() kit.ChatTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dest
}

func (s *Session) SetPolicy(p album.SplitPolicy) {
	s.mu.Lock()
	s.policy = p
	s.policySet = true
	s.touchLocked()
	s.mu.Unlock()
}

func (s *Session) Policy() (album.SplitPolicy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy, s.policySet
}

func (s *Session) SetCaption(c string) {
	s.mu.Lock()
	s.caption = c
	s.captionSet = true
	s.touchLocked()
	s.mu.Unlock()
}

func (s *Session) Caption() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caption, s.captionSet
}

func (s *Session) SetResumeCreate(v bool) {
	s.mu.Lock()
	s.resumeCreate = v
	s.mu.Unlock()
}

func (s *Session) ResumeCreate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeCreate
}

func (s *Session) SetPrompt(ref kit.MessageRef) {
	s.mu.Lock()
	s.promptRef = ref
	s.mu.Unlock()
}

func (s *Session) Prompt() kit.MessageRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptRef
}

// ScheduleCleanup runs fn after d unless the session is reset first. The
// handle is owned by the session and cancelled on Reset/Cancel/Close.
func (s *Session) ScheduleCleanup(d time.Duration, fn func()) *time.Timer {
	t := time.AfterFunc(d, fn)
	s.mu.Lock()
	s.cleanups = append(s.cleanups, t)
	s.mu.Unlock()
	return t
}

// Reset clears the queue and per-album choices and cancels scheduled cleanup
// handles. The standing destination is preserved. Calling Reset twice in a
// row is the same as calling it once.
func (s *Session) Reset() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
}

// Cancel is Reset with a distinct user-facing outcome; state-wise they are
// identical.
func (s *Session) Cancel() {
	s.Reset()
}

func (s *Session) resetLocked() {
	s.pending = nil
	s.policySet = false
	s.policy = album.FixedChunks
	s.caption = ""
	s.captionSet = false
	s.resumeCreate = false
	s.promptRef = kit.MessageRef{}
	s.state = StateIdle
	for _, t := range s.cleanups {
		t.Stop()
	}
	s.cleanups = nil
	s.touchLocked()
}
