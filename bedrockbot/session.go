package bedrockbot

import (
	"log/slog"
	"sync"
	"time"
)

const (
	RoleUser = "User"
	RoleBot  = "Bot"
)

// Turn is one (role, text) exchange unit in a conversation history
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session is the per-user record of conversation history, mood and
// story contributions. Values returned by SessionStore are snapshots,
// and mutating them doesn't affect the store.
type Session struct {
	UserID        string    `json:"user_id"`
	History       []Turn    `json:"history"`
	Mood          string    `json:"mood,omitempty"`
	MoodExpiresAt time.Time `json:"mood_expires_at,omitempty"`
	Story         []string  `json:"story"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s Session) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String(logAttrUserID, s.UserID),
		slog.Int("history", len(s.History)),
		slog.Int("story", len(s.Story)),
	}
	if s.Mood != "" {
		attrs = append(
			attrs,
			slog.String("mood", s.Mood),
			slog.Time("mood_expires_at", s.MoodExpiresAt),
		)
	}
	return slog.GroupValue(attrs...)
}

// moodExpired reports whether a mood set to expire at expiresAt is
// expired at now. A zero expiresAt means no mood is set.
func moodExpired(expiresAt time.Time, now time.Time) bool {
	return expiresAt.IsZero() || !now.Before(expiresAt)
}

// session is the stored, lockable form of a Session
type session struct {
	mu   sync.Mutex
	data Session
}

func (s *session) snapshot() Session {
	c := s.data
	c.History = append([]Turn(nil), s.data.History...)
	c.Story = append([]string(nil), s.data.Story...)
	return c
}

// SessionStore exclusively owns all Session records. Sessions are created
// lazily on first access and only live for the lifetime of the store.
//
// It's safe for concurrent use: the map is guarded by a RWMutex, and each
// session has its own mutex, so operations for different users never
// contend on the same lock. No lock is held between calls.
type SessionStore struct {
	sessions   map[string]*session
	mu         sync.RWMutex
	maxHistory int
	now        func() time.Time
}

type SessionStoreOption func(*SessionStore)

// WithClock replaces time.Now as the store's time source
func WithClock(now func() time.Time) SessionStoreOption {
	return func(s *SessionStore) {
		s.now = now
	}
}

// NewSessionStore creates an empty store keeping at most maxHistory turns
// per user. maxHistory values below 1 are treated as 1.
func NewSessionStore(maxHistory int, opts ...SessionStoreOption) *SessionStore {
	if maxHistory < 1 {
		maxHistory = 1
	}
	s := &SessionStore{
		sessions:   map[string]*session{},
		maxHistory: maxHistory,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxHistory returns the maximum number of turns kept per user
func (s *SessionStore) MaxHistory() int {
	return s.maxHistory
}

// get returns the session for userID, creating it if necessary
func (s *SessionStore) get(userID string) *session {
	s.mu.RLock()
	sess, ok := s.sessions[userID]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[userID]; ok {
		return sess
	}
	now := s.now()
	sess = &session{
		data: Session{UserID: userID, CreatedAt: now, UpdatedAt: now},
	}
	s.sessions[userID] = sess
	return sess
}

// update runs fn with the user's session locked
func (s *SessionStore) update(userID string, fn func(data *Session, now time.Time)) {
	sess := s.get(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	now := s.now()
	fn(&sess.data, now)
	sess.data.UpdatedAt = now
}

// GetOrCreate returns a snapshot of the user's session, creating an
// empty one if it doesn't exist yet. An expired mood is cleared first.
func (s *SessionStore) GetOrCreate(userID string) Session {
	sess := s.get(userID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	clearExpiredMood(&sess.data, s.now())
	return sess.snapshot()
}

// Lookup returns a snapshot of the user's session, without creating one
func (s *SessionStore) Lookup(userID string) (Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[userID]
	s.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	clearExpiredMood(&sess.data, s.now())
	return sess.snapshot(), true
}

// AppendTurn appends a turn to the user's history, dropping the oldest
// turns beyond the configured maximum
func (s *SessionStore) AppendTurn(userID string, role string, text string) {
	s.AppendTurns(userID, Turn{Role: role, Text: text})
}

// AppendTurns appends all given turns to the user's history in a single
// step, so no other update for the same user can land between them.
// Turns without a timestamp get the current time.
func (s *SessionStore) AppendTurns(userID string, turns ...Turn) {
	if len(turns) == 0 {
		return
	}
	s.update(
		userID, func(data *Session, now time.Time) {
			for _, t := range turns {
				if t.At.IsZero() {
					t.At = now
				}
				data.History = append(data.History, t)
			}
			if overflow := len(data.History) - s.maxHistory; overflow > 0 {
				data.History = append([]Turn(nil), data.History[overflow:]...)
			}
		},
	)
}

// History returns a copy of the user's history, oldest turn first
func (s *SessionStore) History(userID string) []Turn {
	return s.GetOrCreate(userID).History
}

// SetMood sets the user's mood, expiring ttl from now
func (s *SessionStore) SetMood(userID string, mood string, ttl time.Duration) {
	s.update(
		userID, func(data *Session, now time.Time) {
			data.Mood = mood
			data.MoodExpiresAt = now.Add(ttl)
		},
	)
}

// Mood returns the user's mood if it's set and not expired. An expired
// mood is cleared, so later calls also report no mood until SetMood is
// called again.
func (s *SessionStore) Mood(userID string) (string, bool) {
	var mood string
	s.update(
		userID, func(data *Session, now time.Time) {
			clearExpiredMood(data, now)
			mood = data.Mood
		},
	)
	return mood, mood != ""
}

func clearExpiredMood(data *Session, now time.Time) {
	if data.Mood == "" {
		return
	}
	if moodExpired(data.MoodExpiresAt, now) {
		data.Mood = ""
		data.MoodExpiresAt = time.Time{}
	}
}

// AppendStory adds a contribution to the user's story
func (s *SessionStore) AppendStory(userID string, text string) {
	s.update(
		userID, func(data *Session, _ time.Time) {
			data.Story = append(data.Story, text)
		},
	)
}

// Story returns a copy of the user's story contributions, in order
func (s *SessionStore) Story(userID string) []string {
	return s.GetOrCreate(userID).Story
}

// Clear resets the user's session to empty defaults
func (s *SessionStore) Clear(userID string) {
	s.update(
		userID, func(data *Session, now time.Time) {
			*data = Session{UserID: userID, CreatedAt: data.CreatedAt}
		},
	)
}

// Now returns the current time from the store's clock
func (s *SessionStore) Now() time.Time {
	return s.now()
}

// Len returns the number of sessions in the store
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
