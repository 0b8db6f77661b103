package bedrockbot

import (
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

// testClock is a manually advanced time source
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSessionStore_GetOrCreate(t *testing.T) {
	store := NewSessionStore(20)
	_, ok := store.Lookup("u1")
	assert.False(t, ok)

	sess := store.GetOrCreate("u1")
	assert.Equal(t, "u1", sess.UserID)
	assert.Empty(t, sess.History)
	assert.Empty(t, sess.Mood)
	assert.Empty(t, sess.Story)
	assert.Equal(t, 1, store.Len())

	_, ok = store.Lookup("u1")
	assert.True(t, ok)
}

func TestSessionStore_HistoryBounded(t *testing.T) {
	store := NewSessionStore(20)
	for i := 0; i < 25; i++ {
		store.AppendTurn("u1", RoleUser, fmt.Sprintf("message %d", i))
	}

	history := store.History("u1")
	require.Len(t, history, 20)
	assert.Equal(t, "message 5", history[0].Text)
	assert.Equal(t, "message 24", history[19].Text)
	for _, turn := range history {
		assert.False(t, turn.At.IsZero())
	}
}

func TestSessionStore_AppendTurnsIsAtomic(t *testing.T) {
	store := NewSessionStore(3)
	store.AppendTurn("u1", RoleUser, "first")
	store.AppendTurns(
		"u1",
		Turn{Role: RoleUser, Text: "question"},
		Turn{Role: RoleBot, Text: "answer"},
	)
	store.AppendTurns("u1")

	history := store.History("u1")
	require.Len(t, history, 3)
	assert.Equal(
		t,
		[]string{"first", "question", "answer"},
		[]string{history[0].Text, history[1].Text, history[2].Text},
	)

	store.AppendTurns(
		"u1",
		Turn{Role: RoleUser, Text: "q2"},
		Turn{Role: RoleBot, Text: "a2"},
	)
	history = store.History("u1")
	require.Len(t, history, 3)
	assert.Equal(t, "answer", history[0].Text)
	assert.Equal(t, RoleBot, history[2].Role)
}

func TestSessionStore_SnapshotsAreCopies(t *testing.T) {
	store := NewSessionStore(5)
	store.AppendTurn("u1", RoleUser, "hello")
	store.AppendStory("u1", "Once upon a time")

	sess := store.GetOrCreate("u1")
	sess.History[0].Text = "modified"
	sess.Story[0] = "modified"

	assert.Equal(t, "hello", store.History("u1")[0].Text)
	assert.Equal(t, "Once upon a time", store.Story("u1")[0])
}

func TestSessionStore_MoodExpiry(t *testing.T) {
	clock := newTestClock()
	store := NewSessionStore(20, WithClock(clock.Now))

	store.SetMood("u1", "sarcastic", time.Hour)
	mood, ok := store.Mood("u1")
	require.True(t, ok)
	assert.Equal(t, "sarcastic", mood)

	clock.Advance(59 * time.Minute)
	mood, ok = store.Mood("u1")
	require.True(t, ok)
	assert.Equal(t, "sarcastic", mood)

	clock.Advance(time.Minute + time.Second)
	mood, ok = store.Mood("u1")
	assert.False(t, ok)
	assert.Empty(t, mood)

	// expiry is idempotent
	mood, ok = store.Mood("u1")
	assert.False(t, ok)
	assert.Empty(t, mood)

	sess, found := store.Lookup("u1")
	require.True(t, found)
	assert.Empty(t, sess.Mood)
	assert.True(t, sess.MoodExpiresAt.IsZero())

	store.SetMood("u1", "cheerful", time.Hour)
	mood, ok = store.Mood("u1")
	assert.True(t, ok)
	assert.Equal(t, "cheerful", mood)
}

func TestSessionStore_MoodExpiresExactlyAtTTL(t *testing.T) {
	clock := newTestClock()
	store := NewSessionStore(20, WithClock(clock.Now))

	store.SetMood("u1", "formal", time.Hour)
	clock.Advance(time.Hour)
	_, ok := store.Mood("u1")
	assert.False(t, ok)
}

func TestSessionStore_Story(t *testing.T) {
	store := NewSessionStore(20)
	assert.Empty(t, store.Story("u1"))

	store.AppendStory("u1", "alice: It was a dark night.")
	store.AppendStory("u1", "alice: A dog barked.")
	store.AppendStory("u2", "bob: Different story.")

	assert.Equal(
		t,
		[]string{"alice: It was a dark night.", "alice: A dog barked."},
		store.Story("u1"),
	)
	assert.Equal(t, []string{"bob: Different story."}, store.Story("u2"))
}

func TestSessionStore_Clear(t *testing.T) {
	clock := newTestClock()
	store := NewSessionStore(20, WithClock(clock.Now))

	store.AppendTurn("u1", RoleUser, "hi")
	store.SetMood("u1", "grumpy", time.Hour)
	store.AppendStory("u1", "a story")
	store.AppendTurn("u2", RoleUser, "untouched")

	store.Clear("u1")

	sess := store.GetOrCreate("u1")
	assert.Empty(t, sess.History)
	assert.Empty(t, sess.Story)
	assert.Empty(t, sess.Mood)
	_, ok := store.Mood("u1")
	assert.False(t, ok)

	assert.Len(t, store.History("u2"), 1)
}

func TestSessionStore_Concurrent(t *testing.T) {
	store := NewSessionStore(1000)
	users := []string{"u1", "u2", "u3", "u4"}

	var wg sync.WaitGroup
	for _, u := range users {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					store.AppendTurns(
						u,
						Turn{Role: RoleUser, Text: "q"},
						Turn{Role: RoleBot, Text: "a"},
					)
					store.SetMood(u, "friendly", time.Hour)
					_, _ = store.Mood(u)
				}
			}()
		}
	}
	wg.Wait()

	assert.Equal(t, len(users), store.Len())
	for _, u := range users {
		history := store.History(u)
		require.Len(t, history, 200)
		for i := 0; i < len(history); i += 2 {
			assert.Equal(t, RoleUser, history[i].Role)
			assert.Equal(t, RoleBot, history[i+1].Role)
		}
	}
}

func TestNewSessionStore_MinimumHistory(t *testing.T) {
	store := NewSessionStore(0)
	assert.Equal(t, 1, store.MaxHistory())
	store.AppendTurn("u1", RoleUser, "one")
	store.AppendTurn("u1", RoleUser, "two")
	history := store.History("u1")
	require.Len(t, history, 1)
	assert.Equal(t, "two", history[0].Text)
}
