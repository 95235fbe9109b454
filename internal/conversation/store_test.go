package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcprelay/mcprelay/internal/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestStore_CreateAndAppend(t *testing.T) {
	clk := newFakeClock()
	s := New(24*time.Hour, WithClock(clk))
	ctx := context.Background()

	c, err := s.Create(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, clk.Now(), c.CreatedAt)
	assert.Empty(t, c.Messages)

	clk.Advance(time.Minute)
	require.NoError(t, s.Append(ctx, c.ID, RoleUser, "hello"))
	require.NoError(t, s.Append(ctx, c.ID, RoleAssistant, "hi there"))

	got, ok := s.Get(c.ID)
	require.True(t, ok)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hello", got.Messages[0].Content)
	assert.Equal(t, RoleAssistant, got.Messages[1].Role)
	assert.Equal(t, clk.Now(), got.UpdatedAt)
	assert.Equal(t, []protocol.Message{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi there"},
	}, got.History())
}

func TestStore_Expiry(t *testing.T) {
	clk := newFakeClock()
	s := New(24*time.Hour, WithClock(clk))
	ctx := context.Background()

	c, err := s.Create(ctx)
	require.NoError(t, err)

	clk.Advance(23*time.Hour + 59*time.Minute)
	_, ok := s.Get(c.ID)
	assert.True(t, ok, "conversation should be live before retention elapses")
	require.NoError(t, s.Append(ctx, c.ID, RoleUser, "still here"))

	clk.Advance(2 * time.Minute)
	_, ok = s.Get(c.ID)
	assert.False(t, ok, "expired conversation must not be returned")

	err = s.Append(ctx, c.ID, RoleUser, "too late")
	assert.ErrorIs(t, err, protocol.ErrConversationNotFound)

	assert.Equal(t, 1, s.Len(), "not yet physically purged")
	assert.Equal(t, 1, s.PurgeExpired())
	assert.Equal(t, 0, s.Len())
}

func TestStore_AppendUnknown(t *testing.T) {
	s := New(time.Hour)
	err := s.Append(context.Background(), "nope", RoleUser, "x")
	assert.ErrorIs(t, err, protocol.ErrConversationNotFound)

	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestStore_AppendCancelled(t *testing.T) {
	s := New(time.Hour)
	c, err := s.Create(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Append(ctx, c.ID, RoleUser, "x")
	assert.ErrorIs(t, err, context.Canceled)

	got, _ := s.Get(c.ID)
	assert.Empty(t, got.Messages)
}

func TestStore_ConcurrentAppend(t *testing.T) {
	s := New(time.Hour)
	ctx := context.Background()
	c, err := s.Create(ctx)
	require.NoError(t, err)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Append(ctx, c.ID, RoleUser, fmt.Sprintf("msg-%d", i)))
		}(i)
	}
	wg.Wait()

	got, ok := s.Get(c.ID)
	require.True(t, ok)
	require.Len(t, got.Messages, n)

	seen := make(map[string]bool, n)
	for _, m := range got.Messages {
		assert.False(t, seen[m.Content], "duplicate %s", m.Content)
		seen[m.Content] = true
	}
	for i := 0; i < n; i++ {
		assert.True(t, seen[fmt.Sprintf("msg-%d", i)], "missing msg-%d", i)
	}
}

func TestStore_ConcurrentConversations(t *testing.T) {
	s := New(time.Hour)
	ctx := context.Background()

	ids := make([]string, 8)
	for i := range ids {
		c, err := s.Create(ctx)
		require.NoError(t, err)
		ids[i] = c.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for j := 0; j < 25; j++ {
			wg.Add(1)
			go func(id string, j int) {
				defer wg.Done()
				assert.NoError(t, s.Append(ctx, id, RoleUser, fmt.Sprint(j)))
				_, _ = s.Get(id)
			}(id, j)
		}
	}
	wg.Wait()

	for _, id := range ids {
		got, ok := s.Get(id)
		require.True(t, ok)
		assert.Len(t, got.Messages, 25)
	}
	assert.ElementsMatch(t, ids, s.IDs())
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := New(time.Hour)
	ctx := context.Background()
	c, _ := s.Create(ctx)
	require.NoError(t, s.Append(ctx, c.ID, RoleUser, "original"))

	got, _ := s.Get(c.ID)
	got.Messages[0].Content = "mutated"
	got.Metadata["k"] = "v"

	again, _ := s.Get(c.ID)
	assert.Equal(t, "original", again.Messages[0].Content)
	assert.Empty(t, again.Metadata)
}

func TestStore_MetadataAndDelete(t *testing.T) {
	s := New(time.Hour)
	ctx := context.Background()
	c, _ := s.Create(ctx)

	require.NoError(t, s.SetMetadata(ctx, c.ID, "agent", "openai"))
	got, _ := s.Get(c.ID)
	assert.Equal(t, "openai", got.Metadata["agent"])

	assert.True(t, s.Delete(c.ID))
	assert.False(t, s.Delete(c.ID))
	_, ok := s.Get(c.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, s.SetMetadata(ctx, c.ID, "k", "v"), protocol.ErrConversationNotFound)
}

type recordingArchive struct {
	mu       sync.Mutex
	convs    map[string]Conversation
	messages map[string][]Message
	fail     error
}

func newRecordingArchive() *recordingArchive {
	return &recordingArchive{convs: map[string]Conversation{}, messages: map[string][]Message{}}
}

func (a *recordingArchive) SaveConversation(_ context.Context, c Conversation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return a.fail
	}
	a.convs[c.ID] = c
	return nil
}

func (a *recordingArchive) AppendMessage(_ context.Context, id string, m Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return a.fail
	}
	a.messages[id] = append(a.messages[id], m)
	return nil
}

func TestStore_Archive(t *testing.T) {
	arch := newRecordingArchive()
	s := New(time.Hour, WithArchive(arch))
	ctx := context.Background()

	c, err := s.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, c.ID, RoleUser, "one"))
	assert.Contains(t, arch.convs, c.ID)
	assert.Len(t, arch.messages[c.ID], 1)

	arch.fail = errors.New("disk full")
	err = s.Append(ctx, c.ID, RoleUser, "two")
	assert.Error(t, err)

	got, _ := s.Get(c.ID)
	assert.Len(t, got.Messages, 1, "failed archive write must not commit the message")
}

func TestStore_Run(t *testing.T) {
	clk := newFakeClock()
	s := New(time.Minute, WithClock(clk))
	_, err := s.Create(context.Background())
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 5*time.Millisecond) }()

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
