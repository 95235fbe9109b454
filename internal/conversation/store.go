// Package conversation keeps time-bounded conversation histories in memory.
//
// A conversation expires once its age exceeds the store's retention window.
// Expired conversations are invisible to Get and Append even before
// PurgeExpired physically removes them.
package conversation

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcprelay/mcprelay/internal/protocol"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Message is one entry in a conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is a snapshot of a stored conversation.
type Conversation struct {
	ID        string            `json:"conversation_id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Messages  []Message         `json:"messages"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// History returns the messages as role/content pairs.
func (c Conversation) History() []protocol.Message {
	out := make([]protocol.Message, len(c.Messages))
	for i, m := range c.Messages {
		out[i] = protocol.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// Archive persists conversations beyond their in-memory lifetime.
type Archive interface {
	SaveConversation(ctx context.Context, c Conversation) error
	AppendMessage(ctx context.Context, id string, m Message) error
}

type entry struct {
	mu      sync.Mutex
	conv    Conversation
	removed bool
}

// Store is a concurrency-safe, time-bounded conversation store.
// The map lock is only held for lookups and structural changes; appends to
// one conversation serialize on that conversation's own lock.
type Store struct {
	retention time.Duration
	clock     Clock
	archive   Archive
	logger    *slog.Logger

	mu    sync.RWMutex
	convs map[string]*entry
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for timestamps and expiry.
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithArchive attaches a persistent archive.
func WithArchive(a Archive) Option {
	return func(s *Store) { s.archive = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a store that keeps conversations for retention after creation.
func New(retention time.Duration, opts ...Option) *Store {
	s := &Store{
		retention: retention,
		clock:     realClock{},
		logger:    slog.Default(),
		convs:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "conversation")
	return s
}

// Retention returns the configured retention window.
func (s *Store) Retention() time.Duration { return s.retention }

func (s *Store) expired(c *Conversation, now time.Time) bool {
	return now.After(c.CreatedAt.Add(s.retention))
}

// Create starts a new, empty conversation.
func (s *Store) Create(ctx context.Context) (Conversation, error) {
	now := s.clock.Now()
	e := &entry{conv: Conversation{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []Message{},
		Metadata:  map[string]string{},
	}}

	if s.archive != nil {
		if err := s.archive.SaveConversation(ctx, e.conv); err != nil {
			return Conversation{}, protocol.Wrap(protocol.KindInternal, err, "archive conversation")
		}
	}

	s.mu.Lock()
	s.convs[e.conv.ID] = e
	s.mu.Unlock()

	s.logger.Debug("conversation created", "conversation_id", e.conv.ID)
	return e.conv.clone(), nil
}

// lookup returns the live entry for id, locked. The caller must unlock it.
func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.convs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	if e.removed || s.expired(&e.conv, s.clock.Now()) {
		e.mu.Unlock()
		return nil, false
	}
	return e, true
}

// Append adds a message to conversation id. It fails with
// ConversationNotFound when id is unknown or expired. A context cancelled
// before the message is committed leaves the conversation unchanged.
func (s *Store) Append(ctx context.Context, id, role, content string) error {
	if role == "" {
		return protocol.Errorf(protocol.KindBadRequest, "message role is required")
	}
	e, ok := s.lookup(id)
	if !ok {
		return protocol.Errorf(protocol.KindConversationNotFound, "conversation %q not found", id)
	}
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	msg := Message{Role: role, Content: content, Timestamp: s.clock.Now()}
	if s.archive != nil {
		if err := s.archive.AppendMessage(ctx, id, msg); err != nil {
			return protocol.Wrap(protocol.KindInternal, err, "archive message")
		}
	}
	e.conv.Messages = append(e.conv.Messages, msg)
	e.conv.UpdatedAt = msg.Timestamp
	return nil
}

// Get returns a copy of conversation id. ok is false for unknown and expired ids.
func (s *Store) Get(id string) (Conversation, bool) {
	e, ok := s.lookup(id)
	if !ok {
		return Conversation{}, false
	}
	defer e.mu.Unlock()
	return e.conv.clone(), true
}

// SetMetadata sets one metadata key on conversation id.
func (s *Store) SetMetadata(ctx context.Context, id, key, value string) error {
	e, ok := s.lookup(id)
	if !ok {
		return protocol.Errorf(protocol.KindConversationNotFound, "conversation %q not found", id)
	}
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	next := e.conv.clone()
	next.Metadata[key] = value
	next.UpdatedAt = s.clock.Now()
	if s.archive != nil {
		if err := s.archive.SaveConversation(ctx, next); err != nil {
			return protocol.Wrap(protocol.KindInternal, err, "archive metadata")
		}
	}
	e.conv.Metadata = next.Metadata
	e.conv.UpdatedAt = next.UpdatedAt
	return nil
}

// Delete removes conversation id. It reports whether a live conversation was removed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	e, ok := s.convs[id]
	if ok {
		delete(s.convs, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	live := !e.removed && !s.expired(&e.conv, s.clock.Now())
	e.removed = true
	return live
}

// PurgeExpired removes expired conversations and returns how many were removed.
func (s *Store) PurgeExpired() int {
	now := s.clock.Now()

	s.mu.Lock()
	var purged []*entry
	for id, e := range s.convs {
		// CreatedAt never changes, so it can be read without the entry lock.
		if s.expired(&e.conv, now) {
			delete(s.convs, id)
			purged = append(purged, e)
		}
	}
	s.mu.Unlock()

	for _, e := range purged {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}
	if len(purged) > 0 {
		s.logger.Info("purged expired conversations", "count", len(purged))
	}
	return len(purged)
}

// Len returns the number of stored conversations, including expired ones
// not yet purged.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// IDs returns the ids of live conversations in creation order.
func (s *Store) IDs() []string {
	now := s.clock.Now()
	s.mu.RLock()
	type idAt struct {
		id string
		at time.Time
	}
	live := make([]idAt, 0, len(s.convs))
	for id, e := range s.convs {
		if !s.expired(&e.conv, now) {
			live = append(live, idAt{id, e.conv.CreatedAt})
		}
	}
	s.mu.RUnlock()

	sort.Slice(live, func(i, j int) bool {
		if live[i].at.Equal(live[j].at) {
			return live[i].id < live[j].id
		}
		return live[i].at.Before(live[j].at)
	})
	ids := make([]string, len(live))
	for i, l := range live {
		ids[i] = l.id
	}
	return ids
}

// Run purges expired conversations every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.PurgeExpired()
		case <-ctx.Done():
			return nil
		}
	}
}

func (c Conversation) clone() Conversation {
	out := c
	out.Messages = append([]Message(nil), c.Messages...)
	if out.Messages == nil {
		out.Messages = []Message{}
	}
	out.Metadata = maps.Clone(c.Metadata)
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	return out
}
