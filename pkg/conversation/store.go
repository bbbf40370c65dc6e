// Package conversation keeps the bounded per-user chat history used for AI replies.
package conversation

import (
	"context"
	"sync"

	"github.com/dotsetgreg/relaybot/pkg/logger"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// MinCapacity is the smallest history that still holds the system turn and
// one user/assistant pair.
const MinCapacity = 3

// Checkpointer persists histories across restarts. LoadHistory reports
// found=false when nothing is stored for the user.
type Checkpointer interface {
	SaveHistory(ctx context.Context, userID string, turns []Turn) error
	LoadHistory(ctx context.Context, userID string) (turns []Turn, found bool, err error)
}

// Store owns one history per user. Index 0 of every history is the system
// turn; it is never evicted and the total length never exceeds the capacity.
type Store struct {
	capacity     int
	systemPrompt string
	checkpoint   Checkpointer

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu     sync.Mutex
	turns  []Turn
	loaded bool
}

// NewStore creates a store. capacity below MinCapacity is raised to it;
// checkpoint may be nil.
func NewStore(capacity int, systemPrompt string, checkpoint Checkpointer) *Store {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	return &Store{
		capacity:     capacity,
		systemPrompt: systemPrompt,
		checkpoint:   checkpoint,
		entries:      make(map[string]*entry),
	}
}

func (s *Store) Capacity() int { return s.capacity }

func (s *Store) entry(userID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok {
		e = &entry{}
		s.entries[userID] = e
	}
	return e
}

// History is exclusive access to one user's turns, valid only inside With.
type History struct {
	store *Store
	e     *entry
	dirty bool
}

// Append adds a turn, first evicting the oldest user/assistant pair while
// the append would exceed the capacity.
func (h *History) Append(t Turn) {
	for len(h.e.turns)+1 > h.store.capacity && len(h.e.turns) > 1 {
		n := 2
		if len(h.e.turns)-1 < n {
			n = len(h.e.turns) - 1
		}
		h.e.turns = append(h.e.turns[:1], h.e.turns[1+n:]...)
	}
	h.e.turns = append(h.e.turns, t)
	h.dirty = true
}

// Turns returns a copy of the history.
func (h *History) Turns() []Turn {
	return append([]Turn(nil), h.e.turns...)
}

func (h *History) Len() int { return len(h.e.turns) }

func (h *History) restore(turns []Turn) {
	h.e.turns = append([]Turn(nil), turns...)
	h.dirty = true
}

func (h *History) reset() {
	h.e.turns = []Turn{h.store.systemTurn()}
	h.dirty = true
}

func (s *Store) systemTurn() Turn {
	return Turn{Role: RoleSystem, Content: s.systemPrompt}
}

// With runs fn with exclusive access to userID's history, creating it on
// first use. Concurrent calls for the same user run one after another;
// different users do not block each other. Changes are checkpointed after fn
// returns; checkpoint failures are logged and never returned.
func (s *Store) With(ctx context.Context, userID string, fn func(h *History) error) error {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		e.turns = s.load(ctx, userID)
		e.loaded = true
	}

	h := &History{store: s, e: e}
	err := fn(h)
	if h.dirty {
		s.save(ctx, userID, h.Turns())
	}
	return err
}

func (s *Store) load(ctx context.Context, userID string) []Turn {
	fresh := []Turn{s.systemTurn()}
	if s.checkpoint == nil {
		return fresh
	}
	turns, found, err := s.checkpoint.LoadHistory(ctx, userID)
	if err != nil {
		logger.WarnCF("conversation", "Failed to load history checkpoint", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return fresh
	}
	if !found || len(turns) == 0 || turns[0].Role != RoleSystem {
		return fresh
	}

	out := make([]Turn, 0, s.capacity)
	out = append(out, s.systemTurn())
	rest := turns[1:]
	// keep the newest turns that fit, starting on a user turn
	if limit := s.capacity - 1; len(rest) > limit {
		rest = rest[len(rest)-limit:]
	}
	for len(rest) > 0 && rest[0].Role != RoleUser {
		rest = rest[1:]
	}
	for _, t := range rest {
		if t.Role == RoleUser || t.Role == RoleAssistant {
			out = append(out, t)
		}
	}
	return out
}

func (s *Store) save(ctx context.Context, userID string, turns []Turn) {
	if s.checkpoint == nil {
		return
	}
	if err := s.checkpoint.SaveHistory(context.WithoutCancel(ctx), userID, turns); err != nil {
		logger.WarnCF("conversation", "Failed to checkpoint history", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
	}
}

// snapshot returns a copy of userID's history, or nil if none exists.
func (s *Store) snapshot(userID string) []Turn {
	s.mu.Lock()
	e, ok := s.entries[userID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Turn(nil), e.turns...)
}

// Reset drops every turn except the system prompt.
func (s *Store) Reset(ctx context.Context, userID string) {
	_ = s.With(ctx, userID, func(h *History) error {
		h.reset()
		return nil
	})
}
