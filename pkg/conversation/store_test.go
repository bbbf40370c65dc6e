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
)

func appendN(t *testing.T, s *Store, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		require.NoError(t, s.With(context.Background(), userID, func(h *History) error {
			h.Append(Turn{Role: role, Content: fmt.Sprintf("t%d", i)})
			return nil
		}))
	}
}

func TestStore_CapAndSystemTurnInvariant(t *testing.T) {
	for _, capacity := range []int{3, 4, 5, 10} {
		s := NewStore(capacity, "sys", nil)
		for n := 0; n < 30; n++ {
			appendN(t, s, "u", 1)
			h := s.snapshot("u")
			require.LessOrEqual(t, len(h), capacity)
			require.Equal(t, RoleSystem, h[0].Role)
			require.Equal(t, "sys", h[0].Content)
		}
	}
}

func TestStore_EvictsOldestPair(t *testing.T) {
	s := NewStore(5, "sys", nil)
	appendN(t, s, "u", 4)
	assert.Equal(t, []Turn{
		{RoleSystem, "sys"},
		{RoleUser, "t0"}, {RoleAssistant, "t1"},
		{RoleUser, "t2"}, {RoleAssistant, "t3"},
	}, s.snapshot("u"))

	require.NoError(t, s.With(context.Background(), "u", func(h *History) error {
		h.Append(Turn{Role: RoleUser, Content: "t4"})
		return nil
	}))
	assert.Equal(t, []Turn{
		{RoleSystem, "sys"},
		{RoleUser, "t2"}, {RoleAssistant, "t3"},
		{RoleUser, "t4"},
	}, s.snapshot("u"))
}

func TestStore_CapacityFloor(t *testing.T) {
	s := NewStore(1, "sys", nil)
	assert.Equal(t, MinCapacity, s.Capacity())
}

func TestStore_Reset(t *testing.T) {
	s := NewStore(10, "sys", nil)
	appendN(t, s, "u", 4)
	s.Reset(context.Background(), "u")
	assert.Equal(t, []Turn{{RoleSystem, "sys"}}, s.snapshot("u"))
	assert.Nil(t, s.snapshot("nobody"))
}

func TestStore_PerUserExclusivity(t *testing.T) {
	s := NewStore(1000, "sys", nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.With(context.Background(), "u", func(h *History) error {
				h.Append(Turn{Role: RoleUser, Content: fmt.Sprintf("q%d", i)})
				time.Sleep(time.Millisecond)
				h.Append(Turn{Role: RoleAssistant, Content: fmt.Sprintf("a%d", i)})
				return nil
			})
		}(i)
	}
	wg.Wait()

	h := s.snapshot("u")
	require.Len(t, h, 41)
	for i := 1; i < len(h); i += 2 {
		require.Equal(t, RoleUser, h[i].Role)
		require.Equal(t, RoleAssistant, h[i+1].Role)
		assert.Equal(t, h[i].Content[1:], h[i+1].Content[1:], "pair interleaved")
	}
}

func TestStore_DifferentUsersDoNotBlock(t *testing.T) {
	s := NewStore(10, "sys", nil)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.With(context.Background(), "slow", func(h *History) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_ = s.With(context.Background(), "fast", func(h *History) error {
			h.Append(Turn{Role: RoleUser, Content: "hi"})
			return nil
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("user fast was blocked by user slow")
	}
	close(release)
}

type memCheckpoint struct {
	mu      sync.Mutex
	data    map[string][]Turn
	saveErr error
	saves   int
}

func (m *memCheckpoint) SaveHistory(ctx context.Context, userID string, turns []Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.data == nil {
		m.data = map[string][]Turn{}
	}
	m.data[userID] = append([]Turn(nil), turns...)
	return nil
}

func (m *memCheckpoint) LoadHistory(ctx context.Context, userID string) ([]Turn, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns, ok := m.data[userID]
	return append([]Turn(nil), turns...), ok, nil
}

func TestStore_CheckpointRoundTrip(t *testing.T) {
	cp := &memCheckpoint{}
	s := NewStore(10, "sys", cp)
	appendN(t, s, "u", 2)

	restored := NewStore(10, "new sys", cp)
	h := restored.snapshot("u")
	assert.Nil(t, h)
	require.NoError(t, restored.With(context.Background(), "u", func(h *History) error { return nil }))
	assert.Equal(t, []Turn{
		{RoleSystem, "new sys"},
		{RoleUser, "t0"}, {RoleAssistant, "t1"},
	}, restored.snapshot("u"))
}

func TestStore_CheckpointTrimmedToCapacity(t *testing.T) {
	cp := &memCheckpoint{data: map[string][]Turn{"u": {
		{RoleSystem, "old"},
		{RoleUser, "1"}, {RoleAssistant, "2"},
		{RoleUser, "3"}, {RoleAssistant, "4"},
		{RoleUser, "5"}, {RoleAssistant, "6"},
	}}}
	s := NewStore(4, "sys", cp)
	require.NoError(t, s.With(context.Background(), "u", func(h *History) error { return nil }))
	h := s.snapshot("u")
	require.LessOrEqual(t, len(h), 4)
	assert.Equal(t, Turn{RoleSystem, "sys"}, h[0])
	assert.Equal(t, RoleUser, h[1].Role)
}

func TestStore_CheckpointFailureIsNotFatal(t *testing.T) {
	cp := &memCheckpoint{saveErr: errors.New("disk full")}
	s := NewStore(10, "sys", cp)
	err := s.With(context.Background(), "u", func(h *History) error {
		h.Append(Turn{Role: RoleUser, Content: "x"})
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, s.snapshot("u"), 2)
	assert.Equal(t, 1, cp.saves)
}
