package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssistant_ReplyAppendsPair(t *testing.T) {
	var seen []Turn
	s := NewStore(10, "sys", nil)
	a := NewAssistant(s, CompleterFunc(func(ctx context.Context, history []Turn) (string, error) {
		seen = history
		return "  answer  ", nil
	}), "fallback")

	out, err := a.Reply(context.Background(), "u", "question")
	require.NoError(t, err)
	assert.Equal(t, "answer", out)

	assert.Equal(t, []Turn{{RoleSystem, "sys"}, {RoleUser, "question"}}, seen)
	assert.Equal(t, []Turn{
		{RoleSystem, "sys"},
		{RoleUser, "question"},
		{RoleAssistant, "answer"},
	}, s.snapshot("u"))
}

func TestAssistant_FailureRollsBackAndReturnsFallback(t *testing.T) {
	s := NewStore(5, "sys", nil)
	calls := 0
	a := NewAssistant(s, CompleterFunc(func(ctx context.Context, history []Turn) (string, error) {
		calls++
		if calls == 3 {
			return "", errors.New("quota exceeded")
		}
		return "ok", nil
	}), "try later")

	_, err := a.Reply(context.Background(), "u", "one")
	require.NoError(t, err)
	_, err = a.Reply(context.Background(), "u", "two")
	require.NoError(t, err)
	before := s.snapshot("u")

	// this one would evict a pair before failing
	out, err := a.Reply(context.Background(), "u", "three")
	assert.Equal(t, "try later", out)
	var ce *CompletionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "u", ce.UserID)
	assert.Equal(t, before, s.snapshot("u"))
}

func TestAssistant_EmptyCompletionIsError(t *testing.T) {
	s := NewStore(10, "sys", nil)
	a := NewAssistant(s, CompleterFunc(func(ctx context.Context, history []Turn) (string, error) {
		return "   ", nil
	}), "fallback")

	out, err := a.Reply(context.Background(), "u", "hi")
	assert.Equal(t, "fallback", out)
	assert.ErrorIs(t, err, errEmptyCompletion)
	assert.Equal(t, []Turn{{RoleSystem, "sys"}}, s.snapshot("u"))
}
