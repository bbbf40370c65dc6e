package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/relaybot/pkg/logger"
)

// Completer produces the next assistant message for a history.
type Completer interface {
	Complete(ctx context.Context, history []Turn) (string, error)
}

// CompleterFunc adapts a func to Completer.
type CompleterFunc func(ctx context.Context, history []Turn) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, history []Turn) (string, error) {
	return f(ctx, history)
}

var errEmptyCompletion = errors.New("empty completion")

// CompletionError reports a failed AI completion (quota, timeout, network).
type CompletionError struct {
	UserID string
	Err    error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion for %s: %v", e.UserID, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// Assistant answers free-form messages from the per-user history.
type Assistant struct {
	store     *Store
	completer Completer
	fallback  string
}

func NewAssistant(store *Store, completer Completer, fallback string) *Assistant {
	return &Assistant{store: store, completer: completer, fallback: fallback}
}

func (a *Assistant) Store() *Store { return a.store }

// Reply appends text as a user turn, completes over the whole bounded
// history and appends the answer. On failure the history is left as it was
// and the fallback text is returned together with a *CompletionError.
func (a *Assistant) Reply(ctx context.Context, userID, text string) (string, error) {
	var reply string
	err := a.store.With(ctx, userID, func(h *History) error {
		before := h.Turns()
		h.Append(Turn{Role: RoleUser, Content: text})

		out, err := a.completer.Complete(ctx, h.Turns())
		if err == nil && strings.TrimSpace(out) == "" {
			err = errEmptyCompletion
		}
		if err != nil {
			h.restore(before)
			return &CompletionError{UserID: userID, Err: err}
		}

		reply = strings.TrimSpace(out)
		h.Append(Turn{Role: RoleAssistant, Content: reply})
		return nil
	})
	if err != nil {
		logger.WarnCF("conversation", "AI completion failed", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return a.fallback, err
	}
	return reply, nil
}
