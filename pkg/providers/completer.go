package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/relaybot/pkg/config"
	"github.com/dotsetgreg/relaybot/pkg/conversation"
	"github.com/dotsetgreg/relaybot/pkg/logger"
)

// Completer adapts an LLMProvider to conversation.Completer.
type Completer struct {
	provider LLMProvider
	opts     ChatOptions
}

func NewCompleter(provider LLMProvider, opts ChatOptions) *Completer {
	return &Completer{provider: provider, opts: opts}
}

// NewCompleterFromConfig builds the active provider with the model settings
// from the providers section.
func NewCompleterFromConfig(cfg *config.Config) (*Completer, error) {
	provider, err := CreateProvider(cfg)
	if err != nil {
		return nil, err
	}
	temperature := cfg.Providers.Temperature
	return NewCompleter(provider, ChatOptions{
		Model:       cfg.Providers.Model,
		MaxTokens:   cfg.Providers.MaxTokens,
		Temperature: &temperature,
	}), nil
}

func (c *Completer) Complete(ctx context.Context, history []conversation.Turn) (string, error) {
	messages := make([]Message, 0, len(history))
	for _, t := range history {
		messages = append(messages, Message{Role: string(t.Role), Content: t.Content})
	}

	resp, err := c.provider.Chat(ctx, messages, c.opts)
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", fmt.Errorf("empty completion (finish_reason=%s)", resp.FinishReason)
	}
	if resp.Usage != nil {
		logger.DebugCF("providers", "Completion usage", map[string]interface{}{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		})
	}
	return content, nil
}
