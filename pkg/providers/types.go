// Package providers implements the chat-completion backends behind AI replies.
package providers

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type LLMResponse struct {
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

// ChatOptions tunes a single request. Zero values leave the backend default.
type ChatOptions struct {
	Model       string
	MaxTokens   int
	Temperature *float64
}

type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*LLMResponse, error)
	GetDefaultModel() string
}
