package llm

import (
	"context"
	"fmt"

	"github.com/example/mailglot/config"
)

// Role tags a message within a completion conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a completion conversation.
type Message struct {
	Role    Role
	Content string
}

// Response is the model's reply to a completion request.
type Response struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// Client sends completion requests to an LLM backend.
type Client interface {
	Complete(ctx context.Context, messages []Message) (*Response, error)
}

// New returns the Client for the configured provider. The provider set is
// closed; unknown tags are a configuration error.
func New(cfg config.LLM) (Client, error) {
	switch cfg.Provider {
	case config.ProviderClaude:
		return newAnthropicClient(cfg), nil
	case config.ProviderOpenAI:
		return newOpenAIClient(cfg, openAIBaseURL, openAIDefaultModel), nil
	case config.ProviderPerplexity:
		return newOpenAIClient(cfg, perplexityBaseURL, perplexityDefaultModel), nil
	}
	return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
}
