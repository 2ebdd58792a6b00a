package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lazypower/hotmem/internal/config"
	"github.com/lazypower/hotmem/internal/retry"
)

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request is a completion request: system instructions plus prior turns,
// ending with the user content.
type Request struct {
	System    string
	Messages  []Message
	MaxTokens int
}

// UserRequest builds a single-turn request.
func UserRequest(system, content string, maxTokens int) Request {
	return Request{
		System:    system,
		Messages:  []Message{{Role: "user", Content: content}},
		MaxTokens: maxTokens,
	}
}

// Client is the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Response holds the result of an LLM completion.
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

// NewClient creates an LLM client based on the config provider setting.
func NewClient(cfg config.LLMConfig) (Client, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries

	switch cfg.Provider {
	case "claude-cli":
		model := cfg.Model
		if model == "" {
			model = "haiku"
		}
		return NewClaudeCLI(model, timeout), nil
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, &config.Error{Field: "llm.anthropic_key", Reason: "anthropic provider requires ANTHROPIC_API_KEY"}
		}
		model := cfg.Model
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		a := NewAnthropic(cfg.AnthropicKey, model, timeout, policy)
		if cfg.AnthropicURL != "" {
			a.url = cfg.AnthropicURL
		}
		a.http.Limiter = retry.NewLimiter(cfg.RequestsPerMinute)
		return a, nil
	case "ollama":
		url := cfg.OllamaURL
		if url == "" {
			url = "http://localhost:11434"
		}
		model := cfg.OllamaModel
		if model == "" {
			model = "llama3.2"
		}
		return NewOllama(url, model, timeout, policy), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}
