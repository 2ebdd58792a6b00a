package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lazypower/hotmem/internal/retry"
	"github.com/tidwall/gjson"
)

// Ollama calls a local Ollama instance.
type Ollama struct {
	url   string
	model string
	http  *retry.HTTPClient
}

// NewOllama creates a new Ollama client.
func NewOllama(url, model string, timeout time.Duration, policy retry.Policy) *Ollama {
	return &Ollama{
		url:   strings.TrimRight(url, "/"),
		model: model,
		http: &retry.HTTPClient{
			Service: "ollama",
			Client:  &http.Client{Timeout: timeout},
			Policy:  policy,
		},
	}
}

// Complete sends the conversation to Ollama's chat endpoint.
func (o *Ollama) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)

	options := map[string]any{"temperature": 0.2}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	body, err := json.Marshal(map[string]any{
		"model":    o.model,
		"messages": messages,
		"stream":   false,
		"options":  options,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := o.http.Send(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	content := gjson.GetBytes(respBody, "message.content").String()
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyResponse
	}
	return &Response{
		Content:    content,
		Provider:   "ollama",
		TokensUsed: int(gjson.GetBytes(respBody, "prompt_eval_count").Int() + gjson.GetBytes(respBody, "eval_count").Int()),
	}, nil
}
