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

const anthropicAPI = "https://api.anthropic.com/v1/messages"

// Anthropic calls the Anthropic Messages API directly.
type Anthropic struct {
	apiKey string
	model  string
	url    string
	http   *retry.HTTPClient
}

// NewAnthropic creates a new Anthropic API client.
func NewAnthropic(apiKey, model string, timeout time.Duration, policy retry.Policy) *Anthropic {
	return &Anthropic{
		apiKey: apiKey,
		model:  model,
		url:    anthropicAPI,
		http: &retry.HTTPClient{
			Service: "anthropic",
			Client:  &http.Client{Timeout: timeout},
			Policy:  policy,
		},
	}
}

// Complete sends the request to the Messages API, retrying transient
// statuses.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	reqBody := map[string]any{
		"model":       a.model,
		"max_tokens":  maxTokens,
		"temperature": 0.2,
		"messages":    req.Messages,
	}
	if req.System != "" {
		reqBody["system"] = req.System
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := a.http.Send(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("x-api-key", a.apiKey)
		r.Header.Set("anthropic-version", "2023-06-01")
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range gjson.GetBytes(respBody, "content").Array() {
		if block.Get("type").String() == "text" {
			text.WriteString(block.Get("text").String())
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, ErrEmptyResponse
	}

	usage := gjson.GetBytes(respBody, "usage")
	return &Response{
		Content:    text.String(),
		Provider:   "anthropic",
		TokensUsed: int(usage.Get("input_tokens").Int() + usage.Get("output_tokens").Int()),
	}, nil
}
