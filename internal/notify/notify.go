// Package notify delivers operator alerts. Delivery is best-effort: callers
// log failures and carry on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lazypower/hotmem/internal/config"
	"github.com/lazypower/hotmem/internal/retry"
	"github.com/rs/zerolog/log"
)

// Notifier sends a short text message somewhere a human will see it.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop drops every message.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

const telegramAPI = "https://api.telegram.org"

// Telegram posts messages through the Bot API.
type Telegram struct {
	Token  string
	ChatID string

	baseURL string
	http    *retry.HTTPClient
}

// NewTelegram returns a Telegram notifier.
func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		Token:   token,
		ChatID:  chatID,
		baseURL: telegramAPI,
		http: &retry.HTTPClient{
			Service: "telegram",
			Client:  &http.Client{Timeout: 10 * time.Second},
			Policy:  retry.Policy{MaxRetries: 1, Initial: time.Second},
		},
	}
}

// New returns Telegram when both credentials are set, otherwise Nop.
func New(cfg config.NotifyConfig) Notifier {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == "" {
		return Nop{}
	}
	return NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
}

func (t *Telegram) Notify(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"chat_id": t.ChatID, "text": text})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.Token)
	_, err = t.http.Send(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// Send delivers text and logs instead of returning an error.
func Send(ctx context.Context, n Notifier, text string) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, text); err != nil {
		log.Warn().Err(err).Msg("notify_failed")
	}
}
