// Package retry is the single retrying client used for every external call:
// a declared set of retryable conditions, exponential backoff, and an
// optional client-side rate limit.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RetryableStatus is the set of HTTP statuses worth another attempt:
// rate limited, server error, bad gateway, unavailable, overloaded.
var RetryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	529:                            true,
}

// StatusError is a non-2xx response from an external service.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Service, e.Code, e.Body)
}

// Temporary reports whether the status is in RetryableStatus.
func (e *StatusError) Temporary() bool { return RetryableStatus[e.Code] }

// Retryable is the default classification: retryable statuses and network
// timeouts. Everything else fails fast.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// Policy bounds retries.
type Policy struct {
	MaxRetries int // attempts after the first
	Initial    time.Duration
	Max        time.Duration
	Retryable  func(error) bool // nil means Retryable
}

// DefaultPolicy retries twice starting at one second.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 2, Initial: time.Second, Max: 30 * time.Second}
}

// Do runs op until it succeeds, fails with a non-retryable error, runs out
// of retries, or ctx ends.
func Do[T any](ctx context.Context, name string, p Policy, op func(context.Context) (T, error)) (T, error) {
	classify := p.Retryable
	if classify == nil {
		classify = Retryable
	}
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !classify(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(0, p.MaxRetries))+1),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn().Err(err).Str("call", name).Dur("wait", wait).Msg("retrying")
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return v, err
}

// NewLimiter returns a limiter allowing perMinute calls, or nil for no limit.
func NewLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// HTTPClient sends requests through Do and turns non-2xx responses into
// StatusError.
type HTTPClient struct {
	Service string
	Client  *http.Client
	Policy  Policy
	Limiter *rate.Limiter // optional
}

const maxErrorBody = 500

// Send builds a fresh request per attempt and returns the response body.
func (c *HTTPClient) Send(ctx context.Context, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	return Do(ctx, c.Service, c.Policy, func(ctx context.Context) ([]byte, error) {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.Service, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			if len(body) > maxErrorBody {
				body = body[:maxErrorBody]
			}
			return nil, &StatusError{Service: c.Service, Code: resp.StatusCode, Body: string(body)}
		}
		return body, nil
	})
}
