package retry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) Policy {
	return Policy{MaxRetries: retries, Initial: time.Millisecond, Max: 5 * time.Millisecond}
}

func TestRetryable(t *testing.T) {
	for code, want := range map[int]bool{429: true, 500: true, 502: true, 503: true, 529: true, 400: false, 401: false, 404: false, 504: false} {
		assert.Equal(t, want, Retryable(&StatusError{Code: code}), "status %d", code)
	}
	assert.False(t, Retryable(errors.New("plain")))
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), "test", fastPolicy(2), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &StatusError{Code: 529}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), "test", fastPolicy(2), func(context.Context) (int, error) {
		calls++
		return 0, &StatusError{Code: 503}
	})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 503, se.Code)
	assert.Equal(t, 3, calls)
}

func TestDoFailsFastOnPermanent(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), "test", fastPolicy(5), func(context.Context) (int, error) {
		calls++
		return 0, &StatusError{Code: 400, Body: "bad"}
	})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 400, se.Code)
	assert.Equal(t, 1, calls)
}

func TestHTTPClientSend(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := &HTTPClient{Service: "test", Policy: fastPolicy(2), Limiter: NewLimiter(6000)}
	body, err := c.Send(context.Background(), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPClientSendStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := &HTTPClient{Service: "test", Policy: fastPolicy(2)}
	_, err := c.Send(context.Background(), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Contains(t, se.Body, "nope")
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter(0))
	assert.NotNil(t, NewLimiter(30))
}
