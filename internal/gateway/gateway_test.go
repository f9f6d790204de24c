package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryStopsOnTerminalError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return NewError("DECLINED", "card declined")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, IsRetryable(err))
}

func TestRetryRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewRetryableError("TIMEOUT", "timed out")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return NewRetryableError("HTTP_503", "unavailable")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsRetryable(err))
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, RetryConfig{MaxAttempts: 5, BaseDelay: time.Second}, func(ctx context.Context) error {
		calls++
		return NewRetryableError("TIMEOUT", "timed out")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoJSONStatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
		wantErr   bool
	}{
		{"ok", http.StatusOK, false, false},
		{"created", http.StatusCreated, false, false},
		{"bad request is terminal", http.StatusBadRequest, false, true},
		{"unprocessable is terminal", http.StatusUnprocessableEntity, false, true},
		{"throttled is retryable", http.StatusTooManyRequests, true, true},
		{"server error is retryable", http.StatusInternalServerError, true, true},
		{"bad gateway is retryable", http.StatusBadGateway, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"id":"abc"}`))
			}))
			defer srv.Close()

			client := NewHTTPClient(srv.URL, time.Second, nil)
			var out struct {
				ID string `json:"id"`
			}
			err := client.DoJSON(context.Background(), http.MethodPost, "/v1/things", map[string]string{"a": "b"}, &out)

			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "abc", out.ID)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestDoJSONSendsConfiguredHeaders(t *testing.T) {
	var gotAuth, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, time.Second, map[string]string{"Authorization": "Bearer tok"})
	err := client.DoJSON(context.Background(), http.MethodGet, "/", nil, nil)

	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "application/json", gotType)
}
