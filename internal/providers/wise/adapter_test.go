package wise

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/payments"
	"paycore/internal/signature"
)

func newTestAdapter(t *testing.T, handler http.Handler) (*Adapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(Config{
		BaseURL:       srv.URL,
		APIToken:      "test-token",
		ProfileID:     "profile-1",
		WebhookSecret: "hook-secret",
		Timeout:       time.Second,
	}, slog.Default()), srv
}

func TestDispatchRunsQuoteRecipientTransfer(t *testing.T) {
	var calls []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/quotes", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "quote")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "quote-1", "rate": 1.0, "sourceAmount": 50.0, "targetAmount": 50.0,
			"expirationTime": time.Now().Add(time.Minute).Format(time.RFC3339),
		})
	})
	mux.HandleFunc("POST /v1/accounts", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "recipient")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 777})
	})
	mux.HandleFunc("POST /v1/transfers", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "transfer")
		var req transferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(777), req.TargetAccount)
		assert.Equal(t, "quote-1", req.QuoteID)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 42, "status": "outgoing_payment_sent"})
	})

	adapter, _ := newTestAdapter(t, mux)

	transfer, err := adapter.Dispatch(context.Background(), payments.DispatchRequest{
		TransactionID: "txn_1",
		Amount:        money.New(5000, "EUR"),
		Customer:      payments.Customer{Email: "buyer@example.com", Name: "Ada Buyer"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"quote", "recipient", "transfer"}, calls)
	assert.Equal(t, "42", transfer.Reference)
	assert.Equal(t, payments.StatusCompleted, transfer.Status)
}

func TestDispatchPropagatesRetryableServerError(t *testing.T) {
	adapter, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := adapter.Dispatch(context.Background(), payments.DispatchRequest{
		TransactionID: "txn_1",
		Amount:        money.New(5000, "EUR"),
		Customer:      payments.Customer{Email: "buyer@example.com"},
	})
	require.Error(t, err)
	assert.True(t, gateway.IsRetryable(err))
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, payments.StatusPending, mapStatus("incoming_payment_waiting"))
	assert.Equal(t, payments.StatusProcessing, mapStatus("processing"))
	assert.Equal(t, payments.StatusCompleted, mapStatus("outgoing_payment_sent"))
	assert.Equal(t, payments.StatusRefunded, mapStatus("funds_refunded"))
	assert.Equal(t, payments.StatusFailed, mapStatus("cancelled"))
	assert.Equal(t, payments.StatusPending, mapStatus("some_future_state"))
}

func TestParseEvent(t *testing.T) {
	adapter := New(Config{WebhookSecret: "hook-secret"}, slog.Default())

	raw := []byte(`{"data":{"resource":{"id":42},"current_state":"outgoing_payment_sent","occurred_at":"2026-08-29T10:00:00Z"}}`)
	event, err := adapter.ParseEvent(raw)
	require.NoError(t, err)

	assert.Equal(t, "wise", event.Provider)
	assert.Equal(t, "42", event.ProviderRef)
	assert.Equal(t, payments.StatusCompleted, event.Status)
	assert.Equal(t, "outgoing_payment_sent", event.RawStatus)
	assert.Equal(t, time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC), event.OccurredAt)

	_, err = adapter.ParseEvent([]byte(`{"data":{}}`))
	assert.Error(t, err)

	_, err = adapter.ParseEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	adapter := New(Config{WebhookSecret: "hook-secret"}, slog.Default())

	payload := []byte(`{"data":{"resource":{"id":42}}}`)
	sig := signature.Sign(payload, "hook-secret", signature.HMACSHA256, signature.EncodingBase64)

	assert.True(t, adapter.VerifySignature(payload, sig))
	assert.False(t, adapter.VerifySignature(payload, "tampered"))
	assert.False(t, adapter.VerifySignature([]byte(`{"data":{}}`), sig))
}
