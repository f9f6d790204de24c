package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/money"
	"paycore/internal/payments"
	"paycore/internal/signature"
)

const hookSecret = "hook-secret"

// testProvider verifies hex HMAC-SHA256 and parses a minimal payload.
type testProvider struct{}

func (testProvider) Name() string            { return "testpay" }
func (testProvider) SignatureHeader() string { return "X-Testpay-Signature" }

func (testProvider) VerifySignature(payload []byte, header string) bool {
	return signature.Verify(payload, header, hookSecret, signature.HMACSHA256, signature.EncodingHex)
}

func (testProvider) ParseEvent(raw []byte) (*payments.ReconEvent, error) {
	var p struct {
		Ref    string `json:"ref"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}

	status := payments.Status(p.Status)
	switch status {
	case payments.StatusPending, payments.StatusProcessing, payments.StatusCompleted,
		payments.StatusFailed, payments.StatusRefunded:
	default:
		// Unknown provider statuses normalize to pending.
		status = payments.StatusPending
	}

	return &payments.ReconEvent{
		Provider:    "testpay",
		ProviderRef: p.Ref,
		Status:      status,
		RawStatus:   p.Status,
		OccurredAt:  time.Now().UTC(),
	}, nil
}

type noopGateway struct{}

func (noopGateway) Name() string { return "testpay" }
func (noopGateway) Dispatch(_ context.Context, _ payments.DispatchRequest) (*payments.ExternalTransfer, error) {
	return &payments.ExternalTransfer{Reference: "np-1", Status: payments.StatusProcessing}, nil
}
func (noopGateway) GetStatus(_ context.Context, ref string) (*payments.ExternalTransfer, error) {
	return &payments.ExternalTransfer{Reference: ref, Status: payments.StatusProcessing}, nil
}
func (noopGateway) Refund(_ context.Context, _ payments.RefundRequest) (*payments.ExternalRefund, error) {
	return &payments.ExternalRefund{Reference: "nr-1", Status: payments.StatusCompleted}, nil
}

func newTestReconciler(t *testing.T) (http.Handler, *payments.MemoryStore, *payments.Service) {
	t.Helper()

	logger := slog.Default()
	store := payments.NewMemoryStore()
	service := payments.NewService(store, map[payments.Method]payments.Gateway{
		payments.MethodBankTransfer: noopGateway{},
	}, nil, logger)

	rc := NewReconciler(service, []Provider{testProvider{}}, logger)
	router := chi.NewRouter()
	rc.Routes(router)
	return router, store, service
}

func sign(payload []byte) string {
	return signature.Sign(payload, hookSecret, signature.HMACSHA256, signature.EncodingHex)
}

func deliver(t *testing.T, handler http.Handler, provider string, payload []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhook/"+provider, bytes.NewReader(payload))
	if sig != "" {
		req.Header.Set("X-Testpay-Signature", sig)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func createProcessingPayment(t *testing.T, service *payments.Service) *payments.Transaction {
	t.Helper()

	txn, err := service.CreatePayment(context.Background(), payments.CreatePaymentInput{
		Amount:   money.New(5000, "EUR"),
		Method:   payments.MethodBankTransfer,
		Customer: payments.Customer{Email: "buyer@example.com"},
	})
	require.NoError(t, err)
	require.Equal(t, payments.StatusProcessing, txn.Status)
	return txn
}

func TestWebhookCompletesPayment(t *testing.T) {
	handler, _, service := newTestReconciler(t)
	txn := createProcessingPayment(t, service)

	payload := []byte(`{"ref":"np-1","status":"completed"}`)
	rec := deliver(t, handler, "testpay", payload, sign(payload))
	require.Equal(t, http.StatusOK, rec.Code)

	updated, err := service.GetPayment(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusCompleted, updated.Status)
}

func TestWebhookRejectsBadSignatureWithoutMutation(t *testing.T) {
	handler, _, service := newTestReconciler(t)
	txn := createProcessingPayment(t, service)

	payload := []byte(`{"ref":"np-1","status":"completed"}`)

	rec := deliver(t, handler, "testpay", payload, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = deliver(t, handler, "testpay", payload, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	stored, err := service.GetPayment(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusProcessing, stored.Status)
}

func TestWebhookSignatureCoversRawBytes(t *testing.T) {
	handler, _, service := newTestReconciler(t)
	createProcessingPayment(t, service)

	signed := []byte(`{"ref":"np-1","status":"completed"}`)
	// Same JSON value, different bytes.
	delivered := []byte(`{ "ref": "np-1", "status": "completed" }`)

	rec := deliver(t, handler, "testpay", delivered, sign(signed))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	handler, _, service := newTestReconciler(t)
	txn := createProcessingPayment(t, service)

	payload := []byte(`{"ref":"np-1","status":"completed"}`)

	rec := deliver(t, handler, "testpay", payload, sign(payload))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = deliver(t, handler, "testpay", payload, sign(payload))
	require.Equal(t, http.StatusOK, rec.Code)

	updated, err := service.GetPayment(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusCompleted, updated.Status)
}

func TestWebhookDowngradeConflictAcknowledged(t *testing.T) {
	handler, _, service := newTestReconciler(t)
	txn := createProcessingPayment(t, service)

	complete := []byte(`{"ref":"np-1","status":"completed"}`)
	rec := deliver(t, handler, "testpay", complete, sign(complete))
	require.Equal(t, http.StatusOK, rec.Code)

	// A late "failed" event must be acknowledged but not applied.
	failed := []byte(`{"ref":"np-1","status":"failed"}`)
	rec = deliver(t, handler, "testpay", failed, sign(failed))
	require.Equal(t, http.StatusOK, rec.Code)

	updated, err := service.GetPayment(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusCompleted, updated.Status)
}

func TestWebhookUnknownRefCreatesPlaceholder(t *testing.T) {
	handler, store, _ := newTestReconciler(t)

	payload := []byte(`{"ref":"never-seen","status":"completed"}`)
	rec := deliver(t, handler, "testpay", payload, sign(payload))
	require.Equal(t, http.StatusOK, rec.Code)

	txn, err := store.GetByProviderRef(context.Background(), "testpay", "never-seen")
	require.NoError(t, err)
	assert.Equal(t, payments.StatusCompleted, txn.Status)
	assert.Equal(t, "true", txn.Metadata["placeholder"])
}

func TestWebhookUnknownStatusNormalizesToPending(t *testing.T) {
	handler, store, _ := newTestReconciler(t)

	payload := []byte(`{"ref":"mystery","status":"some_new_state"}`)
	rec := deliver(t, handler, "testpay", payload, sign(payload))
	require.Equal(t, http.StatusOK, rec.Code)

	txn, err := store.GetByProviderRef(context.Background(), "testpay", "mystery")
	require.NoError(t, err)
	assert.Equal(t, payments.StatusPending, txn.Status)
}

func TestWebhookUnknownProvider(t *testing.T) {
	handler, _, _ := newTestReconciler(t)

	payload := []byte(`{"ref":"np-1","status":"completed"}`)
	rec := deliver(t, handler, "ghostpay", payload, sign(payload))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookBadPayload(t *testing.T) {
	handler, _, _ := newTestReconciler(t)

	payload := []byte(`not json at all`)
	rec := deliver(t, handler, "testpay", payload, sign(payload))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
