// Package webhook receives provider callbacks and reconciles them
// against stored transactions. Signature verification runs over the raw
// request body before any parsing.
package webhook

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"paycore/internal/common/api"
	"paycore/internal/payments"
)

// maxBodyBytes bounds webhook payloads.
const maxBodyBytes = 1 << 20

// Provider is the webhook-facing side of a payment provider adapter.
type Provider interface {
	Name() string
	SignatureHeader() string
	// VerifySignature checks the provider's HMAC over the exact raw
	// payload bytes as received.
	VerifySignature(payload []byte, signatureHeader string) bool
	ParseEvent(raw []byte) (*payments.ReconEvent, error)
}

// Reconciler applies verified provider events to the orchestrator.
type Reconciler struct {
	service   *payments.Service
	providers map[string]Provider
	logger    *slog.Logger
}

// NewReconciler creates a webhook reconciler over the given providers.
func NewReconciler(service *payments.Service, providers []Provider, logger *slog.Logger) *Reconciler {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Reconciler{service: service, providers: byName, logger: logger}
}

// Routes mounts the webhook endpoint.
func (rc *Reconciler) Routes(r chi.Router) {
	r.Post("/webhook/{provider}", rc.handle)
}

// handle verifies, parses and applies one webhook delivery. Conflicting
// or replayed events are acknowledged with 200 so providers stop
// redelivering; only unverifiable or unparseable requests are rejected.
func (rc *Reconciler) handle(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	provider, ok := rc.providers[providerName]
	if !ok {
		api.NotFound(w, "Unknown provider")
		return
	}

	// The body must be read before anything touches it: the signature
	// covers the raw bytes, not a re-serialized form.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		api.BadRequest(w, "Could not read request body")
		return
	}

	if !provider.VerifySignature(body, r.Header.Get(provider.SignatureHeader())) {
		rc.logger.Warn("webhook signature rejected",
			"provider", providerName,
			"remote_addr", r.RemoteAddr,
		)
		api.Unauthorized(w, "Invalid signature")
		return
	}

	event, err := provider.ParseEvent(body)
	if err != nil {
		rc.logger.Warn("webhook payload rejected",
			"provider", providerName,
			"error", err,
		)
		api.BadRequest(w, "Invalid payload")
		return
	}

	txn, err := rc.service.ApplyReconciliation(r.Context(), *event)
	if err != nil {
		rc.logger.Error("webhook reconciliation failed",
			"provider", providerName,
			"provider_ref", event.ProviderRef,
			"error", err,
		)
		api.InternalError(w, "Reconciliation failed")
		return
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"transactionId": txn.ID,
		"status":        txn.Status,
	})
}
