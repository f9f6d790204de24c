// Package visa adapts the Visa Direct push-payments API for card
// payments. Refunds reverse the original push.
package visa

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"paycore/internal/gateway"
	"paycore/internal/payments"
	"paycore/internal/signature"
)

// Config holds Visa Direct configuration.
type Config struct {
	BaseURL       string        `envconfig:"VISA_BASE_URL" default:"https://sandbox.api.visa.com"`
	APIKey        string        `envconfig:"VISA_API_KEY"`
	AcquirerID    string        `envconfig:"VISA_ACQUIRER_ID"`
	WebhookSecret string        `envconfig:"VISA_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"VISA_TIMEOUT" default:"15s"`
}

// Adapter implements the payment gateway against Visa Direct.
type Adapter struct {
	cfg    Config
	client *gateway.HTTPClient
	logger *slog.Logger
}

// New creates a Visa adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["X-API-Key"] = cfg.APIKey
	}
	return &Adapter{
		cfg:    cfg,
		client: gateway.NewHTTPClient(cfg.BaseURL, cfg.Timeout, headers),
		logger: logger,
	}
}

// Name identifies the provider.
func (a *Adapter) Name() string { return "visa" }

func mapStatus(code string) payments.Status {
	switch code {
	case "RECEIVED":
		return payments.StatusPending
	case "PROCESSING":
		return payments.StatusProcessing
	case "COMPLETED", "APPROVED":
		return payments.StatusCompleted
	case "REVERSED":
		return payments.StatusRefunded
	case "DECLINED", "FAILED":
		return payments.StatusFailed
	default:
		return payments.StatusPending
	}
}

type pushRequest struct {
	AcquirerID     string  `json:"acquiringBin"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"transactionCurrencyCode"`
	RetrievalRef   string  `json:"retrievalReferenceNumber"`
	RecipientEmail string  `json:"recipientEmail"`
	RecipientName  string  `json:"recipientName,omitempty"`
}

type pushResponse struct {
	TransactionID string `json:"transactionIdentifier"`
	StatusCode    string `json:"actionCode"`
}

// Dispatch pushes funds in a single call; Visa settles synchronously for
// most card rails.
func (a *Adapter) Dispatch(ctx context.Context, req payments.DispatchRequest) (*payments.ExternalTransfer, error) {
	var resp pushResponse
	err := a.client.DoJSON(ctx, http.MethodPost, "/visadirect/fundstransfer/v1/pushfundstransactions", pushRequest{
		AcquirerID:     a.cfg.AcquirerID,
		Amount:         req.Amount.ToMajor(),
		Currency:       string(req.Amount.Currency),
		RetrievalRef:   req.TransactionID,
		RecipientEmail: req.Customer.Email,
		RecipientName:  req.Customer.Name,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("pushing funds: %w", err)
	}

	a.logger.Info("visa push submitted",
		"transaction_id", req.TransactionID,
		"visa_transaction_id", resp.TransactionID,
		"action_code", resp.StatusCode,
	)

	return &payments.ExternalTransfer{
		Reference: resp.TransactionID,
		Status:    mapStatus(resp.StatusCode),
		RawStatus: resp.StatusCode,
	}, nil
}

type statusResponse struct {
	TransactionID string `json:"transactionIdentifier"`
	StatusCode    string `json:"actionCode"`
}

// GetStatus fetches the provider's view of a push.
func (a *Adapter) GetStatus(ctx context.Context, providerRef string) (*payments.ExternalTransfer, error) {
	var resp statusResponse
	err := a.client.DoJSON(ctx, http.MethodGet, "/visadirect/fundstransfer/v1/pushfundstransactions/"+providerRef, nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("fetching push %s: %w", providerRef, err)
	}

	return &payments.ExternalTransfer{
		Reference: providerRef,
		Status:    mapStatus(resp.StatusCode),
		RawStatus: resp.StatusCode,
	}, nil
}

type reverseRequest struct {
	OriginalID   string  `json:"transactionIdentifier"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"transactionCurrencyCode"`
	RetrievalRef string  `json:"retrievalReferenceNumber"`
}

type reverseResponse struct {
	TransactionID string `json:"transactionIdentifier"`
	StatusCode    string `json:"actionCode"`
}

// Refund reverses the original push for the given amount.
func (a *Adapter) Refund(ctx context.Context, req payments.RefundRequest) (*payments.ExternalRefund, error) {
	var resp reverseResponse
	err := a.client.DoJSON(ctx, http.MethodPost, "/visadirect/fundstransfer/v1/reversefundstransactions", reverseRequest{
		OriginalID:   req.ProviderRef,
		Amount:       req.Amount.ToMajor(),
		Currency:     string(req.Amount.Currency),
		RetrievalRef: req.TransactionID,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("reversing push %s: %w", req.ProviderRef, err)
	}

	status := payments.StatusCompleted
	if mapStatus(resp.StatusCode) == payments.StatusFailed {
		return nil, gateway.NewError(resp.StatusCode, "reversal declined")
	}

	return &payments.ExternalRefund{
		Reference: resp.TransactionID,
		Status:    status,
	}, nil
}

// SignatureHeader names the webhook signature header.
func (a *Adapter) SignatureHeader() string { return "X-Visa-Signature" }

// VerifySignature checks the webhook HMAC over the raw payload.
func (a *Adapter) VerifySignature(payload []byte, signatureHeader string) bool {
	return signature.Verify(payload, signatureHeader, a.cfg.WebhookSecret,
		signature.HMACSHA256, signature.EncodingHex)
}

type webhookPayload struct {
	TransactionID string `json:"transactionIdentifier"`
	StatusCode    string `json:"actionCode"`
	Timestamp     string `json:"timestamp"`
}

// ParseEvent normalizes a Visa transaction status webhook.
func (a *Adapter) ParseEvent(raw []byte) (*payments.ReconEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding visa webhook: %w", err)
	}
	if payload.TransactionID == "" {
		return nil, fmt.Errorf("visa webhook missing transaction identifier")
	}

	occurredAt, err := time.Parse(time.RFC3339, payload.Timestamp)
	if err != nil {
		occurredAt = time.Now().UTC()
	}

	return &payments.ReconEvent{
		Provider:    a.Name(),
		ProviderRef: payload.TransactionID,
		Status:      mapStatus(payload.StatusCode),
		RawStatus:   payload.StatusCode,
		OccurredAt:  occurredAt,
	}, nil
}
