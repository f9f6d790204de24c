// Package wise adapts the Wise transfer API for bank transfer payments.
// A dispatch runs the provider's quote, recipient and transfer calls in
// sequence and reports the transfer reference back as soon as one exists.
package wise

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/payments"
	"paycore/internal/signature"
)

// Config holds Wise API configuration.
type Config struct {
	BaseURL       string        `envconfig:"WISE_BASE_URL" default:"https://api.sandbox.transferwise.tech"`
	APIToken      string        `envconfig:"WISE_API_TOKEN"`
	ProfileID     string        `envconfig:"WISE_PROFILE_ID"`
	WebhookSecret string        `envconfig:"WISE_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"WISE_TIMEOUT" default:"15s"`
}

// Adapter implements the payment gateway against Wise.
type Adapter struct {
	cfg    Config
	client *gateway.HTTPClient
	logger *slog.Logger
}

// New creates a Wise adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	headers := map[string]string{}
	if cfg.APIToken != "" {
		headers["Authorization"] = "Bearer " + cfg.APIToken
	}
	return &Adapter{
		cfg:    cfg,
		client: gateway.NewHTTPClient(cfg.BaseURL, cfg.Timeout, headers),
		logger: logger,
	}
}

// Name identifies the provider.
func (a *Adapter) Name() string { return "wise" }

// Wise transfer states
const (
	stateIncomingWaiting = "incoming_payment_waiting"
	stateProcessing      = "processing"
	stateOutgoingSent    = "outgoing_payment_sent"
	stateFundsRefunded   = "funds_refunded"
	stateCancelled       = "cancelled"
)

// mapStatus normalizes a Wise transfer state. Unknown states map to
// pending so reconciliation can settle them later.
func mapStatus(state string) payments.Status {
	switch state {
	case stateIncomingWaiting:
		return payments.StatusPending
	case stateProcessing:
		return payments.StatusProcessing
	case stateOutgoingSent:
		return payments.StatusCompleted
	case stateFundsRefunded:
		return payments.StatusRefunded
	case stateCancelled:
		return payments.StatusFailed
	default:
		return payments.StatusPending
	}
}

type quoteRequest struct {
	ProfileID      string  `json:"profile"`
	SourceCurrency string  `json:"sourceCurrency"`
	TargetCurrency string  `json:"targetCurrency"`
	TargetAmount   float64 `json:"targetAmount"`
}

type quoteResponse struct {
	ID           string  `json:"id"`
	Rate         float64 `json:"rate"`
	SourceAmount float64 `json:"sourceAmount"`
	TargetAmount float64 `json:"targetAmount"`
	ExpiresAt    string  `json:"expirationTime"`
}

type recipientRequest struct {
	ProfileID   string            `json:"profile"`
	AccountName string            `json:"accountHolderName"`
	Currency    string            `json:"currency"`
	Type        string            `json:"type"`
	Details     map[string]string `json:"details"`
}

type recipientResponse struct {
	ID int64 `json:"id"`
}

type transferRequest struct {
	TargetAccount int64  `json:"targetAccount"`
	QuoteID       string `json:"quoteUuid"`
	Reference     string `json:"customerTransactionId"`
}

type transferResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// Dispatch runs the quote, recipient and transfer sequence.
func (a *Adapter) Dispatch(ctx context.Context, req payments.DispatchRequest) (*payments.ExternalTransfer, error) {
	quote, err := a.createQuote(ctx, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("creating quote: %w", err)
	}

	recipient, err := a.createRecipient(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("creating recipient: %w", err)
	}

	var resp transferResponse
	err = a.client.DoJSON(ctx, http.MethodPost, "/v1/transfers", transferRequest{
		TargetAccount: recipient,
		QuoteID:       quote.ID,
		Reference:     req.TransactionID,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("creating transfer: %w", err)
	}

	a.logger.Info("wise transfer created",
		"transaction_id", req.TransactionID,
		"transfer_id", resp.ID,
		"state", resp.Status,
	)

	return &payments.ExternalTransfer{
		Reference: fmt.Sprintf("%d", resp.ID),
		Status:    mapStatus(resp.Status),
		RawStatus: resp.Status,
	}, nil
}

func (a *Adapter) createQuote(ctx context.Context, amount money.Money) (*payments.Quote, error) {
	var resp quoteResponse
	err := a.client.DoJSON(ctx, http.MethodPost, "/v3/quotes", quoteRequest{
		ProfileID:      a.cfg.ProfileID,
		SourceCurrency: string(amount.Currency),
		TargetCurrency: string(amount.Currency),
		TargetAmount:   amount.ToMajor(),
	}, &resp)
	if err != nil {
		return nil, err
	}

	expires, _ := time.Parse(time.RFC3339, resp.ExpiresAt)
	return &payments.Quote{
		ID:           resp.ID,
		SourceAmount: money.NewFromMajor(resp.SourceAmount, amount.Currency),
		TargetAmount: money.NewFromMajor(resp.TargetAmount, amount.Currency),
		Rate:         resp.Rate,
		ExpiresAt:    expires,
	}, nil
}

func (a *Adapter) createRecipient(ctx context.Context, req payments.DispatchRequest) (int64, error) {
	name := req.Customer.Name
	if name == "" {
		name = req.Customer.Email
	}

	var resp recipientResponse
	err := a.client.DoJSON(ctx, http.MethodPost, "/v1/accounts", recipientRequest{
		ProfileID:   a.cfg.ProfileID,
		AccountName: name,
		Currency:    string(req.Amount.Currency),
		Type:        "email",
		Details:     map[string]string{"email": req.Customer.Email},
	}, &resp)
	if err != nil {
		return 0, err
	}

	return resp.ID, nil
}

// GetStatus fetches the current transfer state.
func (a *Adapter) GetStatus(ctx context.Context, providerRef string) (*payments.ExternalTransfer, error) {
	var resp transferResponse
	err := a.client.DoJSON(ctx, http.MethodGet, "/v1/transfers/"+providerRef, nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("fetching transfer %s: %w", providerRef, err)
	}

	return &payments.ExternalTransfer{
		Reference: providerRef,
		Status:    mapStatus(resp.Status),
		RawStatus: resp.Status,
	}, nil
}

type refundRequest struct {
	Reason string `json:"reason"`
}

type refundResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// Refund cancels an unsettled transfer or requests a return of funds.
func (a *Adapter) Refund(ctx context.Context, req payments.RefundRequest) (*payments.ExternalRefund, error) {
	var resp refundResponse
	err := a.client.DoJSON(ctx, http.MethodPut, "/v1/transfers/"+req.ProviderRef+"/cancel", refundRequest{
		Reason: req.Reason,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("refunding transfer %s: %w", req.ProviderRef, err)
	}

	return &payments.ExternalRefund{
		Reference: fmt.Sprintf("%d", resp.ID),
		Status:    payments.StatusCompleted,
	}, nil
}

// SignatureHeader names the webhook signature header.
func (a *Adapter) SignatureHeader() string { return "X-Wise-Signature" }

// VerifySignature checks the webhook HMAC over the raw payload.
func (a *Adapter) VerifySignature(payload []byte, signatureHeader string) bool {
	return signature.Verify(payload, signatureHeader, a.cfg.WebhookSecret,
		signature.HMACSHA256, signature.EncodingBase64)
}

type webhookPayload struct {
	Data struct {
		Resource struct {
			ID int64 `json:"id"`
		} `json:"resource"`
		CurrentState string `json:"current_state"`
		OccurredAt   string `json:"occurred_at"`
	} `json:"data"`
}

// ParseEvent normalizes a Wise transfer state-change webhook.
func (a *Adapter) ParseEvent(raw []byte) (*payments.ReconEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding wise webhook: %w", err)
	}
	if payload.Data.Resource.ID == 0 {
		return nil, fmt.Errorf("wise webhook missing resource id")
	}

	occurredAt, err := time.Parse(time.RFC3339, payload.Data.OccurredAt)
	if err != nil {
		occurredAt = time.Now().UTC()
	}

	return &payments.ReconEvent{
		Provider:    a.Name(),
		ProviderRef: fmt.Sprintf("%d", payload.Data.Resource.ID),
		Status:      mapStatus(payload.Data.CurrentState),
		RawStatus:   payload.Data.CurrentState,
		OccurredAt:  occurredAt,
	}, nil
}
