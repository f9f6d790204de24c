// Package wallet adapts a tokenized wallet provider. A dispatch opens a
// session for the wallet token, authorizes the amount and captures it.
package wallet

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

// Config holds wallet provider configuration.
type Config struct {
	BaseURL       string        `envconfig:"WALLET_BASE_URL" default:"https://api.sandbox.wallet.example.com"`
	MerchantID    string        `envconfig:"WALLET_MERCHANT_ID"`
	APISecret     string        `envconfig:"WALLET_API_SECRET"`
	WebhookSecret string        `envconfig:"WALLET_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"WALLET_TIMEOUT" default:"10s"`
}

// Adapter implements the payment gateway against the wallet provider.
type Adapter struct {
	cfg    Config
	client *gateway.HTTPClient
	logger *slog.Logger
}

// New creates a wallet adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	headers := map[string]string{}
	if cfg.APISecret != "" {
		headers["Authorization"] = "Bearer " + cfg.APISecret
	}
	if cfg.MerchantID != "" {
		headers["X-Merchant-ID"] = cfg.MerchantID
	}
	return &Adapter{
		cfg:    cfg,
		client: gateway.NewHTTPClient(cfg.BaseURL, cfg.Timeout, headers),
		logger: logger,
	}
}

// Name identifies the provider.
func (a *Adapter) Name() string { return "wallet" }

func mapStatus(state string) payments.Status {
	switch state {
	case "created", "authorized":
		return payments.StatusProcessing
	case "captured":
		return payments.StatusCompleted
	case "refunded":
		return payments.StatusRefunded
	case "declined", "expired", "voided":
		return payments.StatusFailed
	default:
		return payments.StatusPending
	}
}

type sessionRequest struct {
	WalletToken string  `json:"walletToken"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Reference   string  `json:"merchantReference"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

type authorizeResponse struct {
	ChargeID string `json:"chargeId"`
	State    string `json:"state"`
}

type captureResponse struct {
	ChargeID string `json:"chargeId"`
	State    string `json:"state"`
}

// Dispatch runs the session, authorize and capture sequence. The wallet
// token travels in metadata under "walletToken".
func (a *Adapter) Dispatch(ctx context.Context, req payments.DispatchRequest) (*payments.ExternalTransfer, error) {
	token := req.Metadata["walletToken"]
	if token == "" {
		return nil, gateway.NewError("MISSING_WALLET_TOKEN", "wallet_token payments require metadata.walletToken")
	}

	var session sessionResponse
	err := a.client.DoJSON(ctx, http.MethodPost, "/v1/sessions", sessionRequest{
		WalletToken: token,
		Amount:      req.Amount.ToMajor(),
		Currency:    string(req.Amount.Currency),
		Reference:   req.TransactionID,
	}, &session)
	if err != nil {
		return nil, fmt.Errorf("creating wallet session: %w", err)
	}

	var authorized authorizeResponse
	err = a.client.DoJSON(ctx, http.MethodPost, "/v1/sessions/"+session.SessionID+"/authorize", nil, &authorized)
	if err != nil {
		return nil, fmt.Errorf("authorizing wallet session %s: %w", session.SessionID, err)
	}
	if mapStatus(authorized.State) == payments.StatusFailed {
		return &payments.ExternalTransfer{
			Reference: authorized.ChargeID,
			Status:    payments.StatusFailed,
			RawStatus: authorized.State,
		}, nil
	}

	var captured captureResponse
	err = a.client.DoJSON(ctx, http.MethodPost, "/v1/charges/"+authorized.ChargeID+"/capture", nil, &captured)
	if err != nil {
		// The charge exists even if capture failed; hand back the
		// reference so reconciliation can finish the lifecycle.
		return &payments.ExternalTransfer{
			Reference: authorized.ChargeID,
			Status:    payments.StatusProcessing,
			RawStatus: authorized.State,
		}, err
	}

	a.logger.Info("wallet charge captured",
		"transaction_id", req.TransactionID,
		"charge_id", captured.ChargeID,
		"state", captured.State,
	)

	return &payments.ExternalTransfer{
		Reference: captured.ChargeID,
		Status:    mapStatus(captured.State),
		RawStatus: captured.State,
	}, nil
}

// GetStatus fetches the current charge state.
func (a *Adapter) GetStatus(ctx context.Context, providerRef string) (*payments.ExternalTransfer, error) {
	var resp captureResponse
	err := a.client.DoJSON(ctx, http.MethodGet, "/v1/charges/"+providerRef, nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("fetching charge %s: %w", providerRef, err)
	}

	return &payments.ExternalTransfer{
		Reference: providerRef,
		Status:    mapStatus(resp.State),
		RawStatus: resp.State,
	}, nil
}

type refundRequest struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Reason   string  `json:"reason,omitempty"`
}

type refundResponse struct {
	RefundID string `json:"refundId"`
	State    string `json:"state"`
}

// Refund returns captured funds to the wallet.
func (a *Adapter) Refund(ctx context.Context, req payments.RefundRequest) (*payments.ExternalRefund, error) {
	var resp refundResponse
	err := a.client.DoJSON(ctx, http.MethodPost, "/v1/charges/"+req.ProviderRef+"/refunds", refundRequest{
		Amount:   req.Amount.ToMajor(),
		Currency: string(req.Amount.Currency),
		Reason:   req.Reason,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("refunding charge %s: %w", req.ProviderRef, err)
	}

	return &payments.ExternalRefund{
		Reference: resp.RefundID,
		Status:    payments.StatusCompleted,
	}, nil
}

// SignatureHeader names the webhook signature header.
func (a *Adapter) SignatureHeader() string { return "X-Wallet-Signature" }

// VerifySignature checks the webhook HMAC over the raw payload.
func (a *Adapter) VerifySignature(payload []byte, signatureHeader string) bool {
	return signature.Verify(payload, signatureHeader, a.cfg.WebhookSecret,
		signature.HMACSHA256, signature.EncodingHex)
}

type webhookPayload struct {
	ChargeID   string `json:"chargeId"`
	State      string `json:"state"`
	OccurredAt string `json:"occurredAt"`
}

// ParseEvent normalizes a wallet charge state-change webhook.
func (a *Adapter) ParseEvent(raw []byte) (*payments.ReconEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding wallet webhook: %w", err)
	}
	if payload.ChargeID == "" {
		return nil, fmt.Errorf("wallet webhook missing charge id")
	}

	occurredAt, err := time.Parse(time.RFC3339, payload.OccurredAt)
	if err != nil {
		occurredAt = time.Now().UTC()
	}

	return &payments.ReconEvent{
		Provider:    a.Name(),
		ProviderRef: payload.ChargeID,
		Status:      mapStatus(payload.State),
		RawStatus:   payload.State,
		OccurredAt:  occurredAt,
	}, nil
}
