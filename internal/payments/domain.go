// Package payments implements the payment orchestration core: the
// transaction domain model and state machine, persistence, and the
// orchestration service coordinating external providers.
package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/money"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
	StatusCancelled  Status = "cancelled"
)

// Kind distinguishes payments from their child refunds and internal
// transfers.
type Kind string

const (
	KindPayment Kind = "payment"
	KindRefund  Kind = "refund"
)

// Method is how the customer pays.
type Method string

const (
	MethodWalletToken  Method = "wallet_token"
	MethodCardPush     Method = "card_push"
	MethodBankTransfer Method = "bank_transfer"
)

// ValidMethod reports whether m is a supported payment method.
func ValidMethod(m Method) bool {
	switch m {
	case MethodWalletToken, MethodCardPush, MethodBankTransfer:
		return true
	}
	return false
}

// Customer is the payer on a transaction.
type Customer struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Transaction is a payment or refund tracked by the orchestrator.
type Transaction struct {
	ID             string            `json:"id"`
	Kind           Kind              `json:"kind"`
	Status         Status            `json:"status"`
	Amount         money.Money       `json:"amount"`
	Method         Method            `json:"method"`
	Customer       Customer          `json:"customer"`
	Provider       string            `json:"provider,omitempty"`
	ProviderRef    string            `json:"providerRef,omitempty"`
	ParentID       string            `json:"parentId,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	IdempotencyKey string            `json:"-"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// transitions is the orchestrator's state machine. Completed only moves to
// refunded; failed, refunded and cancelled are terminal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusRefunded},
}

// CanTransition reports whether the orchestrator may move a transaction
// from one status to another.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// reconcilerTransitions is the narrower set a webhook event may drive.
// Reconciliation never cancels and never downgrades a completed payment.
var reconcilerTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusRefunded},
}

// ReconcilerCanTransition reports whether a reconciliation event may move
// a transaction from one status to another.
func ReconcilerCanTransition(from, to Status) bool {
	for _, t := range reconcilerTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further orchestrator transition exists.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// NewTransaction builds a pending payment. The amount must be positive
// and the method supported.
func NewTransaction(amount money.Money, method Method, customer Customer, idempotencyKey string, metadata map[string]string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}
	if !money.ValidCurrency(amount.Currency) {
		return nil, fmt.Errorf("invalid currency %q", amount.Currency)
	}
	if !ValidMethod(method) {
		return nil, fmt.Errorf("unsupported payment method %q", method)
	}
	if customer.Email == "" {
		return nil, fmt.Errorf("customer email is required")
	}

	now := time.Now().UTC()
	return &Transaction{
		ID:             "txn_" + ulid.Make().String(),
		Kind:           KindPayment,
		Status:         StatusPending,
		Amount:         amount,
		Method:         method,
		Customer:       customer,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// NewRefund builds a pending refund against a completed parent payment.
func NewRefund(parent *Transaction, amount money.Money, reason, idempotencyKey string) (*Transaction, error) {
	if parent.Kind != KindPayment {
		return nil, fmt.Errorf("refunds may only target payments, parent %s is a %s", parent.ID, parent.Kind)
	}
	if parent.Status != StatusCompleted && parent.Status != StatusRefunded {
		return nil, fmt.Errorf("payment %s is %s, only completed payments can be refunded", parent.ID, parent.Status)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("refund amount must be positive, got %s", amount)
	}
	if amount.Currency != parent.Amount.Currency {
		return nil, fmt.Errorf("refund currency %s does not match payment currency %s", amount.Currency, parent.Amount.Currency)
	}
	if amount.GreaterThan(parent.Amount) {
		return nil, fmt.Errorf("refund %s exceeds payment amount %s", amount, parent.Amount)
	}

	now := time.Now().UTC()
	return &Transaction{
		ID:             "ref_" + ulid.Make().String(),
		Kind:           KindRefund,
		Status:         StatusPending,
		Amount:         amount,
		Method:         parent.Method,
		Customer:       parent.Customer,
		Provider:       parent.Provider,
		ParentID:       parent.ID,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Quote is a provider's committed rate for a cross-currency transfer.
type Quote struct {
	ID           string
	SourceAmount money.Money
	TargetAmount money.Money
	Rate         float64
	ExpiresAt    time.Time
}

// ExternalTransfer is the provider-side record of a dispatched payment.
type ExternalTransfer struct {
	Reference string
	Status    Status
	RawStatus string
}

// ExternalRefund is the provider-side record of a refund.
type ExternalRefund struct {
	Reference string
	Status    Status
}

// DispatchRequest carries everything a provider needs to move money.
type DispatchRequest struct {
	TransactionID string
	Amount        money.Money
	Method        Method
	Customer      Customer
	Metadata      map[string]string
}

// RefundRequest asks a provider to return funds for an earlier transfer.
type RefundRequest struct {
	TransactionID string
	ProviderRef   string
	Amount        money.Money
	Reason        string
}

// Gateway is implemented by external provider adapters.
type Gateway interface {
	// Name identifies the provider, e.g. "wise".
	Name() string
	// Dispatch moves money for a payment and returns the provider's
	// reference as soon as one exists.
	Dispatch(ctx context.Context, req DispatchRequest) (*ExternalTransfer, error)
	// GetStatus fetches the provider's current view of a transfer.
	GetStatus(ctx context.Context, providerRef string) (*ExternalTransfer, error)
	// Refund returns funds for an earlier transfer.
	Refund(ctx context.Context, req RefundRequest) (*ExternalRefund, error)
}

// ReconEvent is a normalized provider webhook event.
type ReconEvent struct {
	Provider    string
	ProviderRef string
	Status      Status
	RawStatus   string
	Amount      *money.Money
	OccurredAt  time.Time
}
