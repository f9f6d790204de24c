package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/database"
	"paycore/internal/common/events"
	"paycore/internal/common/middleware"
	"paycore/internal/common/money"
	"paycore/internal/gateway"
)

// Service errors surfaced to the API layer.
var (
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrDuplicateRequest = errors.New("duplicate request with different parameters")
	ErrNoGateway        = errors.New("no gateway configured for payment method")
	ErrNotRefundable    = errors.New("payment is not refundable")
	ErrInvalidRequest   = errors.New("invalid request")
)

// Publisher emits lifecycle events. A nil Publisher disables eventing.
type Publisher interface {
	Publish(ctx context.Context, subject string, env *events.Envelope) error
}

// CreatePaymentInput is a validated request to take a payment.
type CreatePaymentInput struct {
	Amount         money.Money
	Method         Method
	Customer       Customer
	IdempotencyKey string
	Metadata       map[string]string
}

// CreateRefundInput is a validated request to refund a payment.
type CreateRefundInput struct {
	PaymentID      string
	Amount         money.Money
	Reason         string
	IdempotencyKey string
}

// Service orchestrates the payment lifecycle across the store and the
// external provider gateways.
type Service struct {
	store     Store
	gateways  map[Method]Gateway
	publisher Publisher
	logger    *slog.Logger
	retry     gateway.RetryConfig
}

// NewService creates the orchestrator. Gateways are keyed by the payment
// method they serve; publisher may be nil.
func NewService(store Store, gateways map[Method]Gateway, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		gateways:  gateways,
		publisher: publisher,
		logger:    logger,
		retry:     gateway.DefaultRetry,
	}
}

// CreatePayment validates, persists and dispatches a payment. When an
// idempotency key matches a prior request the stored transaction is
// returned unchanged.
func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (*Transaction, error) {
	if in.IdempotencyKey != "" {
		existing, err := s.store.GetByIdempotencyKey(ctx, KindPayment, in.IdempotencyKey)
		if err == nil {
			if !existing.Amount.Equal(in.Amount) || existing.Method != in.Method {
				return nil, ErrDuplicateRequest
			}
			s.logger.Info("idempotent payment replay",
				"transaction_id", existing.ID,
				"idempotency_key", in.IdempotencyKey,
			)
			return existing, nil
		}
		if !database.IsNotFound(err) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	gw, ok := s.gateways[in.Method]
	if !ok {
		return nil, ErrNoGateway
	}

	txn, err := NewTransaction(in.Amount, in.Method, in.Customer, in.IdempotencyKey, in.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	txn.Provider = gw.Name()

	if err := s.store.Create(ctx, txn); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) && in.IdempotencyKey != "" {
			// Lost a race with a concurrent identical request.
			return s.store.GetByIdempotencyKey(ctx, KindPayment, in.IdempotencyKey)
		}
		return nil, fmt.Errorf("persisting payment: %w", err)
	}
	s.publish(ctx, events.SubjectTransactionCreated, events.EventTransactionCreated, txn, "")

	txn, err = s.store.UpdateStatus(ctx, txn.ID, StatusProcessing, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("marking payment processing: %w", err)
	}
	s.publish(ctx, events.SubjectTransactionUpdated, events.EventTransactionProcessing, txn, "")

	return s.dispatch(ctx, txn, gw)
}

// dispatch drives the provider call and settles the transaction into
// completed or failed.
func (s *Service) dispatch(ctx context.Context, txn *Transaction, gw Gateway) (*Transaction, error) {
	var transfer *ExternalTransfer
	err := gateway.Retry(ctx, s.retry, func(ctx context.Context) error {
		result, dispatchErr := gw.Dispatch(ctx, DispatchRequest{
			TransactionID: txn.ID,
			Amount:        txn.Amount,
			Method:        txn.Method,
			Customer:      txn.Customer,
			Metadata:      txn.Metadata,
		})
		if result != nil && result.Reference != "" && transfer == nil {
			// Record the provider reference as soon as one exists so
			// webhooks arriving mid-dispatch can match the transaction.
			refErr := s.store.SetProviderRef(ctx, txn.ID, gw.Name(), result.Reference)
			if errors.Is(refErr, database.ErrAlreadyExists) {
				// A webhook beat us here and left a placeholder holding
				// the reference; fold it into this transaction.
				refErr = s.adoptPlaceholder(ctx, txn, gw.Name(), result.Reference)
			}
			if refErr != nil {
				s.logger.Error("failed to record provider ref",
					"transaction_id", txn.ID, "provider_ref", result.Reference, "error", refErr)
			}
			txn.ProviderRef = result.Reference
		}
		if dispatchErr != nil {
			return dispatchErr
		}
		transfer = result
		return nil
	})

	if err != nil {
		return s.failPayment(ctx, txn, err)
	}

	switch transfer.Status {
	case StatusCompleted:
		updated, uerr := s.store.UpdateStatus(ctx, txn.ID, StatusCompleted, StatusProcessing)
		if uerr != nil {
			if errors.Is(uerr, ErrInvalidTransition) {
				// A webhook settled it first.
				return s.store.GetByID(ctx, txn.ID)
			}
			return nil, fmt.Errorf("marking payment completed: %w", uerr)
		}
		s.publish(ctx, events.SubjectTransactionUpdated, events.EventTransactionCompleted, updated, "")
		return updated, nil
	case StatusFailed:
		return s.failPayment(ctx, txn, fmt.Errorf("provider reported %s", transfer.RawStatus))
	default:
		// Provider accepted but has not settled; reconciliation will
		// finish the lifecycle.
		s.logger.Info("payment awaiting provider settlement",
			"transaction_id", txn.ID, "provider_status", transfer.RawStatus)
		return s.store.GetByID(ctx, txn.ID)
	}
}

// adoptPlaceholder merges a webhook-created placeholder into the real
// transaction once dispatch learns the provider reference. The real
// transaction takes over the reference and any settlement the provider
// already reported; the placeholder is retired so exactly one
// transaction tracks the external transfer.
func (s *Service) adoptPlaceholder(ctx context.Context, txn *Transaction, provider, ref string) error {
	holder, err := s.store.GetByProviderRef(ctx, provider, ref)
	if err != nil {
		return fmt.Errorf("looking up holder of provider ref %s: %w", ref, err)
	}
	if holder.ID == txn.ID {
		return nil
	}
	if holder.Metadata["placeholder"] != "true" {
		return fmt.Errorf("provider ref %s already belongs to %s", ref, holder.ID)
	}

	if err := s.store.ReleaseProviderRef(ctx, holder.ID); err != nil {
		return fmt.Errorf("releasing placeholder %s: %w", holder.ID, err)
	}
	if merr := s.store.SetMetadata(ctx, holder.ID, "supersededBy", txn.ID); merr != nil {
		s.logger.Error("failed to mark placeholder superseded",
			"transaction_id", holder.ID, "error", merr)
	}
	if err := s.store.SetProviderRef(ctx, txn.ID, provider, ref); err != nil {
		return fmt.Errorf("claiming provider ref %s: %w", ref, err)
	}

	// Carry over any settlement the webhook already delivered to the
	// placeholder.
	if holder.Status != StatusPending && holder.Status != txn.Status {
		updated, uerr := s.store.UpdateStatus(ctx, txn.ID, holder.Status, StatusPending, StatusProcessing)
		if uerr != nil {
			if !errors.Is(uerr, ErrInvalidTransition) {
				return fmt.Errorf("carrying placeholder status to %s: %w", txn.ID, uerr)
			}
		} else {
			s.publish(ctx, events.SubjectReconciliation, transitionEventType(updated.Status), updated, "")
		}
	}

	s.logger.Info("placeholder adopted",
		"transaction_id", txn.ID,
		"placeholder_id", holder.ID,
		"provider_ref", ref,
	)
	return nil
}

func (s *Service) failPayment(ctx context.Context, txn *Transaction, cause error) (*Transaction, error) {
	updated, err := s.store.UpdateStatus(ctx, txn.ID, StatusFailed, StatusPending, StatusProcessing)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return s.store.GetByID(ctx, txn.ID)
		}
		return nil, fmt.Errorf("marking payment failed: %w", err)
	}

	if merr := s.store.SetMetadata(ctx, txn.ID, "errorMessage", cause.Error()); merr != nil {
		s.logger.Error("failed to record error message", "transaction_id", txn.ID, "error", merr)
	}

	s.logger.Warn("payment failed",
		"transaction_id", txn.ID,
		"provider", txn.Provider,
		"error", cause,
	)
	s.publish(ctx, events.SubjectTransactionUpdated, events.EventTransactionFailed, updated, cause.Error())

	return updated, nil
}

// GetPayment fetches a payment by ID.
func (s *Service) GetPayment(ctx context.Context, id string) (*Transaction, error) {
	txn, err := s.store.GetByID(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return txn, nil
}

// CreateRefund validates, persists and dispatches a refund against a
// completed payment. Cumulative refunds never exceed the payment amount.
func (s *Service) CreateRefund(ctx context.Context, in CreateRefundInput) (*Transaction, error) {
	if in.IdempotencyKey != "" {
		existing, err := s.store.GetByIdempotencyKey(ctx, KindRefund, in.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !database.IsNotFound(err) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	parent, err := s.store.GetByID(ctx, in.PaymentID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	amount := in.Amount
	if amount.IsZero() {
		amount = parent.Amount
	}

	refund, err := NewRefund(parent, amount, in.Reason, in.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}

	if err := s.store.CreateRefund(ctx, refund); err != nil {
		switch {
		case errors.Is(err, database.ErrAlreadyExists) && in.IdempotencyKey != "":
			return s.store.GetByIdempotencyKey(ctx, KindRefund, in.IdempotencyKey)
		case errors.Is(err, ErrInvalidTransition):
			return nil, ErrNotRefundable
		default:
			return nil, err
		}
	}
	s.publish(ctx, events.SubjectTransactionCreated, events.EventTransactionCreated, refund, "")

	gw, ok := s.gateways[parent.Method]
	if !ok {
		return s.failRefund(ctx, refund, ErrNoGateway)
	}

	refund, err = s.store.UpdateStatus(ctx, refund.ID, StatusProcessing, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("marking refund processing: %w", err)
	}

	var external *ExternalRefund
	err = gateway.Retry(ctx, s.retry, func(ctx context.Context) error {
		result, rerr := gw.Refund(ctx, RefundRequest{
			TransactionID: refund.ID,
			ProviderRef:   parent.ProviderRef,
			Amount:        amount,
			Reason:        in.Reason,
		})
		if rerr != nil {
			return rerr
		}
		external = result
		return nil
	})
	if err != nil {
		return s.failRefund(ctx, refund, err)
	}

	if external.Reference != "" {
		if refErr := s.store.SetProviderRef(ctx, refund.ID, gw.Name(), external.Reference); refErr != nil {
			s.logger.Error("failed to record provider ref",
				"transaction_id", refund.ID, "provider_ref", external.Reference, "error", refErr)
		}
		refund.ProviderRef = external.Reference
	}

	refund, err = s.store.UpdateStatus(ctx, refund.ID, StatusCompleted, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("marking refund completed: %w", err)
	}
	s.publish(ctx, events.SubjectTransactionUpdated, events.EventTransactionCompleted, refund, "")

	return refund, s.settleParent(ctx, parent, refund)
}

// settleParent records the cumulative refunded amount on the parent and
// flips it to refunded once fully returned.
func (s *Service) settleParent(ctx context.Context, parent, refund *Transaction) error {
	total, err := s.store.SumRefunded(ctx, parent.ID)
	if err != nil {
		return fmt.Errorf("summing refunds: %w", err)
	}

	if merr := s.store.SetMetadata(ctx, parent.ID, "refundedAmount", total.String()); merr != nil {
		s.logger.Error("failed to record refunded amount", "transaction_id", parent.ID, "error", merr)
	}

	if total.AmountMinor >= parent.Amount.AmountMinor {
		updated, uerr := s.store.UpdateStatus(ctx, parent.ID, StatusRefunded, StatusCompleted)
		if uerr != nil {
			if errors.Is(uerr, ErrInvalidTransition) {
				return nil
			}
			return fmt.Errorf("marking payment refunded: %w", uerr)
		}
		s.publish(ctx, events.SubjectTransactionUpdated, events.EventTransactionRefunded, updated, "")
	}

	return nil
}

func (s *Service) failRefund(ctx context.Context, refund *Transaction, cause error) (*Transaction, error) {
	updated, err := s.store.UpdateStatus(ctx, refund.ID, StatusFailed, StatusPending, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("marking refund failed: %w", err)
	}
	if merr := s.store.SetMetadata(ctx, refund.ID, "errorMessage", cause.Error()); merr != nil {
		s.logger.Error("failed to record error message", "transaction_id", refund.ID, "error", merr)
	}

	s.logger.Warn("refund failed", "transaction_id", refund.ID, "error", cause)
	s.publish(ctx, events.SubjectTransactionUpdated, events.EventTransactionFailed, updated, cause.Error())

	return updated, nil
}

// ListRefunds returns the refunds recorded against a payment.
func (s *Service) ListRefunds(ctx context.Context, paymentID string) ([]*Transaction, error) {
	if _, err := s.GetPayment(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.store.ListRefunds(ctx, paymentID)
}

// ApplyReconciliation applies a verified provider webhook event to the
// matching transaction. Unknown provider references create a pending
// placeholder; disallowed transitions are recorded as conflicts, not
// errors.
func (s *Service) ApplyReconciliation(ctx context.Context, event ReconEvent) (*Transaction, error) {
	txn, err := s.store.GetByProviderRef(ctx, event.Provider, event.ProviderRef)
	if err != nil {
		if !database.IsNotFound(err) {
			return nil, fmt.Errorf("looking up provider ref %s: %w", event.ProviderRef, err)
		}

		txn, err = s.createPlaceholder(ctx, event)
		if err != nil {
			return nil, err
		}
	}

	if txn.Status == event.Status {
		// Replayed delivery; nothing to do.
		return txn, nil
	}

	if !ReconcilerCanTransition(txn.Status, event.Status) {
		if staleEvent(txn, event) {
			// Deliveries can arrive out of order; an event older than the
			// last one applied is late, not conflicting.
			s.logger.Info("stale reconciliation event ignored",
				"transaction_id", txn.ID,
				"provider", event.Provider,
				"event_status", event.Status,
				"occurred_at", event.OccurredAt,
			)
			return txn, nil
		}
		s.logger.Warn("reconciliation conflict",
			"transaction_id", txn.ID,
			"provider", event.Provider,
			"provider_ref", event.ProviderRef,
			"current_status", txn.Status,
			"event_status", event.Status,
			"raw_status", event.RawStatus,
		)
		s.publishConflict(ctx, txn, event)
		return txn, nil
	}

	updated, err := s.store.UpdateStatus(ctx, txn.ID, event.Status, txn.Status)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Raced with another writer; re-read and treat as conflict
			// or replay.
			current, gerr := s.store.GetByID(ctx, txn.ID)
			if gerr != nil {
				return nil, gerr
			}
			if current.Status != event.Status && !ReconcilerCanTransition(current.Status, event.Status) {
				s.publishConflict(ctx, current, event)
			}
			return current, nil
		}
		return nil, fmt.Errorf("applying reconciliation to %s: %w", txn.ID, err)
	}

	if !event.OccurredAt.IsZero() {
		if merr := s.store.SetMetadata(ctx, updated.ID, "providerEventAt",
			event.OccurredAt.UTC().Format(time.RFC3339Nano)); merr != nil {
			s.logger.Error("failed to record provider event time",
				"transaction_id", updated.ID, "error", merr)
		}
	}

	s.logger.Info("reconciliation applied",
		"transaction_id", updated.ID,
		"provider", event.Provider,
		"status", updated.Status,
	)
	s.publish(ctx, events.SubjectReconciliation, transitionEventType(updated.Status), updated, "")

	return updated, nil
}

// staleEvent reports whether a reconciliation event predates the last
// provider event already applied to the transaction.
func staleEvent(txn *Transaction, event ReconEvent) bool {
	if event.OccurredAt.IsZero() {
		return false
	}
	last, err := time.Parse(time.RFC3339Nano, txn.Metadata["providerEventAt"])
	if err != nil {
		return false
	}
	return !event.OccurredAt.After(last)
}

func transitionEventType(status Status) events.EventType {
	return map[Status]events.EventType{
		StatusProcessing: events.EventTransactionProcessing,
		StatusCompleted:  events.EventTransactionCompleted,
		StatusFailed:     events.EventTransactionFailed,
		StatusRefunded:   events.EventTransactionRefunded,
	}[status]
}

// createPlaceholder records a pending transaction for a webhook that
// arrived before the dispatch path stored the provider reference.
func (s *Service) createPlaceholder(ctx context.Context, event ReconEvent) (*Transaction, error) {
	amount := money.Zero("EUR")
	if event.Amount != nil {
		amount = *event.Amount
	}

	now := time.Now().UTC()
	txn := &Transaction{
		ID:          "txn_" + ulid.Make().String(),
		Kind:        KindPayment,
		Status:      StatusPending,
		Amount:      amount,
		Method:      MethodBankTransfer,
		Customer:    Customer{Email: "unknown@placeholder.invalid"},
		Provider:    event.Provider,
		ProviderRef: event.ProviderRef,
		Metadata:    map[string]string{"placeholder": "true"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.Create(ctx, txn); err != nil {
		if database.IsUniqueViolation(err) || errors.Is(err, database.ErrAlreadyExists) {
			// Dispatch path stored the ref between our lookup and insert.
			return s.store.GetByProviderRef(ctx, event.Provider, event.ProviderRef)
		}
		return nil, fmt.Errorf("creating placeholder for %s: %w", event.ProviderRef, err)
	}

	s.logger.Info("placeholder transaction created",
		"transaction_id", txn.ID,
		"provider", event.Provider,
		"provider_ref", event.ProviderRef,
	)
	s.publish(ctx, events.SubjectTransactionCreated, events.EventTransactionCreated, txn, "")

	return txn, nil
}

func (s *Service) publish(ctx context.Context, subject string, eventType events.EventType, txn *Transaction, errMsg string) {
	if s.publisher == nil || eventType == "" {
		return
	}

	env, err := events.NewEnvelope(eventType, correlationFrom(ctx), events.TransactionEvent{
		TransactionID: txn.ID,
		Kind:          string(txn.Kind),
		Status:        string(txn.Status),
		Method:        string(txn.Method),
		Amount:        txn.Amount,
		Provider:      txn.Provider,
		ProviderRef:   txn.ProviderRef,
		ErrorMessage:  errMsg,
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}

	if err := s.publisher.Publish(ctx, subject, env); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "subject", subject, "error", err)
	}
}

func (s *Service) publishConflict(ctx context.Context, txn *Transaction, event ReconEvent) {
	if s.publisher == nil {
		return
	}

	env, err := events.NewEnvelope(events.EventReconConflict, correlationFrom(ctx), events.ReconConflictEvent{
		TransactionID: txn.ID,
		Provider:      event.Provider,
		ProviderRef:   event.ProviderRef,
		FromStatus:    string(txn.Status),
		ToStatus:      string(event.Status),
		DetectedAt:    time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("failed to build conflict event", "error", err)
		return
	}

	if err := s.publisher.Publish(ctx, events.SubjectReconciliationConflict, env); err != nil {
		s.logger.Error("failed to publish conflict event", "error", err)
	}
}

func correlationFrom(ctx context.Context) string {
	return middleware.GetCorrelationID(ctx)
}
