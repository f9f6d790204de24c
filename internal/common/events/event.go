// Package events defines the event envelope and payment lifecycle events.
package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/money"
)

// NATS subjects for payment events
const (
	SubjectTransactionCreated     = "payments.transaction.created"
	SubjectTransactionUpdated     = "payments.transaction.updated"
	SubjectReconciliation         = "payments.reconciliation.applied"
	SubjectReconciliationConflict = "payments.reconciliation.conflict"
)

// EventType identifies the type of payment event.
type EventType string

const (
	EventTransactionCreated    EventType = "payment.transaction.created"
	EventTransactionProcessing EventType = "payment.transaction.processing"
	EventTransactionCompleted  EventType = "payment.transaction.completed"
	EventTransactionFailed     EventType = "payment.transaction.failed"
	EventTransactionRefunded   EventType = "payment.transaction.refunded"
	EventReconConflict         EventType = "payment.reconciliation.conflict"
)

// Envelope wraps all events with common metadata.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope creates a new event envelope.
func NewEnvelope(eventType EventType, correlationID string, data any) (*Envelope, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:            ulid.Make().String(),
		Type:          eventType,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          jsonData,
	}, nil
}

// DecodeData decodes the envelope data into a struct.
func (e *Envelope) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// TransactionEvent is the normalized lifecycle event for any transaction.
type TransactionEvent struct {
	TransactionID string      `json:"transaction_id"`
	Kind          string      `json:"kind"`
	Status        string      `json:"status"`
	Method        string      `json:"method"`
	Amount        money.Money `json:"amount"`
	Provider      string      `json:"provider,omitempty"`
	ProviderRef   string      `json:"provider_ref,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	OccurredAt    time.Time   `json:"occurred_at"`
}

// ReconConflictEvent is published when a webhook attempts a disallowed
// state transition.
type ReconConflictEvent struct {
	TransactionID string    `json:"transaction_id"`
	Provider      string    `json:"provider"`
	ProviderRef   string    `json:"provider_ref"`
	FromStatus    string    `json:"from_status"`
	ToStatus      string    `json:"to_status"`
	DetectedAt    time.Time `json:"detected_at"`
}
