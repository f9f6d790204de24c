package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"paycore/internal/common/database"
	"paycore/internal/common/money"
)

// MemoryStore is an in-memory Store for tests and local development. It
// enforces the same idempotency and refund-balance rules as the Postgres
// store.
type MemoryStore struct {
	mu   sync.Mutex
	txns map[string]*Transaction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txns: map[string]*Transaction{}}
}

func (m *MemoryStore) Create(_ context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Same constraint as the transactions table: zero is valid (webhook
	// placeholders), negative is not.
	if txn.Amount.AmountMinor < 0 {
		return fmt.Errorf("transaction %s: negative amount", txn.ID)
	}
	if txn.IdempotencyKey != "" {
		for _, t := range m.txns {
			if t.Kind == txn.Kind && t.IdempotencyKey == txn.IdempotencyKey {
				return database.ErrAlreadyExists
			}
		}
	}
	if txn.ProviderRef != "" {
		for _, t := range m.txns {
			if t.Provider == txn.Provider && t.ProviderRef == txn.ProviderRef {
				return database.ErrAlreadyExists
			}
		}
	}

	cp := *txn
	m.txns[txn.ID] = &cp
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.txns[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, database.ErrNotFound
}

func (m *MemoryStore) GetByProviderRef(_ context.Context, provider, ref string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ref == "" {
		return nil, database.ErrNotFound
	}
	for _, t := range m.txns {
		if t.Provider == provider && t.ProviderRef == ref {
			cp := *t
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *MemoryStore) GetByIdempotencyKey(_ context.Context, kind Kind, key string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key == "" {
		return nil, database.ErrNotFound
	}
	for _, t := range m.txns {
		if t.Kind == kind && t.IdempotencyKey == key {
			cp := *t
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, allowedFrom ...Status) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	for _, from := range allowedFrom {
		if t.Status == from {
			t.Status = status
			t.UpdatedAt = time.Now().UTC()
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrInvalidTransition
}

func (m *MemoryStore) SetProviderRef(_ context.Context, id, provider, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[id]
	if !ok {
		return database.ErrNotFound
	}
	if ref != "" {
		for _, other := range m.txns {
			if other.ID != id && other.ProviderRef == ref {
				return database.ErrAlreadyExists
			}
		}
	}
	t.Provider = provider
	t.ProviderRef = ref
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ReleaseProviderRef(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[id]
	if !ok {
		return database.ErrNotFound
	}
	t.ProviderRef = ""
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetMetadata(_ context.Context, id, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[id]
	if !ok {
		return database.ErrNotFound
	}
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	t.Metadata[key] = value
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CreateRefund(ctx context.Context, refund *Transaction) error {
	m.mu.Lock()

	parent, ok := m.txns[refund.ParentID]
	if !ok || parent.Kind != KindPayment {
		m.mu.Unlock()
		return database.ErrNotFound
	}
	if parent.Status != StatusCompleted && parent.Status != StatusRefunded {
		m.mu.Unlock()
		return ErrInvalidTransition
	}

	var refunded int64
	for _, t := range m.txns {
		if t.ParentID == refund.ParentID && t.Kind == KindRefund && t.Status != StatusFailed {
			refunded += t.Amount.AmountMinor
		}
	}
	if refunded+refund.Amount.AmountMinor > parent.Amount.AmountMinor {
		m.mu.Unlock()
		return ErrRefundExceedsPayment
	}

	m.mu.Unlock()
	return m.Create(ctx, refund)
}

func (m *MemoryStore) SumRefunded(_ context.Context, parentID string) (money.Money, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total money.Money
	for _, t := range m.txns {
		if t.ParentID == parentID && t.Kind == KindRefund && t.Status != StatusFailed {
			total = money.New(total.AmountMinor+t.Amount.AmountMinor, t.Amount.Currency)
		}
	}
	return total, nil
}

func (m *MemoryStore) ListRefunds(_ context.Context, parentID string) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Transaction
	for _, t := range m.txns {
		if t.ParentID == parentID && t.Kind == KindRefund {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
