package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"paycore/internal/common/database"
	"paycore/internal/common/money"
)

// ErrInvalidTransition is returned when a conditional status write finds
// the transaction in a state the transition does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrRefundExceedsPayment is returned when a refund would push the
// cumulative refunded amount past the parent payment's amount.
var ErrRefundExceedsPayment = errors.New("refund exceeds remaining payment balance")

// Store persists transactions.
type Store interface {
	Create(ctx context.Context, txn *Transaction) error
	GetByID(ctx context.Context, id string) (*Transaction, error)
	GetByProviderRef(ctx context.Context, provider, providerRef string) (*Transaction, error)
	GetByIdempotencyKey(ctx context.Context, kind Kind, key string) (*Transaction, error)
	// UpdateStatus moves a transaction to status only if its current
	// status is one of allowedFrom. Returns ErrInvalidTransition when the
	// precondition fails.
	UpdateStatus(ctx context.Context, id string, status Status, allowedFrom ...Status) (*Transaction, error)
	// SetProviderRef records the provider reference; a reference already
	// held by another transaction maps to database.ErrAlreadyExists.
	SetProviderRef(ctx context.Context, id, provider, providerRef string) error
	// ReleaseProviderRef clears the provider reference, freeing it for
	// another transaction to claim.
	ReleaseProviderRef(ctx context.Context, id string) error
	SetMetadata(ctx context.Context, id, key, value string) error
	// CreateRefund inserts a refund while atomically checking that the
	// cumulative refunded amount stays within the parent payment.
	CreateRefund(ctx context.Context, refund *Transaction) error
	SumRefunded(ctx context.Context, parentID string) (money.Money, error)
	ListRefunds(ctx context.Context, parentID string) ([]*Transaction, error)
}

// PostgresStore implements Store on pgx.
type PostgresStore struct {
	db     *database.DB
	logger *slog.Logger
}

// NewPostgresStore creates a transaction store.
func NewPostgresStore(db *database.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

const transactionColumns = `id, kind, status, amount_minor, currency, method,
	customer_email, customer_name, provider, provider_ref, parent_id, reason,
	idempotency_key, metadata, created_at, updated_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var (
		txn            Transaction
		amountMinor    int64
		currency       string
		customerName   *string
		provider       *string
		providerRef    *string
		parentID       *string
		reason         *string
		idempotencyKey *string
		metadata       []byte
	)

	err := row.Scan(&txn.ID, &txn.Kind, &txn.Status, &amountMinor, &currency, &txn.Method,
		&txn.Customer.Email, &customerName, &provider, &providerRef, &parentID, &reason,
		&idempotencyKey, &metadata, &txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}

	txn.Amount = money.New(amountMinor, money.Currency(currency))
	txn.Customer.Name = deref(customerName)
	txn.Provider = deref(provider)
	txn.ProviderRef = deref(providerRef)
	txn.ParentID = deref(parentID)
	txn.Reason = deref(reason)
	txn.IdempotencyKey = deref(idempotencyKey)

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &txn.Metadata); err != nil {
			return nil, fmt.Errorf("decoding transaction metadata: %w", err)
		}
	}

	return &txn, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) insert(ctx context.Context, q database.Querier, txn *Transaction) error {
	metadata, err := json.Marshal(txn.Metadata)
	if err != nil {
		return fmt.Errorf("encoding transaction metadata: %w", err)
	}
	if txn.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err = q.Exec(ctx, `
		INSERT INTO transactions (id, kind, status, amount_minor, currency, method,
			customer_email, customer_name, provider, provider_ref, parent_id, reason,
			idempotency_key, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		txn.ID, txn.Kind, txn.Status, txn.Amount.AmountMinor, string(txn.Amount.Currency), txn.Method,
		txn.Customer.Email, nullable(txn.Customer.Name), nullable(txn.Provider), nullable(txn.ProviderRef),
		nullable(txn.ParentID), nullable(txn.Reason), nullable(txn.IdempotencyKey), metadata,
		txn.CreatedAt, txn.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrAlreadyExists
		}
		return fmt.Errorf("inserting transaction: %w", err)
	}

	return nil
}

// Create inserts a new transaction. A duplicate idempotency key maps to
// database.ErrAlreadyExists.
func (s *PostgresStore) Create(ctx context.Context, txn *Transaction) error {
	return s.insert(ctx, s.db.Pool(), txn)
}

// GetByID fetches a transaction by its identifier.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

// GetByProviderRef fetches a transaction by the provider's reference.
func (s *PostgresStore) GetByProviderRef(ctx context.Context, provider, providerRef string) (*Transaction, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE provider = $1 AND provider_ref = $2`,
		provider, providerRef)
	return scanTransaction(row)
}

// GetByIdempotencyKey fetches a transaction previously created with the
// given idempotency key.
func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, kind Kind, key string) (*Transaction, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE kind = $1 AND idempotency_key = $2`,
		kind, key)
	return scanTransaction(row)
}

// UpdateStatus performs a conditional status write. The UPDATE matches
// only when the current status is in allowedFrom, so concurrent writers
// cannot race a transaction through a forbidden transition.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, allowedFrom ...Status) (*Transaction, error) {
	if len(allowedFrom) == 0 {
		return nil, fmt.Errorf("update of %s to %s: no allowed source statuses", id, status)
	}

	from := make([]string, len(allowedFrom))
	for i, st := range allowedFrom {
		from[i] = string(st)
	}

	row := s.db.Pool().QueryRow(ctx, `
		UPDATE transactions
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+transactionColumns,
		id, status, from)

	txn, err := scanTransaction(row)
	if err != nil {
		if database.IsNotFound(err) {
			// Distinguish a missing row from a precondition failure.
			if _, getErr := s.GetByID(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, ErrInvalidTransition
		}
		return nil, err
	}

	return txn, nil
}

// SetProviderRef records the provider's reference as soon as dispatch
// returns one, so webhooks arriving before the final status can match.
func (s *PostgresStore) SetProviderRef(ctx context.Context, id, provider, providerRef string) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE transactions
		SET provider = $2, provider_ref = $3, updated_at = now()
		WHERE id = $1`,
		id, provider, nullable(providerRef))
	if err != nil {
		if database.IsUniqueViolation(err) {
			// A webhook placeholder claimed this reference first.
			return database.ErrAlreadyExists
		}
		return fmt.Errorf("setting provider ref on %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// ReleaseProviderRef clears the provider reference on a transaction.
func (s *PostgresStore) ReleaseProviderRef(ctx context.Context, id string) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE transactions
		SET provider_ref = NULL, updated_at = now()
		WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("releasing provider ref on %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// SetMetadata writes a single metadata key on a transaction.
func (s *PostgresStore) SetMetadata(ctx context.Context, id, key, value string) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE transactions
		SET metadata = metadata || jsonb_build_object($2::text, $3::text), updated_at = now()
		WHERE id = $1`,
		id, key, value)
	if err != nil {
		return fmt.Errorf("setting metadata on %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// CreateRefund inserts a refund inside a serializable transaction that
// re-checks the cumulative refunded amount against the parent payment.
// Serialization failures are retried.
func (s *PostgresStore) CreateRefund(ctx context.Context, refund *Transaction) error {
	return database.Retry(ctx, 3, func() error {
		return s.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
			var parentMinor int64
			var parentStatus Status
			err := tx.QueryRow(ctx,
				`SELECT amount_minor, status FROM transactions WHERE id = $1 AND kind = $2`,
				refund.ParentID, KindPayment).Scan(&parentMinor, &parentStatus)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return database.ErrNotFound
				}
				return fmt.Errorf("loading parent payment %s: %w", refund.ParentID, err)
			}
			if parentStatus != StatusCompleted && parentStatus != StatusRefunded {
				return ErrInvalidTransition
			}

			var refundedMinor int64
			err = tx.QueryRow(ctx, `
				SELECT COALESCE(SUM(amount_minor), 0) FROM transactions
				WHERE parent_id = $1 AND kind = $2 AND status <> $3`,
				refund.ParentID, KindRefund, StatusFailed).Scan(&refundedMinor)
			if err != nil {
				return fmt.Errorf("summing refunds for %s: %w", refund.ParentID, err)
			}

			if refundedMinor+refund.Amount.AmountMinor > parentMinor {
				return ErrRefundExceedsPayment
			}

			return s.insert(ctx, tx, refund)
		})
	})
}

// SumRefunded returns the total non-failed refund amount against a payment.
func (s *PostgresStore) SumRefunded(ctx context.Context, parentID string) (money.Money, error) {
	var minor int64
	var currency *string
	err := s.db.Pool().QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_minor), 0), MIN(currency) FROM transactions
		WHERE parent_id = $1 AND kind = $2 AND status <> $3`,
		parentID, KindRefund, StatusFailed).Scan(&minor, &currency)
	if err != nil {
		return money.Money{}, fmt.Errorf("summing refunds for %s: %w", parentID, err)
	}
	if currency == nil {
		return money.Money{}, nil
	}
	return money.New(minor, money.Currency(*currency)), nil
}

// ListRefunds returns all refunds against a payment, oldest first.
func (s *PostgresStore) ListRefunds(ctx context.Context, parentID string) ([]*Transaction, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE parent_id = $1 AND kind = $2
		ORDER BY created_at ASC`,
		parentID, KindRefund)
	if err != nil {
		return nil, fmt.Errorf("listing refunds for %s: %w", parentID, err)
	}
	defer rows.Close()

	var refunds []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating refunds: %w", err)
	}

	return refunds, nil
}

var _ Store = (*PostgresStore)(nil)
