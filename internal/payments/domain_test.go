package payments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/money"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusCancelled, false},
		{StatusCompleted, StatusRefunded, true},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusPending, false},
		{StatusFailed, StatusProcessing, false},
		{StatusRefunded, StatusCompleted, false},
		{StatusCancelled, StatusProcessing, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestReconcilerCanTransition(t *testing.T) {
	// Webhooks may jump pending straight to completed, but may never
	// cancel or downgrade a completed payment.
	assert.True(t, ReconcilerCanTransition(StatusPending, StatusCompleted))
	assert.True(t, ReconcilerCanTransition(StatusPending, StatusProcessing))
	assert.True(t, ReconcilerCanTransition(StatusProcessing, StatusFailed))
	assert.True(t, ReconcilerCanTransition(StatusCompleted, StatusRefunded))

	assert.False(t, ReconcilerCanTransition(StatusPending, StatusCancelled))
	assert.False(t, ReconcilerCanTransition(StatusCompleted, StatusFailed))
	assert.False(t, ReconcilerCanTransition(StatusCompleted, StatusPending))
	assert.False(t, ReconcilerCanTransition(StatusRefunded, StatusCompleted))
	assert.False(t, ReconcilerCanTransition(StatusFailed, StatusCompleted))
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(StatusPending))
	assert.False(t, IsTerminal(StatusProcessing))
	assert.False(t, IsTerminal(StatusCompleted))
	assert.True(t, IsTerminal(StatusFailed))
	assert.True(t, IsTerminal(StatusRefunded))
	assert.True(t, IsTerminal(StatusCancelled))
}

func TestNewTransaction(t *testing.T) {
	amount := money.New(2500, "EUR")
	customer := Customer{Email: "buyer@example.com", Name: "Ada Buyer"}

	txn, err := NewTransaction(amount, MethodWalletToken, customer, "idem-1", map[string]string{"orderId": "ord_9"})
	require.NoError(t, err)

	assert.Equal(t, KindPayment, txn.Kind)
	assert.Equal(t, StatusPending, txn.Status)
	assert.Equal(t, amount, txn.Amount)
	assert.Equal(t, "idem-1", txn.IdempotencyKey)
	assert.Contains(t, txn.ID, "txn_")
	assert.False(t, txn.CreatedAt.IsZero())
}

func TestNewTransactionValidation(t *testing.T) {
	customer := Customer{Email: "buyer@example.com"}

	_, err := NewTransaction(money.New(0, "EUR"), MethodWalletToken, customer, "", nil)
	assert.ErrorContains(t, err, "positive")

	_, err = NewTransaction(money.New(-100, "EUR"), MethodWalletToken, customer, "", nil)
	assert.ErrorContains(t, err, "positive")

	_, err = NewTransaction(money.New(100, "EUR"), Method("carrier_pigeon"), customer, "", nil)
	assert.ErrorContains(t, err, "unsupported payment method")

	_, err = NewTransaction(money.New(100, "EUR"), MethodWalletToken, Customer{}, "", nil)
	assert.ErrorContains(t, err, "email")
}

func TestNewRefund(t *testing.T) {
	parent := &Transaction{
		ID:       "txn_1",
		Kind:     KindPayment,
		Status:   StatusCompleted,
		Amount:   money.New(5000, "GBP"),
		Method:   MethodCardPush,
		Customer: Customer{Email: "buyer@example.com"},
		Provider: "visa",
	}

	refund, err := NewRefund(parent, money.New(2000, "GBP"), "damaged goods", "idem-r1")
	require.NoError(t, err)

	assert.Equal(t, KindRefund, refund.Kind)
	assert.Equal(t, StatusPending, refund.Status)
	assert.Equal(t, parent.ID, refund.ParentID)
	assert.Equal(t, parent.Provider, refund.Provider)
	assert.Equal(t, "damaged goods", refund.Reason)
	assert.Contains(t, refund.ID, "ref_")
}

func TestNewRefundValidation(t *testing.T) {
	parent := &Transaction{
		ID:     "txn_1",
		Kind:   KindPayment,
		Status: StatusCompleted,
		Amount: money.New(5000, "GBP"),
	}

	_, err := NewRefund(parent, money.New(6000, "GBP"), "", "")
	assert.ErrorContains(t, err, "exceeds")

	_, err = NewRefund(parent, money.New(1000, "EUR"), "", "")
	assert.ErrorContains(t, err, "currency")

	_, err = NewRefund(parent, money.New(0, "GBP"), "", "")
	assert.ErrorContains(t, err, "positive")

	pending := &Transaction{ID: "txn_2", Kind: KindPayment, Status: StatusPending, Amount: money.New(5000, "GBP")}
	_, err = NewRefund(pending, money.New(1000, "GBP"), "", "")
	assert.ErrorContains(t, err, "completed")

	child := &Transaction{ID: "ref_1", Kind: KindRefund, Status: StatusCompleted, Amount: money.New(5000, "GBP")}
	_, err = NewRefund(child, money.New(1000, "GBP"), "", "")
	assert.ErrorContains(t, err, "payments")
}
