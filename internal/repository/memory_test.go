package repository

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
)

func newTestStore(t *testing.T) (*MemoryStore, *domain.Deal) {
	t.Helper()
	store := NewMemoryStore(slog.New(slog.NewTextHandler(io.Discard, nil)))
	deal := &domain.Deal{
		ID:              uuid.New(),
		BrokerID:        "broker-1",
		OperatorID:      "operator-1",
		DealType:        domain.DealTypeCharter,
		TotalAmount:     100000,
		Currency:        "EUR",
		PlatformFeeRate: decimal.NewFromInt(7),
		Jurisdiction:    "DE",
		Status:          domain.DealInitiated,
		IdempotencyKey:  "create-" + uuid.NewString(),
	}
	require.NoError(t, store.Deals().CreateDeal(context.Background(), deal))
	return store, deal
}

func ledgerRow(deal *domain.Deal, typ domain.TransactionType, amount int64, key string, status domain.TransactionStatus) *domain.Transaction {
	return &domain.Transaction{
		DealID:         deal.ID,
		Type:           typ,
		Amount:         amount,
		Currency:       deal.Currency,
		Status:         status,
		CreatedBy:      "system",
		IdempotencyKey: key,
		Metadata:       map[string]string{domain.MetaRequestKey: key},
	}
}

func TestMemoryDealIdempotencyAndVersion(t *testing.T) {
	ctx := context.Background()
	store, deal := newTestStore(t)

	dup := *deal
	dup.ID = uuid.New()
	err := store.Deals().CreateDeal(ctx, &dup)
	assert.True(t, errors.Is(err, errors.ErrDuplicateIdempotencyKey))

	found, err := store.Deals().GetDealByIdempotencyKey(ctx, deal.IdempotencyKey)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, deal.ID, found.ID)

	missing, err := store.Deals().GetDealByIdempotencyKey(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	updated, err := store.Deals().UpdateDealStatus(ctx, deal.ID, domain.DealFundsHeld, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = store.Deals().UpdateDealStatus(ctx, deal.ID, domain.DealReleased, 1)
	assert.True(t, errors.Is(err, errors.ErrStaleState))

	_, err = store.Deals().GetDeal(ctx, uuid.New())
	assert.True(t, errors.Is(err, errors.ErrDealNotFound))
}

func TestMemoryLedgerIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store, deal := newTestStore(t)
	ledger := store.Transactions()

	_, err := ledger.Append(ctx, ledgerRow(deal, domain.TxFundsHeld, 100000, "hold-1", domain.TxCompleted))
	require.NoError(t, err)

	_, err = ledger.Append(ctx, ledgerRow(deal, domain.TxFundsHeld, 100000, "hold-1", domain.TxCompleted))
	assert.True(t, errors.Is(err, errors.ErrDuplicateIdempotencyKey))

	// A failed attempt does not hold its key.
	failed, err := ledger.Append(ctx, ledgerRow(deal, domain.TxRefund, 500, "refund-1", domain.TxPending))
	require.NoError(t, err)
	_, err = ledger.Fail(ctx, failed.ID, "declined")
	require.NoError(t, err)

	found, err := ledger.FindByIdempotencyKey(ctx, deal.ID, "refund-1")
	require.NoError(t, err)
	assert.Nil(t, found)

	_, err = ledger.Append(ctx, ledgerRow(deal, domain.TxRefund, 500, "refund-1", domain.TxCompleted))
	require.NoError(t, err)

	rows, err := ledger.ListByDeal(ctx, deal.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, domain.TxFailed, rows[1].Status)
	assert.Equal(t, "declined", rows[1].Metadata[domain.MetaFailureReason])
	assert.Empty(t, rows[2].Metadata[domain.MetaFailureReason])
}

func TestMemoryLedgerRejectsOverdraw(t *testing.T) {
	ctx := context.Background()
	store, deal := newTestStore(t)
	ledger := store.Transactions()

	_, err := ledger.Append(ctx, ledgerRow(deal, domain.TxFundsHeld, 100000, "hold-1", domain.TxCompleted))
	require.NoError(t, err)

	err = ledger.AppendBatch(ctx, []*domain.Transaction{
		ledgerRow(deal, domain.TxReleaseToOperator, 93000, "release-1", domain.TxCompleted),
		ledgerRow(deal, domain.TxPayoutFee, 7001, "release-1:payout_fee", domain.TxCompleted),
	})
	assert.True(t, errors.Is(err, errors.ErrInvariantViolation))

	rows, err := ledger.ListByDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "a rejected batch writes nothing")

	// Pending outflows are checked when they complete.
	pending, err := ledger.Append(ctx, ledgerRow(deal, domain.TxRefund, 60000, "refund-1", domain.TxPending))
	require.NoError(t, err)
	_, err = ledger.Append(ctx, ledgerRow(deal, domain.TxRefund, 50000, "refund-2", domain.TxCompleted))
	require.NoError(t, err)

	_, err = ledger.Complete(ctx, pending.ID, "re_1")
	assert.True(t, errors.Is(err, errors.ErrInvariantViolation))

	sum, err := ledger.SumByType(ctx, deal.ID, domain.TxRefund)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), sum)
}

func TestMemoryLedgerRowsResolveOnce(t *testing.T) {
	ctx := context.Background()
	store, deal := newTestStore(t)
	ledger := store.Transactions()

	row, err := ledger.Append(ctx, ledgerRow(deal, domain.TxPaymentIntent, 100000, "intent-1", domain.TxPending))
	require.NoError(t, err)

	done, err := ledger.Complete(ctx, row.ID, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxCompleted, done.Status)
	assert.Equal(t, "pi_1", done.ExternalReference)

	_, err = ledger.Complete(ctx, row.ID, "pi_2")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
	_, err = ledger.Fail(ctx, row.ID, "late")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
}

func TestMemoryTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	store, deal := newTestStore(t)

	boom := fmt.Errorf("boom")
	err := store.WithTransaction(ctx, func(tx domain.Store) error {
		if _, err := tx.Transactions().Append(ctx, ledgerRow(deal, domain.TxFundsHeld, 100000, "hold-1", domain.TxCompleted)); err != nil {
			return err
		}
		if _, err := tx.Deals().UpdateDealStatus(ctx, deal.ID, domain.DealFundsHeld, 1); err != nil {
			return err
		}
		if _, err := tx.Invoices().NextSequence(ctx, "DE", 2026, 3); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rows, err := store.Transactions().ListByDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)

	current, err := store.Deals().GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.Version)
	assert.Equal(t, domain.DealInitiated, current.Status)

	seq, err := store.Invoices().NextSequence(ctx, "DE", 2026, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq, "a rolled back number is reissued")
}

func TestMemoryInvoiceSequenceIsGapFree(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(slog.New(slog.NewTextHandler(io.Discard, nil)))

	const n = 50
	seqs := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := store.Invoices().NextSequence(ctx, "GB", 2026, 4)
			assert.NoError(t, err)
			seqs <- seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		seen[seq] = true
	}
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "missing sequence %d", i)
	}

	other, err := store.Invoices().NextSequence(ctx, "GB", 2026, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), other, "each month has its own counter")
}

func TestMemoryPendingOlderThan(t *testing.T) {
	ctx := context.Background()
	store, deal := newTestStore(t)

	old := ledgerRow(deal, domain.TxRefund, 100, "refund-old", domain.TxPending)
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Transactions().AppendBatch(ctx, []*domain.Transaction{
		old,
		ledgerRow(deal, domain.TxRefund, 100, "refund-new", domain.TxPending),
	}))

	rows, err := store.Transactions().ListPendingOlderThan(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "refund-old", rows[0].IdempotencyKey)
}

func TestMemoryAuditSequenceIsUnique(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(slog.New(slog.NewTextHandler(io.Discard, nil)))

	entry := &domain.AuditEntry{ID: uuid.New(), SubjectType: domain.SubjectDeal, SubjectID: "d1", Sequence: 1}
	require.NoError(t, store.Audit().AppendEntry(ctx, entry))

	clash := *entry
	clash.ID = uuid.New()
	err := store.Audit().AppendEntry(ctx, &clash)
	assert.True(t, errors.Is(err, errors.ErrStaleState))

	last, err := store.Audit().LastEntry(ctx, domain.SubjectDeal, "d1")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, last.ID)

	none, err := store.Audit().LastEntry(ctx, domain.SubjectDeal, "d2")
	require.NoError(t, err)
	assert.Nil(t, none)
}
