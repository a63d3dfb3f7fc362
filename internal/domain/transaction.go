package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type TransactionType string

const (
	TxPaymentIntent     TransactionType = "payment_intent"
	TxFundsHeld         TransactionType = "funds_held"
	TxReleaseToOperator TransactionType = "release_to_operator"
	TxPayoutFee         TransactionType = "payout_fee"
	TxRefund            TransactionType = "refund"
	TxChargeback        TransactionType = "chargeback"
)

// IsOutflow reports whether completed rows of this type draw on held funds.
func (t TransactionType) IsOutflow() bool {
	return t == TxReleaseToOperator || t == TxPayoutFee || t == TxRefund
}

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxDisputed  TransactionStatus = "disputed"
)

// IsFinal reports whether a row with this status may never change again.
func (s TransactionStatus) IsFinal() bool {
	return s == TxCompleted || s == TxFailed
}

// Metadata keys written by the settlement engine.
const (
	MetaOperation        = "operation"
	MetaRequestKey       = "request_key"
	MetaActorRole        = "actor_role"
	MetaViaDispute       = "via_dispute"
	MetaFailureReason    = "failure_reason"
	MetaNegativePosition = "negative_position"
	MetaResolvedBy       = "resolved_by"
	MetaReason           = "reason"
)

type Transaction struct {
	ID                uuid.UUID         `json:"id"`
	DealID            uuid.UUID         `json:"deal_id"`
	Type              TransactionType   `json:"type"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	ExternalReference string            `json:"external_reference,omitempty"`
	Status            TransactionStatus `json:"status"`
	CreatedBy         string            `json:"created_by"`
	CreatedAt         time.Time         `json:"created_at"`
	IdempotencyKey    string            `json:"idempotency_key"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// TransactionRepository is the append-only ledger. Rows are only ever
// inserted; pending rows may be resolved to completed or failed once.
type TransactionRepository interface {
	// Append inserts tx. It fails with DuplicateIdempotencyKey when a
	// non-failed row already holds (DealID, IdempotencyKey), and with
	// InvariantViolation when completed outflows would exceed completed
	// funds_held.
	Append(ctx context.Context, tx *Transaction) (*Transaction, error)
	// AppendBatch inserts all rows or none.
	AppendBatch(ctx context.Context, txs []*Transaction) error
	ListByDeal(ctx context.Context, dealID uuid.UUID) ([]Transaction, error)
	SumByType(ctx context.Context, dealID uuid.UUID, types ...TransactionType) (int64, error)
	// FindByIdempotencyKey ignores failed rows and returns nil when absent.
	FindByIdempotencyKey(ctx context.Context, dealID uuid.UUID, key string) (*Transaction, error)
	// Complete moves a pending row to completed.
	Complete(ctx context.Context, id uuid.UUID, externalReference string) (*Transaction, error)
	// Fail moves a pending row to failed.
	Fail(ctx context.Context, id uuid.UUID, reason string) (*Transaction, error)
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]Transaction, error)
}
