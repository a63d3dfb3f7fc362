package repository

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
)

type transactionRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewTransactionRepository(db SQLExecutor, logger *slog.Logger) domain.TransactionRepository {
	return &transactionRepository{
		db:     db,
		logger: logger,
	}
}

const transactionColumns = `id, deal_id, type, amount, currency, external_reference, status,
		created_by, created_at, idempotency_key, metadata`

func (r *transactionRepository) Append(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if err := r.AppendBatch(ctx, []*domain.Transaction{tx}); err != nil {
		return nil, err
	}
	return tx, nil
}

// AppendBatch relies on the caller's database transaction for atomicity.
func (r *transactionRepository) AppendBatch(ctx context.Context, txs []*domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	if err := ensureBalanced(ctx, r, r.logger, txs[0].DealID, completedOutflow(txs)); err != nil {
		return err
	}

	for _, tx := range txs {
		existing, err := r.FindByIdempotencyKey(ctx, tx.DealID, tx.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil && tx.Status != domain.TxFailed {
			r.logger.Warn("Duplicate idempotency key", "deal_id", tx.DealID, "idempotency_key", tx.IdempotencyKey)
			return errors.ErrDuplicateIdempotencyKey
		}
		if err := r.insert(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

func (r *transactionRepository) insert(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	metadata, err := json.Marshal(nonNilMetadata(tx.Metadata))
	if err != nil {
		return errors.NewAppError(errors.InternalError, "failed to encode metadata").WithDetails(err.Error())
	}

	_, err = r.db.ExecContext(ctx, query,
		tx.ID,
		tx.DealID,
		tx.Type,
		tx.Amount,
		tx.Currency,
		tx.ExternalReference,
		tx.Status,
		tx.CreatedBy,
		tx.CreatedAt,
		tx.IdempotencyKey,
		string(metadata),
	)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok && constraint == "idx_transactions_idempotency_key" {
			r.logger.Warn("Duplicate idempotency key", "deal_id", tx.DealID, "idempotency_key", tx.IdempotencyKey)
			return errors.ErrDuplicateIdempotencyKey
		}
		r.logger.Error("Failed to create transaction",
			"deal_id", tx.DealID,
			"type", tx.Type,
			"amount", tx.Amount,
			"error", err)
		return errors.NewAppError(errors.InternalError, "failed to create transaction").WithDetails(err.Error())
	}

	r.logger.Info("Transaction created successfully",
		"transaction_id", tx.ID, "deal_id", tx.DealID, "type", tx.Type, "status", tx.Status)
	return nil
}

func (r *transactionRepository) ListByDeal(ctx context.Context, dealID uuid.UUID) ([]domain.Transaction, error) {
	return r.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE deal_id = $1 ORDER BY seq`, dealID)
}

func (r *transactionRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Transaction, error) {
	return r.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE status = 'pending' AND created_at < $1 ORDER BY seq`, cutoff)
}

func (r *transactionRepository) SumByType(ctx context.Context, dealID uuid.UUID, types ...domain.TransactionType) (int64, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	var sum int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE deal_id = $1 AND status = 'completed' AND type = ANY($2)
	`, dealID, pq.Array(names)).Scan(&sum)
	if err != nil {
		r.logger.Error("Failed to sum transactions", "deal_id", dealID, "error", err)
		return 0, errors.NewAppError(errors.InternalError, "failed to sum transactions").WithDetails(err.Error())
	}
	return sum, nil
}

func (r *transactionRepository) FindByIdempotencyKey(ctx context.Context, dealID uuid.UUID, key string) (*domain.Transaction, error) {
	txs, err := r.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE deal_id = $1 AND idempotency_key = $2 AND status <> 'failed'
	`, dealID, key)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

func (r *transactionRepository) getTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	txs, err := r.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, errors.NewAppErrorf(errors.InternalError, "transaction %s not found", id)
	}
	return &txs[0], nil
}

func (r *transactionRepository) Complete(ctx context.Context, id uuid.UUID, externalReference string) (*domain.Transaction, error) {
	tx, err := r.getTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TxPending {
		return nil, errors.NewAppErrorf(errors.InvalidTransition, "transaction %s is %s, not pending", id, tx.Status)
	}
	if tx.Type.IsOutflow() {
		if err := ensureBalanced(ctx, r, r.logger, tx.DealID, tx.Amount); err != nil {
			return nil, err
		}
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = 'completed', external_reference = COALESCE(NULLIF($2, ''), external_reference)
		WHERE id = $1 AND status = 'pending'
	`, id, externalReference)
	if err != nil {
		r.logger.Error("Failed to complete transaction", "transaction_id", id, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to complete transaction").WithDetails(err.Error())
	}

	r.logger.Info("Transaction status updated", "transaction_id", id, "status", domain.TxCompleted)
	return r.getTransaction(ctx, id)
}

func (r *transactionRepository) Fail(ctx context.Context, id uuid.UUID, reason string) (*domain.Transaction, error) {
	tx, err := r.getTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TxPending {
		return nil, errors.NewAppErrorf(errors.InvalidTransition, "transaction %s is %s, not pending", id, tx.Status)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = 'failed', metadata = metadata || jsonb_build_object($2::text, $3::text)
		WHERE id = $1 AND status = 'pending'
	`, id, domain.MetaFailureReason, reason)
	if err != nil {
		r.logger.Error("Failed to fail transaction", "transaction_id", id, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to update transaction status").WithDetails(err.Error())
	}

	r.logger.Info("Transaction status updated", "transaction_id", id, "status", domain.TxFailed)
	return r.getTransaction(ctx, id)
}

func (r *transactionRepository) queryTransactions(ctx context.Context, query string, args ...interface{}) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query transactions", "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get transactions").WithDetails(err.Error())
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var metadata []byte
		if err := rows.Scan(
			&tx.ID,
			&tx.DealID,
			&tx.Type,
			&tx.Amount,
			&tx.Currency,
			&tx.ExternalReference,
			&tx.Status,
			&tx.CreatedBy,
			&tx.CreatedAt,
			&tx.IdempotencyKey,
			&metadata,
		); err != nil {
			return nil, errors.NewAppError(errors.InternalError, "failed to scan transaction").WithDetails(err.Error())
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
				return nil, errors.NewAppError(errors.InternalError, "failed to parse metadata").WithDetails(err.Error())
			}
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to read transactions").WithDetails(err.Error())
	}
	return out, nil
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
