package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
)

var outflowTypes = []domain.TransactionType{
	domain.TxReleaseToOperator,
	domain.TxPayoutFee,
	domain.TxRefund,
}

// completedOutflow sums the completed outflow rows of a batch.
func completedOutflow(txs []*domain.Transaction) int64 {
	var sum int64
	for _, tx := range txs {
		if tx.Status == domain.TxCompleted && tx.Type.IsOutflow() {
			sum += tx.Amount
		}
	}
	return sum
}

// ensureBalanced rejects a write that would push completed outflows above
// completed funds_held for the deal. The state machine checks the same
// bound first, so reaching the error here is a correctness alarm.
func ensureBalanced(ctx context.Context, repo domain.TransactionRepository, logger *slog.Logger, dealID uuid.UUID, additional int64) error {
	if additional == 0 {
		return nil
	}

	held, err := repo.SumByType(ctx, dealID, domain.TxFundsHeld)
	if err != nil {
		return err
	}
	out, err := repo.SumByType(ctx, dealID, outflowTypes...)
	if err != nil {
		return err
	}

	if out+additional > held {
		logger.Error("Ledger invariant violation rejected",
			"deal_id", dealID, "held", held, "outflows", out, "additional", additional)
		return errors.ErrInvariantViolation.WithDetails(
			fmt.Sprintf("held %d, settled %d, requested %d", held, out, additional))
	}
	return nil
}
