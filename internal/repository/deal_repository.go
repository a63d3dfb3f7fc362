package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
)

type dealRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewDealRepository(db SQLExecutor, logger *slog.Logger) domain.DealRepository {
	return &dealRepository{
		db:     db,
		logger: logger,
	}
}

const dealColumns = `id, broker_id, operator_id, deal_type, total_amount, currency, platform_fee_rate,
		jurisdiction, buyer_country, buyer_vat_id, status, version, idempotency_key, created_at, updated_at`

func (r *dealRepository) CreateDeal(ctx context.Context, deal *domain.Deal) error {
	query := `
		INSERT INTO deals (` + dealColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	now := time.Now().UTC()
	if deal.CreatedAt.IsZero() {
		deal.CreatedAt = now
	}
	deal.UpdatedAt = deal.CreatedAt
	if deal.Version == 0 {
		deal.Version = 1
	}

	var idempotencyKey interface{}
	if deal.IdempotencyKey != "" {
		idempotencyKey = deal.IdempotencyKey
	}

	_, err := r.db.ExecContext(ctx, query,
		deal.ID,
		deal.BrokerID,
		deal.OperatorID,
		deal.DealType,
		deal.TotalAmount,
		deal.Currency,
		deal.PlatformFeeRate.String(),
		deal.Jurisdiction,
		deal.BuyerCountry,
		deal.BuyerVATID,
		deal.Status,
		deal.Version,
		idempotencyKey,
		deal.CreatedAt,
		deal.UpdatedAt,
	)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			r.logger.Warn("Duplicate deal creation attempt", "deal_id", deal.ID, "idempotency_key", deal.IdempotencyKey)
			return errors.ErrDuplicateIdempotencyKey
		}
		r.logger.Error("Failed to create deal", "deal_id", deal.ID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to create deal").WithDetails(err.Error())
	}

	r.logger.Info("Deal created successfully", "deal_id", deal.ID)
	return nil
}

func (r *dealRepository) GetDeal(ctx context.Context, id uuid.UUID) (*domain.Deal, error) {
	return r.scanDeal(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)
}

func (r *dealRepository) GetDealByIdempotencyKey(ctx context.Context, key string) (*domain.Deal, error) {
	deal, err := r.scanDeal(ctx, `SELECT `+dealColumns+` FROM deals WHERE idempotency_key = $1`, key)
	if errors.Is(err, errors.ErrDealNotFound) {
		return nil, nil
	}
	return deal, err
}

func (r *dealRepository) GetDealForUpdate(ctx context.Context, id uuid.UUID) (*domain.Deal, error) {
	return r.scanDeal(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1 FOR UPDATE`, id)
}

func (r *dealRepository) scanDeal(ctx context.Context, query string, arg interface{}) (*domain.Deal, error) {
	var deal domain.Deal
	var feeRateStr string
	var idempotencyKey sql.NullString

	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&deal.ID,
		&deal.BrokerID,
		&deal.OperatorID,
		&deal.DealType,
		&deal.TotalAmount,
		&deal.Currency,
		&feeRateStr,
		&deal.Jurisdiction,
		&deal.BuyerCountry,
		&deal.BuyerVATID,
		&deal.Status,
		&deal.Version,
		&idempotencyKey,
		&deal.CreatedAt,
		&deal.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrDealNotFound
		}
		r.logger.Error("Failed to get deal", "arg", arg, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get deal").WithDetails(err.Error())
	}

	feeRate, err := decimal.NewFromString(feeRateStr)
	if err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to parse platform fee rate").WithDetails(err.Error())
	}
	deal.PlatformFeeRate = feeRate
	deal.IdempotencyKey = idempotencyKey.String

	return &deal, nil
}

func (r *dealRepository) UpdateDealStatus(ctx context.Context, id uuid.UUID, status domain.DealStatus, expectedVersion int64) (*domain.Deal, error) {
	query := `
		UPDATE deals
		SET status = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4
	`

	result, err := r.db.ExecContext(ctx, query, status, time.Now().UTC(), id, expectedVersion)
	if err != nil {
		r.logger.Error("Failed to update deal status", "deal_id", id, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to update deal status").WithDetails(err.Error())
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to get rows affected").WithDetails(err.Error())
	}

	if rowsAffected == 0 {
		if _, err := r.GetDeal(ctx, id); err != nil {
			return nil, err
		}
		r.logger.Warn("Deal version moved", "deal_id", id, "expected_version", expectedVersion)
		return nil, errors.ErrStaleState
	}

	r.logger.Info("Deal status updated", "deal_id", id, "status", status)
	return r.GetDeal(ctx, id)
}
