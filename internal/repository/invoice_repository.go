package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
)

type invoiceRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewInvoiceRepository(db SQLExecutor, logger *slog.Logger) domain.InvoiceRepository {
	return &invoiceRepository{
		db:     db,
		logger: logger,
	}
}

// NextSequence is one statement: the row lock taken by the upsert is held
// until the caller's transaction ends, so a rollback also rolls the counter
// back and numbering stays gapless.
func (r *invoiceRepository) NextSequence(ctx context.Context, jurisdiction string, year, month int) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO invoice_counters (jurisdiction, year, month, last_sequence)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (jurisdiction, year, month)
		DO UPDATE SET last_sequence = invoice_counters.last_sequence + 1
		RETURNING last_sequence
	`, jurisdiction, year, month).Scan(&seq)
	if err != nil {
		r.logger.Error("Failed to increment invoice counter",
			"jurisdiction", jurisdiction, "year", year, "month", month, "error", err)
		return 0, errors.NewAppError(errors.InternalError, "failed to allocate invoice number").WithDetails(err.Error())
	}
	return seq, nil
}

const invoiceColumns = `id, deal_id, source_transaction_id, kind, invoice_number, jurisdiction, year, month,
		sequence_number, vat_rate, vat_amount, reverse_charge, total_amount, currency,
		base_currency_amount, base_currency, exchange_rate_used, created_at, audit_digest`

func (r *invoiceRepository) CreateInvoice(ctx context.Context, inv *domain.InvoiceRecord) error {
	var rate interface{}
	if inv.ExchangeRateUsed != nil {
		rate = inv.ExchangeRateUsed.String()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		inv.ID,
		inv.DealID,
		inv.SourceTransactionID,
		inv.Kind,
		inv.InvoiceNumber,
		inv.Jurisdiction,
		inv.Year,
		inv.Month,
		inv.SequenceNumber,
		inv.VATRate.String(),
		inv.VATAmount,
		inv.ReverseCharge,
		inv.TotalAmount,
		inv.Currency,
		inv.BaseCurrencyAmount,
		inv.BaseCurrency,
		rate,
		inv.CreatedAt,
		inv.AuditDigest,
	)
	if err != nil {
		r.logger.Error("Failed to create invoice", "deal_id", inv.DealID, "invoice_number", inv.InvoiceNumber, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to create invoice").WithDetails(err.Error())
	}

	r.logger.Info("Invoice created successfully", "invoice_number", inv.InvoiceNumber, "deal_id", inv.DealID)
	return nil
}

func (r *invoiceRepository) ListInvoicesByDeal(ctx context.Context, dealID uuid.UUID) ([]domain.InvoiceRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE deal_id = $1 ORDER BY created_at, sequence_number`, dealID)
	if err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to get invoices").WithDetails(err.Error())
	}
	defer rows.Close()

	var out []domain.InvoiceRecord
	for rows.Next() {
		var inv domain.InvoiceRecord
		var vatRateStr string
		var rateStr sql.NullString
		if err := rows.Scan(
			&inv.ID,
			&inv.DealID,
			&inv.SourceTransactionID,
			&inv.Kind,
			&inv.InvoiceNumber,
			&inv.Jurisdiction,
			&inv.Year,
			&inv.Month,
			&inv.SequenceNumber,
			&vatRateStr,
			&inv.VATAmount,
			&inv.ReverseCharge,
			&inv.TotalAmount,
			&inv.Currency,
			&inv.BaseCurrencyAmount,
			&inv.BaseCurrency,
			&rateStr,
			&inv.CreatedAt,
			&inv.AuditDigest,
		); err != nil {
			return nil, errors.NewAppError(errors.InternalError, "failed to scan invoice").WithDetails(err.Error())
		}

		vatRate, err := decimal.NewFromString(vatRateStr)
		if err != nil {
			return nil, errors.NewAppError(errors.InternalError, "failed to parse vat rate").WithDetails(err.Error())
		}
		inv.VATRate = vatRate
		if rateStr.Valid {
			rate, err := decimal.NewFromString(rateStr.String)
			if err != nil {
				return nil, errors.NewAppError(errors.InternalError, "failed to parse exchange rate").WithDetails(err.Error())
			}
			inv.ExchangeRateUsed = &rate
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to read invoices").WithDetails(err.Error())
	}
	return out, nil
}
