package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	InvoiceKindInvoice    = "invoice"
	InvoiceKindCreditNote = "credit_note"
)

type InvoiceRecord struct {
	ID                  uuid.UUID        `json:"id"`
	DealID              uuid.UUID        `json:"deal_id"`
	SourceTransactionID uuid.UUID        `json:"source_transaction_id"`
	Kind                string           `json:"kind"`
	InvoiceNumber       string           `json:"invoice_number"`
	Jurisdiction        string           `json:"jurisdiction"`
	Year                int              `json:"year"`
	Month               int              `json:"month"`
	SequenceNumber      int64            `json:"sequence_number"`
	VATRate             decimal.Decimal  `json:"vat_rate"`
	VATAmount           int64            `json:"vat_amount"`
	ReverseCharge       bool             `json:"reverse_charge"`
	TotalAmount         int64            `json:"total_amount"`
	Currency            string           `json:"currency"`
	BaseCurrencyAmount  int64            `json:"base_currency_amount"`
	BaseCurrency        string           `json:"base_currency"`
	ExchangeRateUsed    *decimal.Decimal `json:"exchange_rate_used"`
	CreatedAt           time.Time        `json:"created_at"`
	AuditDigest         string           `json:"audit_digest"`
}

type InvoiceRepository interface {
	// NextSequence atomically increments and returns the counter for the
	// period, creating it at 1.
	NextSequence(ctx context.Context, jurisdiction string, year, month int) (int64, error)
	CreateInvoice(ctx context.Context, invoice *InvoiceRecord) error
	ListInvoicesByDeal(ctx context.Context, dealID uuid.UUID) ([]InvoiceRecord, error)
}
