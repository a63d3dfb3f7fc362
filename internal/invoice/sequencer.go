package invoice

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"deal-settlement/internal/audit"
	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
)

// FormatNumber renders <prefix>-<YYYYMM>-<sequence>.
func FormatNumber(prefix string, year, month int, seq int64) string {
	return fmt.Sprintf("%s-%04d%02d-%06d", prefix, year, month, seq)
}

// Sequencer issues gap-free numbered invoices. All writes go through the
// Store it is handed, so the number, the invoice row and its audit entry
// commit or roll back with the caller's ledger write.
type Sequencer struct {
	chain  *audit.Chain
	logger *slog.Logger
	now    func() time.Time
}

func NewSequencer(chain *audit.Chain, logger *slog.Logger) *Sequencer {
	return &Sequencer{
		chain:  chain,
		logger: logger,
		now:    time.Now,
	}
}

// NextNumber allocates the next sequence of the period and formats it.
func (s *Sequencer) NextNumber(ctx context.Context, repo domain.InvoiceRepository, j Jurisdiction, year, month int) (string, int64, error) {
	seq, err := repo.NextSequence(ctx, j.Code, year, month)
	if err != nil {
		return "", 0, err
	}
	return FormatNumber(j.Prefix, year, month, seq), seq, nil
}

// IssueRequest describes the ledger movement being invoiced.
type IssueRequest struct {
	Deal   *domain.Deal
	Source *domain.Transaction
	Kind   string
	Amount int64
	// Quote converts the deal currency into the jurisdiction's base
	// currency; nil when they match. It is fetched before the deal lock.
	Quote   *Quote
	ActorID string
}

// Issue numbers the invoice, appends its audit entry to the deal chain and
// stores it.
func (s *Sequencer) Issue(ctx context.Context, store domain.Store, req IssueRequest) (*domain.InvoiceRecord, *domain.AuditEntry, error) {
	j, err := LookupJurisdiction(req.Deal.Jurisdiction)
	if err != nil {
		return nil, nil, err
	}

	baseAmount := req.Amount
	var rateUsed *Quote
	if req.Deal.Currency != j.BaseCurrency {
		if req.Quote == nil || req.Quote.From != req.Deal.Currency || req.Quote.To != j.BaseCurrency {
			return nil, nil, errors.ErrRateUnavailable.WithDetails(
				fmt.Sprintf("no quote for %s/%s", req.Deal.Currency, j.BaseCurrency))
		}
		baseAmount = req.Quote.Apply(req.Amount)
		rateUsed = req.Quote
	}

	vat := ComputeVAT(j, req.Amount, baseAmount, Buyer{Country: req.Deal.BuyerCountry, VATID: req.Deal.BuyerVATID})

	now := s.now().UTC()
	number, seq, err := s.NextNumber(ctx, store.Invoices(), j, now.Year(), int(now.Month()))
	if err != nil {
		return nil, nil, err
	}

	inv := &domain.InvoiceRecord{
		ID:                  uuid.New(),
		DealID:              req.Deal.ID,
		SourceTransactionID: req.Source.ID,
		Kind:                req.Kind,
		InvoiceNumber:       number,
		Jurisdiction:        j.Code,
		Year:                now.Year(),
		Month:               int(now.Month()),
		SequenceNumber:      seq,
		VATRate:             vat.Rate,
		VATAmount:           vat.Amount,
		ReverseCharge:       vat.ReverseCharge,
		TotalAmount:         req.Amount,
		Currency:            req.Deal.Currency,
		BaseCurrencyAmount:  baseAmount,
		BaseCurrency:        j.BaseCurrency,
		CreatedAt:           now,
	}
	if rateUsed != nil {
		rate := rateUsed.Rate
		inv.ExchangeRateUsed = &rate
	}

	payload := map[string]string{
		"invoice_id":            inv.ID.String(),
		"invoice_number":        inv.InvoiceNumber,
		"kind":                  inv.Kind,
		"source_transaction_id": inv.SourceTransactionID.String(),
		"total_amount":          strconv.FormatInt(inv.TotalAmount, 10),
		"currency":              inv.Currency,
		"vat_rate":              inv.VATRate.String(),
		"vat_amount":            strconv.FormatInt(inv.VATAmount, 10),
		"reverse_charge":        strconv.FormatBool(inv.ReverseCharge),
		"base_currency_amount":  strconv.FormatInt(inv.BaseCurrencyAmount, 10),
		"base_currency":         inv.BaseCurrency,
	}
	if inv.ExchangeRateUsed != nil {
		payload["exchange_rate"] = inv.ExchangeRateUsed.String()
	}

	entry, err := s.chain.Append(ctx, store.Audit(), domain.SubjectDeal, req.Deal.ID.String(), "invoice_issued", req.ActorID, payload)
	if err != nil {
		return nil, nil, err
	}
	inv.AuditDigest = entry.SelfHash

	if err := store.Invoices().CreateInvoice(ctx, inv); err != nil {
		return nil, nil, err
	}

	s.logger.Info("Invoice issued",
		"deal_id", inv.DealID, "invoice_number", inv.InvoiceNumber, "kind", inv.Kind, "reverse_charge", inv.ReverseCharge)
	return inv, entry, nil
}
