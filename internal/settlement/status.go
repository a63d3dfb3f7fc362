// Package settlement holds the deal state machine. A deal's status is never
// trusted on its own: it is re-derived from the ledger on every transition.
package settlement

import "deal-settlement/internal/domain"

// Summary is the ledger of one deal folded into totals.
type Summary struct {
	PaymentIntents int64
	Held           int64
	Released       int64
	Fees           int64
	Refunded       int64
	Chargebacks    int64
	// Disputed is the amount of the latest dispute marker, zero if none.
	Disputed            int64
	DisputeOpened       bool
	ReleaseCompleted    bool
	ChargebackCompleted bool
}

// Outflows is the completed money that left escrow.
func (s Summary) Outflows() int64 {
	return s.Released + s.Fees + s.Refunded
}

// Balance is the held money still in escrow.
func (s Summary) Balance() int64 {
	return s.Held - s.Outflows()
}

// Position is the platform's net exposure after chargebacks.
func (s Summary) Position() int64 {
	return s.Balance() - s.Chargebacks
}

// Summarize folds txs, in ledger order. Only completed rows count towards
// money totals; a disputed funds_held row marks an open dispute.
func Summarize(txs []domain.Transaction) Summary {
	var s Summary
	for i := range txs {
		s = s.add(&txs[i])
	}
	return s
}

func (s Summary) add(tx *domain.Transaction) Summary {
	if tx.Status == domain.TxDisputed && tx.Type == domain.TxFundsHeld {
		s.DisputeOpened = true
		s.Disputed = tx.Amount
		return s
	}
	if tx.Status != domain.TxCompleted {
		return s
	}

	switch tx.Type {
	case domain.TxPaymentIntent:
		s.PaymentIntents += tx.Amount
	case domain.TxFundsHeld:
		s.Held += tx.Amount
	case domain.TxReleaseToOperator:
		s.Released += tx.Amount
		s.ReleaseCompleted = true
	case domain.TxPayoutFee:
		s.Fees += tx.Amount
	case domain.TxRefund:
		s.Refunded += tx.Amount
	case domain.TxChargeback:
		s.Chargebacks += tx.Amount
		s.ChargebackCompleted = true
	}
	return s
}

// DeriveStatus maps a ledger summary onto the deal lifecycle.
func DeriveStatus(s Summary) domain.DealStatus {
	switch {
	case s.ChargebackCompleted:
		return domain.DealChargebackSettled
	case s.ReleaseCompleted:
		return domain.DealReleased
	case s.Held == 0:
		return domain.DealInitiated
	case s.Balance() <= 0:
		return domain.DealRefunded
	case s.DisputeOpened:
		return domain.DealInDispute
	default:
		return domain.DealFundsHeld
	}
}
