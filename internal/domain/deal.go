package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DealStatus string

const (
	DealInitiated         DealStatus = "initiated"
	DealFundsHeld         DealStatus = "funds_held"
	DealInDispute         DealStatus = "in_dispute"
	DealReleased          DealStatus = "released"
	DealRefunded          DealStatus = "refunded"
	DealChargebackSettled DealStatus = "chargeback_settled"
)

// IsTerminal reports whether no further money movement is expected.
func (s DealStatus) IsTerminal() bool {
	return s == DealReleased || s == DealRefunded || s == DealChargebackSettled
}

const (
	DealTypeCharter  = "charter"
	DealTypeEmptyLeg = "empty_leg"
)

// DefaultFeeRate returns the platform fee percentage for a deal type.
func DefaultFeeRate(dealType string) decimal.Decimal {
	if dealType == DealTypeEmptyLeg {
		return decimal.NewFromInt(10)
	}
	return decimal.NewFromInt(7)
}

type Deal struct {
	ID              uuid.UUID       `json:"id"`
	BrokerID        string          `json:"broker_id"`
	OperatorID      string          `json:"operator_id"`
	DealType        string          `json:"deal_type"`
	TotalAmount     int64           `json:"total_amount"`
	Currency        string          `json:"currency"`
	PlatformFeeRate decimal.Decimal `json:"platform_fee_rate"`
	Jurisdiction    string          `json:"jurisdiction"`
	BuyerCountry    string          `json:"buyer_country,omitempty"`
	BuyerVATID      string          `json:"buyer_vat_id,omitempty"`
	Status          DealStatus      `json:"status"`
	Version         int64           `json:"version"`
	IdempotencyKey  string          `json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// PlatformFee is the fee share of amount, rounded half away from zero to
// whole minor units.
func (d *Deal) PlatformFee(amount int64) int64 {
	return decimal.NewFromInt(amount).
		Mul(d.PlatformFeeRate).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}

type DealRepository interface {
	CreateDeal(ctx context.Context, deal *Deal) error
	GetDeal(ctx context.Context, id uuid.UUID) (*Deal, error)
	GetDealByIdempotencyKey(ctx context.Context, key string) (*Deal, error)
	// GetDealForUpdate locks the deal row until the surrounding transaction ends.
	GetDealForUpdate(ctx context.Context, id uuid.UUID) (*Deal, error)
	// UpdateDealStatus stores the derived status and bumps the version. It
	// fails with StaleState when the stored version is not expectedVersion.
	UpdateDealStatus(ctx context.Context, id uuid.UUID, status DealStatus, expectedVersion int64) (*Deal, error)
}
