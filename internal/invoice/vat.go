// Package invoice numbers invoices, applies VAT rules and converts amounts
// into the invoicing entity's base currency.
package invoice

import (
	"strings"

	"github.com/shopspring/decimal"

	"deal-settlement/internal/errors"
)

// Jurisdiction describes one invoicing entity.
type Jurisdiction struct {
	Code         string
	Prefix       string
	BaseCurrency string
	VATRate      decimal.Decimal
	// ReverseChargeThreshold is in base currency minor units.
	ReverseChargeThreshold int64
}

var jurisdictions = map[string]Jurisdiction{
	"GB": {Code: "GB", Prefix: "GB", BaseCurrency: "GBP", VATRate: decimal.NewFromInt(20)},
	"DE": {Code: "DE", Prefix: "DE", BaseCurrency: "EUR", VATRate: decimal.NewFromInt(19)},
	"FR": {Code: "FR", Prefix: "FR", BaseCurrency: "EUR", VATRate: decimal.NewFromInt(20)},
	"IE": {Code: "IE", Prefix: "IE", BaseCurrency: "EUR", VATRate: decimal.NewFromInt(23)},
	"NL": {Code: "NL", Prefix: "NL", BaseCurrency: "EUR", VATRate: decimal.NewFromInt(21)},
	"CH": {Code: "CH", Prefix: "CH", BaseCurrency: "CHF", VATRate: decimal.RequireFromString("8.1"), ReverseChargeThreshold: 10_000_00},
	"AE": {Code: "AE", Prefix: "AE", BaseCurrency: "AED", VATRate: decimal.NewFromInt(5), ReverseChargeThreshold: 375_000_00},
	"US": {Code: "US", Prefix: "US", BaseCurrency: "USD", VATRate: decimal.Zero},
}

// LookupJurisdiction returns the rules for an ISO 3166 alpha-2 code.
func LookupJurisdiction(code string) (Jurisdiction, error) {
	j, ok := jurisdictions[strings.ToUpper(code)]
	if !ok {
		return Jurisdiction{}, errors.NewAppErrorf(errors.InvalidInput, "unsupported jurisdiction %q", code)
	}
	return j, nil
}

// Buyer carries the reverse-charge inputs of the invoiced party.
type Buyer struct {
	Country string
	VATID   string
}

type VAT struct {
	Rate          decimal.Decimal
	Amount        int64
	ReverseCharge bool
}

// ComputeVAT applies j's rate to amount. baseAmount is amount in j's base
// currency and decides the reverse-charge threshold. Reverse charge forces
// the rate to zero for a VAT-registered buyer in another country.
func ComputeVAT(j Jurisdiction, amount, baseAmount int64, buyer Buyer) VAT {
	if buyer.VATID != "" &&
		buyer.Country != "" &&
		!strings.EqualFold(buyer.Country, j.Code) &&
		baseAmount >= j.ReverseChargeThreshold {
		return VAT{Rate: decimal.Zero, ReverseCharge: true}
	}

	return VAT{
		Rate: j.VATRate,
		Amount: decimal.NewFromInt(amount).
			Mul(j.VATRate).
			Div(decimal.NewFromInt(100)).
			Round(0).
			IntPart(),
	}
}
