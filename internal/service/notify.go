package service

import (
	"strconv"

	"deal-settlement/internal/domain"
	"deal-settlement/internal/events"
	"deal-settlement/internal/settlement"
)

var eventTypes = map[settlement.Op]events.Type{
	settlement.OpHoldFunds:   events.FundsHeld,
	settlement.OpRelease:     events.FundsReleased,
	settlement.OpRefund:      events.Refunded,
	settlement.OpOpenDispute: events.DisputeOpened,
	settlement.OpChargeback:  events.ChargebackSettled,
}

// eventsFor builds the notifications for an applied transition. Duplicate
// results were announced when they were first applied.
func eventsFor(op settlement.Op, res *settlement.Result) []events.Event {
	t, ok := eventTypes[op]
	if !ok || res == nil || res.Duplicate {
		return nil
	}

	deal := res.Deal
	var amount int64
	for _, tx := range res.Transactions {
		amount += tx.Amount
	}

	e := events.New(t, deal.ID, string(deal.Status), amount, deal.Currency)
	e.Attributes["version"] = strconv.FormatInt(deal.Version, 10)
	if res.PreviousStatus != "" {
		e.Attributes["previous_status"] = string(res.PreviousStatus)
	}
	for _, tx := range res.Transactions {
		if tx.Type == domain.TxPayoutFee {
			e.Attributes["platform_fee"] = strconv.FormatInt(tx.Amount, 10)
		}
		if tx.Metadata[domain.MetaViaDispute] == "true" {
			e.Attributes[domain.MetaViaDispute] = "true"
		}
	}
	if res.NegativePosition {
		e.Attributes[domain.MetaNegativePosition] = "true"
	}
	out := []events.Event{e}

	if inv := res.Invoice; inv != nil {
		ie := events.New(events.InvoiceIssued, deal.ID, string(deal.Status), inv.TotalAmount, inv.Currency)
		ie.Attributes["invoice_number"] = inv.InvoiceNumber
		ie.Attributes["kind"] = inv.Kind
		ie.Attributes["vat_amount"] = strconv.FormatInt(inv.VATAmount, 10)
		ie.Attributes["reverse_charge"] = strconv.FormatBool(inv.ReverseCharge)
		out = append(out, ie)
	}
	return out
}
