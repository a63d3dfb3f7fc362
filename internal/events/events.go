// Package events publishes settlement notifications after the ledger
// commit. Publishing is best effort: the ledger is already durable when an
// event is sent.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	FundsHeld         Type = "settlement.funds_held"
	FundsReleased     Type = "settlement.funds_released"
	Refunded          Type = "settlement.refunded"
	DisputeOpened     Type = "settlement.dispute_opened"
	ChargebackSettled Type = "settlement.chargeback_settled"
	InvoiceIssued     Type = "settlement.invoice_issued"

	ReconciliationBlocked Type = "settlement.reconciliation_blocked"
)

type Event struct {
	ID         uuid.UUID         `json:"id"`
	Type       Type              `json:"type"`
	DealID     uuid.UUID         `json:"deal_id"`
	Status     string            `json:"status"`
	Amount     int64             `json:"amount"`
	Currency   string            `json:"currency"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func New(t Type, dealID uuid.UUID, status string, amount int64, currency string) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		DealID:     dealID,
		Status:     status,
		Amount:     amount,
		Currency:   currency,
		OccurredAt: time.Now().UTC(),
		Attributes: map[string]string{},
	}
}

type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, events ...Event) error {
	for _, e := range events {
		attrs := []any{
			"event_id", e.ID,
			"type", e.Type,
			"deal_id", e.DealID,
			"status", e.Status,
			"amount", e.Amount,
			"currency", e.Currency,
		}
		for k, v := range e.Attributes {
			attrs = append(attrs, k, v)
		}
		p.logger.Info("Settlement event", attrs...)
	}
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
