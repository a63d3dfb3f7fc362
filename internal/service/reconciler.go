package service

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
	"deal-settlement/internal/events"
	"deal-settlement/internal/gateway"
	"deal-settlement/internal/settlement"
)

// ReconcileReport counts the requests one sweep looked at.
type ReconcileReport struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	// Blocked are requests the gateway executed but the ledger rejected.
	// Their deals stay locked behind the pending rows until an operator
	// settles them.
	Blocked []BlockedRequest `json:"blocked,omitempty"`
}

type BlockedRequest struct {
	DealID         uuid.UUID     `json:"deal_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Operation      settlement.Op `json:"operation"`
	Reason         string        `json:"reason"`
}

type pendingRequest struct {
	dealID  uuid.UUID
	key     string
	op      settlement.Op
	primary domain.Transaction
	actor   domain.Actor
}

// Reconcile resolves requests whose ledger rows are still pending after
// olderThan by asking the gateway what happened to their token. Payment
// intents wait on the customer and are left alone.
func (s *SettlementService) Reconcile(ctx context.Context, olderThan time.Duration) (ReconcileReport, error) {
	var report ReconcileReport

	rows, err := s.store.Transactions().ListPendingOlderThan(ctx, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return report, err
	}

	for _, req := range groupPending(rows) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		receipt, err := s.gateway.Lookup(ctx, gateway.Token(req.dealID, req.key))
		switch {
		case errors.Is(err, gateway.ErrNotFound):
			s.closeUnexecuted(ctx, req, "gateway never executed request", &report)
			continue
		case err != nil:
			s.logger.Warn("Gateway lookup failed, request left pending",
				"deal_id", req.dealID, "idempotency_key", req.key, "error", err)
			report.Skipped++
			continue
		case receipt.Status == gateway.ReceiptFailed:
			s.closeUnexecuted(ctx, req, "gateway reported failure", &report)
			continue
		}

		cmd := settlement.Command{
			DealID:            req.dealID,
			Op:                req.op,
			Actor:             req.actor,
			IdempotencyKey:    req.key,
			ExternalReference: receipt.Reference,
		}
		switch req.op {
		case settlement.OpRefund:
			cmd.Amount = req.primary.Amount
		case settlement.OpHoldFunds:
			cmd.Amount = receipt.Amount
		}
		if req.op == settlement.OpRelease || req.op == settlement.OpRefund {
			deal, err := s.store.Deals().GetDeal(ctx, req.dealID)
			if err != nil {
				return report, err
			}
			if cmd.Quote, err = s.quoteFor(ctx, deal); err != nil {
				s.logger.Warn("Rate unavailable, request left pending",
					"deal_id", req.dealID, "idempotency_key", req.key, "error", err)
				report.Skipped++
				continue
			}
		}

		res, err := s.machine.Apply(ctx, s.store, cmd)
		if err != nil {
			// The processor moved money the ledger cannot account for.
			s.logger.Error("Gateway executed request but ledger rejected it",
				"deal_id", req.dealID, "idempotency_key", req.key, "operation", req.op, "error", err)
			report.Skipped++
			s.flagBlocked(ctx, req, cmd, err, &report)
			continue
		}
		report.Completed++
		s.publish(ctx, eventsFor(req.op, res)...)
		s.logger.Info("Pending request reconciled",
			"deal_id", req.dealID, "idempotency_key", req.key, "operation", req.op, "status", res.Deal.Status)
	}

	if report.Checked > 0 {
		s.logger.Info("Reconciliation sweep finished",
			"checked", report.Checked, "completed", report.Completed, "failed", report.Failed,
			"skipped", report.Skipped, "blocked", len(report.Blocked))
	}
	return report, nil
}

// flagBlocked records a rejected request on the report and, once per
// request, on the deal's audit chain and the event stream.
func (s *SettlementService) flagBlocked(ctx context.Context, req pendingRequest, cmd settlement.Command, cause error, report *ReconcileReport) {
	reason := cause.Error()
	report.Blocked = append(report.Blocked, BlockedRequest{
		DealID:         req.dealID,
		IdempotencyKey: req.key,
		Operation:      req.op,
		Reason:         reason,
	})

	cmd.Actor = domain.Actor{ID: "reconciler", Role: domain.RoleSystem}
	flagged, err := s.machine.FlagForReview(ctx, s.store, cmd, reason)
	if err != nil {
		s.logger.Error("Failed to flag deal for manual reconciliation",
			"deal_id", req.dealID, "idempotency_key", req.key, "error", err)
		return
	}
	if !flagged {
		return
	}

	deal, err := s.store.Deals().GetDeal(ctx, req.dealID)
	if err != nil {
		s.logger.Warn("Failed to load flagged deal", "deal_id", req.dealID, "error", err)
		return
	}
	e := events.New(events.ReconciliationBlocked, deal.ID, string(deal.Status), req.primary.Amount, deal.Currency)
	e.Attributes["operation"] = string(req.op)
	e.Attributes["idempotency_key"] = req.key
	e.Attributes["reason"] = reason
	if cmd.ExternalReference != "" {
		e.Attributes["external_reference"] = cmd.ExternalReference
	}
	s.publish(ctx, e)
}

func (s *SettlementService) closeUnexecuted(ctx context.Context, req pendingRequest, reason string, report *ReconcileReport) {
	cmd := settlement.Command{
		DealID:         req.dealID,
		Op:             req.op,
		Actor:          domain.Actor{ID: "reconciler", Role: domain.RoleSystem},
		IdempotencyKey: req.key,
	}
	if _, err := s.machine.Record(ctx, s.store, cmd, nil, domain.TxFailed, reason); err != nil {
		s.logger.Error("Failed to close pending request",
			"deal_id", req.dealID, "idempotency_key", req.key, "error", err)
		report.Skipped++
		return
	}
	report.Failed++
}

// groupPending folds pending rows into requests, keyed by deal and request
// key, in the order their first row was written.
func groupPending(rows []domain.Transaction) []pendingRequest {
	index := make(map[string]int)
	var out []pendingRequest
	for _, tx := range rows {
		op := settlement.Op(tx.Metadata[domain.MetaOperation])
		key := tx.Metadata[domain.MetaRequestKey]
		if op == "" || key == "" || tx.Type == domain.TxPaymentIntent {
			continue
		}

		id := tx.DealID.String() + "|" + key
		i, ok := index[id]
		if !ok {
			i = len(out)
			index[id] = i
			out = append(out, pendingRequest{
				dealID:  tx.DealID,
				key:     key,
				op:      op,
				primary: tx,
				actor: domain.Actor{
					ID:   tx.CreatedBy,
					Role: domain.Role(tx.Metadata[domain.MetaActorRole]),
				},
			})
		}
		if tx.IdempotencyKey == key {
			out[i].primary = tx
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].primary.CreatedAt.Before(out[b].primary.CreatedAt)
	})
	return out
}

// Reconciler runs the sweep on a ticker until its context ends.
type Reconciler struct {
	service   *SettlementService
	interval  time.Duration
	olderThan time.Duration
	logger    *slog.Logger
}

func NewReconciler(service *SettlementService, interval, olderThan time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		service:   service,
		interval:  interval,
		olderThan: olderThan,
		logger:    logger,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Reconciler started", "interval", r.interval, "older_than", r.olderThan)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.service.Reconcile(ctx, r.olderThan); err != nil && ctx.Err() == nil {
				r.logger.Error("Reconciliation sweep failed", "error", err)
			}
		}
	}
}
