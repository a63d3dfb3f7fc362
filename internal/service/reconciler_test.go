package service

import (
	"context"
	"time"

	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
	"deal-settlement/internal/events"
	"deal-settlement/internal/gateway"
	"deal-settlement/internal/settlement"
)

func (s *SettlementServiceSuite) TestReconcileClosesUnexecutedRequest() {
	deal := s.heldDeal()

	s.gateway.InjectFault(gateway.FaultTimeout)
	_, err := s.release(deal, "release-1")
	s.Require().Error(err)
	s.Equal(1, s.countRows(deal, domain.TxReleaseToOperator, domain.TxPending))

	report, err := s.service.Reconcile(s.ctx, -time.Second)
	s.Require().NoError(err)
	s.Equal(ReconcileReport{Checked: 1, Failed: 1}, report)

	s.Equal(1, s.countRows(deal, domain.TxReleaseToOperator, domain.TxFailed))
	s.Equal(1, s.countRows(deal, domain.TxPayoutFee, domain.TxFailed))
	got, err := s.service.GetDeal(s.ctx, deal.ID.String())
	s.Require().NoError(err)
	s.Equal(domain.DealFundsHeld, got.Status)

	// The key is free again.
	res, err := s.release(deal, "release-1")
	s.Require().NoError(err)
	s.Equal(domain.DealReleased, res.Deal.Status)
}

func (s *SettlementServiceSuite) TestReconcileCompletesExecutedRequest() {
	deal := s.heldDeal()

	s.gateway.InjectFault(gateway.FaultCommitThenTimeout)
	_, err := s.refund(deal, "refund-1", 25000)
	s.Require().Error(err)
	executed := s.gateway.Executed()

	report, err := s.service.Reconcile(s.ctx, -time.Second)
	s.Require().NoError(err)
	s.Equal(ReconcileReport{Checked: 1, Completed: 1}, report)
	s.Equal(executed, s.gateway.Executed())

	txs := s.ledger(deal)
	refund := txs[len(txs)-1]
	s.Equal(domain.TxRefund, refund.Type)
	s.Equal(domain.TxCompleted, refund.Status)
	s.Equal(operator.ID, refund.CreatedBy)
	s.NotEmpty(refund.ExternalReference)

	export, err := s.service.ExportLedger(s.ctx, deal.ID.String())
	s.Require().NoError(err)
	s.Require().Len(export.Invoices, 1)
	s.Equal(domain.InvoiceKindCreditNote, export.Invoices[0].Kind)
	s.True(export.Verification.Valid)

	evs := s.recorder.Events()
	s.Equal(events.InvoiceIssued, evs[len(evs)-1].Type)
	s.Equal(events.Refunded, evs[len(evs)-2].Type)

	// Nothing left for a second sweep.
	report, err = s.service.Reconcile(s.ctx, -time.Second)
	s.Require().NoError(err)
	s.Zero(report.Checked)
}

func (s *SettlementServiceSuite) TestReconcileIgnoresFreshAndIntentRows() {
	s.createEscrow("EUR", "DE")
	deal := s.heldDeal()

	s.gateway.InjectFault(gateway.FaultTimeout)
	_, err := s.refund(deal, "refund-1", 100)
	s.Require().Error(err)

	report, err := s.service.Reconcile(s.ctx, time.Hour)
	s.Require().NoError(err)
	s.Zero(report.Checked)
	s.Equal(1, s.countRows(deal, domain.TxRefund, domain.TxPending))
}

func (s *SettlementServiceSuite) TestReconcilerStopsWithContext() {
	r := NewReconciler(s.service, 10*time.Millisecond, -time.Second, s.service.logger)

	deal := s.heldDeal()
	s.gateway.InjectFault(gateway.FaultTimeout)
	_, err := s.refund(deal, "refund-1", 100)
	s.Require().Error(err)

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	s.Eventually(func() bool {
		return s.countRows(deal, domain.TxRefund, domain.TxFailed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("reconciler did not stop")
	}
}

func (s *SettlementServiceSuite) TestReconcileFlagsRejectedRequestOnce() {
	deal := s.createEscrow("EUR", "DE")
	intent := s.ledger(deal)[0]
	s.gateway.SetCaptureAmount(intent.ExternalReference, 90000)
	s.gateway.InjectFault(gateway.FaultCommitThenTimeout)

	_, err := s.service.ConfirmPayment(s.ctx, &ConfirmPaymentRequest{DealID: deal.ID.String(), IdempotencyKey: "hold-1", Actor: broker})
	s.Require().Error(err)
	s.Equal(1, s.countRows(deal, domain.TxFundsHeld, domain.TxPending))

	report, err := s.service.Reconcile(s.ctx, -time.Second)
	s.Require().NoError(err)
	s.Equal(1, report.Checked)
	s.Equal(1, report.Skipped)
	s.Require().Len(report.Blocked, 1)
	s.Equal(deal.ID, report.Blocked[0].DealID)
	s.Equal("hold-1", report.Blocked[0].IdempotencyKey)
	s.Equal(settlement.OpHoldFunds, report.Blocked[0].Operation)
	s.NotEmpty(report.Blocked[0].Reason)

	entries, err := s.store.Audit().ListEntries(s.ctx, domain.SubjectDeal, deal.ID.String())
	s.Require().NoError(err)
	last := entries[len(entries)-1]
	s.Equal(settlement.ActionManualReconciliation, last.Action)
	s.Equal("hold-1", last.Payload[domain.MetaRequestKey])
	s.Equal("reconciler", last.ActorID)

	evs := s.recorder.Events()
	s.Equal(events.ReconciliationBlocked, evs[len(evs)-1].Type)
	s.Equal("hold-1", evs[len(evs)-1].Attributes["idempotency_key"])

	// A second sweep reports the request again without another entry.
	report, err = s.service.Reconcile(s.ctx, -time.Second)
	s.Require().NoError(err)
	s.Len(report.Blocked, 1)
	again, err := s.store.Audit().ListEntries(s.ctx, domain.SubjectDeal, deal.ID.String())
	s.Require().NoError(err)
	s.Len(again, len(entries))
	s.Len(s.recorder.Events(), len(evs))

	verification, err := s.service.VerifyChain(s.ctx, deal.ID.String())
	s.Require().NoError(err)
	s.True(verification.Valid)

	_, err = s.service.ConfirmPayment(s.ctx, &ConfirmPaymentRequest{DealID: deal.ID.String(), IdempotencyKey: "hold-2", Actor: broker})
	s.True(errors.Is(err, errors.ErrStaleState))
}
