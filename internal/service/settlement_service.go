package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"deal-settlement/internal/audit"
	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
	"deal-settlement/internal/events"
	"deal-settlement/internal/gateway"
	"deal-settlement/internal/invoice"
	"deal-settlement/internal/settlement"
)

const defaultGatewayTimeout = 10 * time.Second

// SettlementService moves deals through their lifecycle. Each money
// movement follows the same order: validate, reserve pending ledger rows,
// call the gateway with the request's idempotency token, then record the
// outcome under the deal lock.
type SettlementService struct {
	store          domain.Store
	machine        *settlement.Machine
	chain          *audit.Chain
	gateway        gateway.Gateway
	converter      *invoice.Converter
	publisher      events.Publisher
	gatewayTimeout time.Duration
	logger         *slog.Logger
}

type Dependencies struct {
	Store          domain.Store
	Machine        *settlement.Machine
	Chain          *audit.Chain
	Gateway        gateway.Gateway
	Converter      *invoice.Converter
	Publisher      events.Publisher
	GatewayTimeout time.Duration
	Logger         *slog.Logger
}

func NewSettlementService(deps Dependencies) *SettlementService {
	timeout := deps.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NewLogPublisher(deps.Logger)
	}
	return &SettlementService{
		store:          deps.Store,
		machine:        deps.Machine,
		chain:          deps.Chain,
		gateway:        deps.Gateway,
		converter:      deps.Converter,
		publisher:      publisher,
		gatewayTimeout: timeout,
		logger:         deps.Logger,
	}
}

type ConfirmPaymentRequest struct {
	DealID          string
	IdempotencyKey  string
	ExpectedVersion int64
	Actor           domain.Actor
}

// ConfirmPayment captures the deal's payment intent and holds the funds.
func (s *SettlementService) ConfirmPayment(ctx context.Context, req *ConfirmPaymentRequest) (*settlement.Result, error) {
	s.logger.Info("Confirming payment", "deal_id", req.DealID, "idempotency_key", req.IdempotencyKey)

	dealID, err := parseDealID(req.DealID)
	if err != nil {
		return nil, err
	}
	cmd := settlement.Command{
		DealID:          dealID,
		Op:              settlement.OpHoldFunds,
		Actor:           req.Actor,
		IdempotencyKey:  req.IdempotencyKey,
		ExpectedVersion: req.ExpectedVersion,
	}

	plan, err := s.machine.Reserve(ctx, s.store, cmd)
	if err != nil {
		return nil, err
	}
	if plan.Duplicate {
		return s.duplicate(plan, cmd), nil
	}

	intentRef := ""
	for _, tx := range plan.Ledger {
		if tx.Type == domain.TxPaymentIntent && tx.Status != domain.TxFailed && tx.ExternalReference != "" {
			intentRef = tx.ExternalReference
		}
	}

	receipt, err := s.callGateway(ctx, func(ctx context.Context) (gateway.Receipt, error) {
		return s.gateway.ConfirmPayment(ctx, gateway.Token(dealID, cmd.IdempotencyKey), intentRef)
	})
	if err != nil {
		return nil, s.recordGatewayFailure(ctx, cmd, err)
	}

	cmd.Amount = receipt.Amount
	cmd.ExternalReference = receipt.Reference
	res, err := s.machine.Apply(context.WithoutCancel(ctx), s.store, cmd)
	if err != nil {
		if errors.Is(err, errors.ErrAmountMismatch) {
			s.logger.Error("Captured amount does not match deal total",
				"deal_id", dealID, "captured", receipt.Amount, "reference", receipt.Reference)
			s.failRequest(ctx, cmd, string(errors.AmountMismatch))
		}
		return nil, err
	}

	s.publish(ctx, eventsFor(cmd.Op, res)...)
	s.logger.Info("Funds held successfully", "deal_id", dealID, "version", res.Deal.Version)
	return res, nil
}

type ReleaseRequest struct {
	DealID          string
	IdempotencyKey  string
	ExpectedVersion int64
	Actor           domain.Actor
}

// ReleaseFunds pays the operator and books the platform fee.
func (s *SettlementService) ReleaseFunds(ctx context.Context, req *ReleaseRequest) (*settlement.Result, error) {
	s.logger.Info("Releasing funds", "deal_id", req.DealID, "idempotency_key", req.IdempotencyKey)

	dealID, err := parseDealID(req.DealID)
	if err != nil {
		return nil, err
	}
	return s.release(ctx, settlement.Command{
		DealID:          dealID,
		Op:              settlement.OpRelease,
		Actor:           req.Actor,
		IdempotencyKey:  req.IdempotencyKey,
		ExpectedVersion: req.ExpectedVersion,
	})
}

func (s *SettlementService) release(ctx context.Context, cmd settlement.Command) (*settlement.Result, error) {
	check, err := s.machine.Check(ctx, s.store, cmd)
	if err != nil {
		return nil, err
	}
	if check.Duplicate {
		return s.duplicate(check, cmd), nil
	}
	if cmd.Quote, err = s.quoteFor(ctx, check.Deal); err != nil {
		return nil, err
	}

	plan, err := s.machine.Reserve(ctx, s.store, cmd)
	if err != nil {
		return nil, err
	}
	if plan.Duplicate {
		return s.duplicate(plan, cmd), nil
	}

	if payout := plan.Amount(domain.TxReleaseToOperator); payout > 0 {
		deal := plan.Deal
		receipt, err := s.callGateway(ctx, func(ctx context.Context) (gateway.Receipt, error) {
			return s.gateway.CreateTransfer(ctx, gateway.Token(deal.ID, cmd.IdempotencyKey), deal.OperatorID, payout, deal.Currency)
		})
		if err != nil {
			return nil, s.recordGatewayFailure(ctx, cmd, err)
		}
		cmd.ExternalReference = receipt.Reference
	}

	res, err := s.machine.Apply(context.WithoutCancel(ctx), s.store, cmd)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, eventsFor(cmd.Op, res)...)
	s.logger.Info("Funds released successfully", "deal_id", cmd.DealID, "invoice_number", invoiceNumber(res))
	return res, nil
}

type RefundRequest struct {
	DealID          string
	Amount          int64
	Reason          string
	IdempotencyKey  string
	ExpectedVersion int64
	Actor           domain.Actor
}

// Refund returns part or all of the held balance to the customer.
func (s *SettlementService) Refund(ctx context.Context, req *RefundRequest) (*settlement.Result, error) {
	s.logger.Info("Processing refund",
		"deal_id", req.DealID, "amount", req.Amount, "idempotency_key", req.IdempotencyKey)

	dealID, err := parseDealID(req.DealID)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, errors.ErrInvalidAmount
	}
	return s.refund(ctx, settlement.Command{
		DealID:          dealID,
		Op:              settlement.OpRefund,
		Actor:           req.Actor,
		IdempotencyKey:  req.IdempotencyKey,
		Amount:          req.Amount,
		Reason:          req.Reason,
		ExpectedVersion: req.ExpectedVersion,
	})
}

func (s *SettlementService) refund(ctx context.Context, cmd settlement.Command) (*settlement.Result, error) {
	check, err := s.machine.Check(ctx, s.store, cmd)
	if err != nil {
		return nil, err
	}
	if check.Duplicate {
		return s.duplicate(check, cmd), nil
	}
	if cmd.Quote, err = s.quoteFor(ctx, check.Deal); err != nil {
		return nil, err
	}

	plan, err := s.machine.Reserve(ctx, s.store, cmd)
	if err != nil {
		return nil, err
	}
	if plan.Duplicate {
		return s.duplicate(plan, cmd), nil
	}

	captureRef := ""
	for _, tx := range plan.Ledger {
		if tx.Type == domain.TxFundsHeld && tx.Status == domain.TxCompleted {
			captureRef = tx.ExternalReference
		}
	}
	deal := plan.Deal
	receipt, err := s.callGateway(ctx, func(ctx context.Context) (gateway.Receipt, error) {
		return s.gateway.CreateRefund(ctx, gateway.Token(deal.ID, cmd.IdempotencyKey), captureRef, cmd.Amount, deal.Currency)
	})
	if err != nil {
		return nil, s.recordGatewayFailure(ctx, cmd, err)
	}
	cmd.ExternalReference = receipt.Reference

	res, err := s.machine.Apply(context.WithoutCancel(ctx), s.store, cmd)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, eventsFor(cmd.Op, res)...)
	s.logger.Info("Refund completed successfully",
		"deal_id", cmd.DealID, "amount", cmd.Amount, "status", res.Deal.Status, "invoice_number", invoiceNumber(res))
	return res, nil
}

type DisputeRequest struct {
	DealID          string
	Reason          string
	IdempotencyKey  string
	ExpectedVersion int64
	Actor           domain.Actor
}

// OpenDispute freezes the held balance until an administrator resolves it.
func (s *SettlementService) OpenDispute(ctx context.Context, req *DisputeRequest) (*settlement.Result, error) {
	s.logger.Info("Opening dispute", "deal_id", req.DealID, "idempotency_key", req.IdempotencyKey)

	dealID, err := parseDealID(req.DealID)
	if err != nil {
		return nil, err
	}
	cmd := settlement.Command{
		DealID:          dealID,
		Op:              settlement.OpOpenDispute,
		Actor:           req.Actor,
		IdempotencyKey:  req.IdempotencyKey,
		Reason:          req.Reason,
		ExpectedVersion: req.ExpectedVersion,
	}
	res, err := s.machine.Apply(ctx, s.store, cmd)
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		s.publish(ctx, eventsFor(cmd.Op, res)...)
	}
	return res, nil
}

type Resolution string

const (
	ResolveRelease    Resolution = "release"
	ResolveRefund     Resolution = "refund"
	ResolveChargeback Resolution = "chargeback"
)

type ResolveDisputeRequest struct {
	DealID     string
	Resolution Resolution
	// Amount is required for refunds and overrides the disputed amount for
	// chargebacks.
	Amount          int64
	Reason          string
	IdempotencyKey  string
	ExpectedVersion int64
	Actor           domain.Actor
}

// ResolveDispute closes an in_dispute deal by release, refund or
// chargeback. A chargeback is also accepted on a released deal, since the
// processor can claw money back after payout.
func (s *SettlementService) ResolveDispute(ctx context.Context, req *ResolveDisputeRequest) (*settlement.Result, error) {
	s.logger.Info("Resolving dispute",
		"deal_id", req.DealID, "resolution", req.Resolution, "idempotency_key", req.IdempotencyKey)

	dealID, err := parseDealID(req.DealID)
	if err != nil {
		return nil, err
	}

	cmd := settlement.Command{
		DealID:          dealID,
		Actor:           req.Actor,
		IdempotencyKey:  req.IdempotencyKey,
		Amount:          req.Amount,
		Reason:          req.Reason,
		ExpectedVersion: req.ExpectedVersion,
	}
	switch req.Resolution {
	case ResolveRelease:
		cmd.Op = settlement.OpRelease
	case ResolveRefund:
		cmd.Op = settlement.OpRefund
		if req.Amount <= 0 {
			return nil, errors.ErrInvalidAmount
		}
	case ResolveChargeback:
		cmd.Op = settlement.OpChargeback
	default:
		return nil, errors.NewAppErrorf(errors.InvalidInput, "unknown resolution %q", req.Resolution)
	}

	check, err := s.machine.Check(ctx, s.store, cmd)
	if err != nil {
		return nil, err
	}
	if check.Duplicate {
		return s.duplicate(check, cmd), nil
	}
	allowed := check.Status == domain.DealInDispute ||
		(cmd.Op == settlement.OpChargeback && check.Status == domain.DealReleased)
	if !allowed {
		return nil, errors.NewAppErrorf(errors.InvalidTransition, "deal in status %s has no dispute to resolve", check.Status)
	}

	switch cmd.Op {
	case settlement.OpRelease:
		return s.release(ctx, cmd)
	case settlement.OpRefund:
		return s.refund(ctx, cmd)
	}

	res, err := s.machine.Apply(ctx, s.store, cmd)
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		s.publish(ctx, eventsFor(cmd.Op, res)...)
	}
	return res, nil
}

// callGateway bounds fn by the gateway timeout. A cancelled or expired
// context is reported as ErrTimeout: the call may have reached the
// processor.
func (s *SettlementService) callGateway(ctx context.Context, fn func(ctx context.Context) (gateway.Receipt, error)) (gateway.Receipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	receipt, err := fn(callCtx)
	if err != nil {
		if callCtx.Err() != nil && !errors.Is(err, gateway.ErrDeclined) {
			return gateway.Receipt{}, gateway.ErrTimeout
		}
		return gateway.Receipt{}, err
	}
	return receipt, nil
}

// recordGatewayFailure leaves the reserved rows pending after a timeout
// and fails them after a rejection.
func (s *SettlementService) recordGatewayFailure(ctx context.Context, cmd settlement.Command, gwErr error) error {
	ctx = context.WithoutCancel(ctx)

	if errors.Is(gwErr, gateway.ErrTimeout) {
		s.logger.Warn("Gateway outcome unknown, rows left pending",
			"deal_id", cmd.DealID, "operation", cmd.Op, "idempotency_key", cmd.IdempotencyKey)
		if _, err := s.machine.Record(ctx, s.store, cmd, nil, domain.TxPending, ""); err != nil {
			s.logger.Error("Failed to record gateway timeout", "deal_id", cmd.DealID, "error", err)
		}
		return errors.ErrGatewayTimeout.WithDetails("outcome unknown; retry with the same idempotency key")
	}

	s.logger.Warn("Gateway rejected request",
		"deal_id", cmd.DealID, "operation", cmd.Op, "idempotency_key", cmd.IdempotencyKey, "error", gwErr)
	s.failRequest(ctx, cmd, gwErr.Error())
	return errors.ErrGatewayError.WithDetails(gwErr.Error())
}

func (s *SettlementService) failRequest(ctx context.Context, cmd settlement.Command, reason string) {
	if _, err := s.machine.Record(context.WithoutCancel(ctx), s.store, cmd, nil, domain.TxFailed, reason); err != nil {
		s.logger.Error("Failed to record failed request", "deal_id", cmd.DealID, "error", err)
	}
}

// quoteFor fetches the invoicing rate before any lock is taken.
func (s *SettlementService) quoteFor(ctx context.Context, deal *domain.Deal) (*invoice.Quote, error) {
	j, err := invoice.LookupJurisdiction(deal.Jurisdiction)
	if err != nil {
		return nil, err
	}
	return s.converter.QuoteFor(ctx, deal.Currency, j.BaseCurrency)
}

func (s *SettlementService) duplicate(plan *settlement.Plan, cmd settlement.Command) *settlement.Result {
	s.logger.Info("Returning existing result for idempotency key",
		"deal_id", cmd.DealID, "operation", cmd.Op, "idempotency_key", cmd.IdempotencyKey)
	return &settlement.Result{Deal: plan.Deal, Transactions: plan.Existing, Duplicate: true}
}

func (s *SettlementService) publish(ctx context.Context, evs ...events.Event) {
	if len(evs) == 0 {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), evs...); err != nil {
		s.logger.Warn("Failed to publish settlement events", "deal_id", evs[0].DealID, "error", err)
	}
}

func parseDealID(id string) (uuid.UUID, error) {
	dealID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, errors.ErrInvalidDealID
	}
	return dealID, nil
}

func invoiceNumber(res *settlement.Result) string {
	if res.Invoice == nil {
		return ""
	}
	return res.Invoice.InvoiceNumber
}
