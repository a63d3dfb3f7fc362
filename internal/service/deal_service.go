package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"deal-settlement/internal/audit"
	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
	"deal-settlement/internal/gateway"
	"deal-settlement/internal/invoice"
	"deal-settlement/internal/settlement"
)

// maxDealAmount bounds a deal total in minor units.
const maxDealAmount = 10_000_000_000

type CreateEscrowRequest struct {
	BrokerID    string
	OperatorID  string
	DealType    string
	TotalAmount int64
	Currency    string
	// PlatformFeeRate is a percentage; nil selects the deal type default.
	PlatformFeeRate *decimal.Decimal
	Jurisdiction    string
	BuyerCountry    string
	BuyerVATID      string
	IdempotencyKey  string
	Actor           domain.Actor
}

// CreateEscrow opens a deal and creates its payment intent. Retrying with
// the same idempotency key returns the same deal and, once it exists, the
// same intent.
func (s *SettlementService) CreateEscrow(ctx context.Context, req *CreateEscrowRequest) (*settlement.Result, error) {
	s.logger.Info("Creating escrow",
		"broker_id", req.BrokerID,
		"operator_id", req.OperatorID,
		"total_amount", req.TotalAmount,
		"currency", req.Currency,
		"idempotency_key", req.IdempotencyKey)

	deal, err := s.validateEscrow(req)
	if err != nil {
		return nil, err
	}

	opened, err := s.machine.Open(ctx, s.store, deal, req.Actor)
	if err != nil {
		return nil, err
	}
	if opened.Duplicate && !sameEscrow(opened.Deal, deal) {
		s.logger.Warn("Idempotency key reused with different escrow parameters",
			"deal_id", opened.Deal.ID, "idempotency_key", req.IdempotencyKey)
		return nil, errors.NewAppError(errors.InvalidInput, "idempotency key already used with different parameters")
	}
	deal = opened.Deal

	cmd := settlement.Command{
		DealID:         deal.ID,
		Op:             settlement.OpPaymentIntent,
		Actor:          req.Actor,
		IdempotencyKey: req.IdempotencyKey,
	}
	plan, err := s.machine.Check(ctx, s.store, cmd)
	if err != nil {
		return nil, err
	}
	if plan.Duplicate {
		s.logger.Info("Returning existing escrow for idempotency key",
			"deal_id", deal.ID, "idempotency_key", req.IdempotencyKey)
		return &settlement.Result{Deal: deal, Transactions: plan.Existing, Duplicate: true}, nil
	}

	// An intent moves no money, so an unknown outcome is failed outright and
	// the caller retries with the same key; the gateway replays the intent.
	receipt, err := s.callGateway(ctx, func(ctx context.Context) (gateway.Receipt, error) {
		return s.gateway.CreatePaymentIntent(ctx, gateway.Token(deal.ID, req.IdempotencyKey), deal.TotalAmount, deal.Currency)
	})
	if err != nil {
		s.logger.Warn("Payment intent not created", "deal_id", deal.ID, "error", err)
		if _, recErr := s.machine.Record(context.WithoutCancel(ctx), s.store, cmd, plan.Rows, domain.TxFailed, err.Error()); recErr != nil {
			s.logger.Error("Failed to record payment intent failure", "deal_id", deal.ID, "error", recErr)
		}
		if errors.Is(err, gateway.ErrTimeout) {
			return nil, errors.ErrGatewayTimeout.WithDetails("payment intent outcome unknown; retry with the same idempotency key")
		}
		return nil, errors.ErrGatewayError.WithDetails(err.Error())
	}

	cmd.ExternalReference = receipt.Reference
	rows, err := s.machine.Record(context.WithoutCancel(ctx), s.store, cmd, plan.Rows, domain.TxPending, "")
	if err != nil {
		return nil, err
	}

	s.logger.Info("Escrow created successfully", "deal_id", deal.ID, "payment_intent", receipt.Reference)
	return &settlement.Result{Deal: deal, Transactions: rows, Audit: opened.Audit, Duplicate: opened.Duplicate}, nil
}

func (s *SettlementService) validateEscrow(req *CreateEscrowRequest) (*domain.Deal, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, errors.ErrIdempotencyKeyRequired
	}
	if req.TotalAmount <= 0 {
		return nil, errors.ErrInvalidAmount
	}
	if req.TotalAmount > maxDealAmount {
		return nil, errors.NewAppError(errors.InvalidAmount, "total amount exceeds maximum limit")
	}
	if req.BrokerID == "" || req.OperatorID == "" {
		return nil, errors.NewAppError(errors.InvalidInput, "broker_id and operator_id are required")
	}
	if req.BrokerID == req.OperatorID {
		return nil, errors.NewAppError(errors.InvalidInput, "broker and operator must differ")
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return nil, errors.NewAppErrorf(errors.InvalidInput, "invalid currency %q", req.Currency)
	}

	dealType := req.DealType
	if dealType == "" {
		dealType = domain.DealTypeCharter
	}
	if dealType != domain.DealTypeCharter && dealType != domain.DealTypeEmptyLeg {
		return nil, errors.NewAppErrorf(errors.InvalidInput, "unknown deal type %q", req.DealType)
	}

	rate := domain.DefaultFeeRate(dealType)
	if req.PlatformFeeRate != nil {
		rate = *req.PlatformFeeRate
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return nil, errors.NewAppError(errors.InvalidInput, "platform fee rate must be between 0 and 100")
	}

	j, err := invoice.LookupJurisdiction(req.Jurisdiction)
	if err != nil {
		return nil, err
	}

	switch req.Actor.Role {
	case domain.RoleAdmin, domain.RoleSystem:
	case domain.RoleBroker:
		if req.Actor.ID != req.BrokerID {
			return nil, errors.ErrForbidden.WithDetails("brokers may only open their own deals")
		}
	default:
		return nil, errors.ErrForbidden.WithDetails(fmt.Sprintf("role %q", req.Actor.Role))
	}

	return &domain.Deal{
		ID:              uuid.New(),
		BrokerID:        req.BrokerID,
		OperatorID:      req.OperatorID,
		DealType:        dealType,
		TotalAmount:     req.TotalAmount,
		Currency:        currency,
		PlatformFeeRate: rate,
		Jurisdiction:    j.Code,
		BuyerCountry:    strings.ToUpper(req.BuyerCountry),
		BuyerVATID:      req.BuyerVATID,
		IdempotencyKey:  req.IdempotencyKey,
	}, nil
}

// sameEscrow reports whether a stored deal was opened with the parameters of
// a validated request.
func sameEscrow(stored, requested *domain.Deal) bool {
	return stored.BrokerID == requested.BrokerID &&
		stored.OperatorID == requested.OperatorID &&
		stored.DealType == requested.DealType &&
		stored.TotalAmount == requested.TotalAmount &&
		stored.Currency == requested.Currency &&
		stored.PlatformFeeRate.Equal(requested.PlatformFeeRate) &&
		stored.Jurisdiction == requested.Jurisdiction &&
		stored.BuyerCountry == requested.BuyerCountry &&
		stored.BuyerVATID == requested.BuyerVATID
}

func (s *SettlementService) GetDeal(ctx context.Context, dealID string) (*domain.Deal, error) {
	id, err := parseDealID(dealID)
	if err != nil {
		return nil, err
	}
	return s.store.Deals().GetDeal(ctx, id)
}

// LedgerExport is the evidence bundle for one deal.
type LedgerExport struct {
	Deal         *domain.Deal           `json:"deal"`
	Transactions []domain.Transaction   `json:"transactions"`
	Invoices     []domain.InvoiceRecord `json:"invoices"`
	AuditEntries []domain.AuditEntry    `json:"audit_entries"`
	Verification audit.Verification     `json:"verification"`
}

// ExportLedger reads the deal's ledger, invoices and audit chain in one
// transaction and verifies the chain.
func (s *SettlementService) ExportLedger(ctx context.Context, dealID string) (*LedgerExport, error) {
	id, err := parseDealID(dealID)
	if err != nil {
		return nil, err
	}

	var out LedgerExport
	err = s.store.WithTransaction(ctx, func(tx domain.Store) error {
		deal, err := tx.Deals().GetDeal(ctx, id)
		if err != nil {
			return err
		}
		txs, err := tx.Transactions().ListByDeal(ctx, id)
		if err != nil {
			return err
		}
		invoices, err := tx.Invoices().ListInvoicesByDeal(ctx, id)
		if err != nil {
			return err
		}
		entries, err := tx.Audit().ListEntries(ctx, domain.SubjectDeal, id.String())
		if err != nil {
			return err
		}
		verification, err := s.chain.VerifyChain(ctx, tx.Audit(), domain.SubjectDeal, id.String())
		if err != nil {
			return err
		}
		out = LedgerExport{
			Deal:         deal,
			Transactions: txs,
			Invoices:     invoices,
			AuditEntries: entries,
			Verification: verification,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyChain replays the deal's audit chain. A broken chain returns the
// verification together with a ChainBroken error.
func (s *SettlementService) VerifyChain(ctx context.Context, dealID string) (audit.Verification, error) {
	id, err := parseDealID(dealID)
	if err != nil {
		return audit.Verification{}, err
	}
	if _, err := s.store.Deals().GetDeal(ctx, id); err != nil {
		return audit.Verification{}, err
	}

	v, err := s.chain.VerifyChain(ctx, s.store.Audit(), domain.SubjectDeal, id.String())
	if err != nil {
		return audit.Verification{}, err
	}
	if !v.Valid {
		return v, errors.ErrChainBroken.WithDetails(fmt.Sprintf("entry %d: %s", v.BrokenAt, v.Reason))
	}
	return v, nil
}
