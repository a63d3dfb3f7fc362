package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"deal-settlement/internal/audit"
	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
	"deal-settlement/internal/invoice"
)

type Op string

const (
	OpPaymentIntent Op = "payment_intent"
	OpHoldFunds     Op = "hold_funds"
	OpRelease       Op = "release"
	OpRefund        Op = "refund"
	OpOpenDispute   Op = "open_dispute"
	OpChargeback    Op = "chargeback"
)

// Command asks the machine to move one deal.
type Command struct {
	DealID         uuid.UUID
	Op             Op
	Actor          domain.Actor
	IdempotencyKey string
	// Amount is the captured amount for OpHoldFunds, the refund amount for
	// OpRefund and an optional override for OpChargeback.
	Amount int64
	// ExpectedVersion is checked against the deal when non-zero.
	ExpectedVersion   int64
	ExternalReference string
	Reason            string
	Quote             *invoice.Quote
}

// Plan is a validated transition that has not been written yet.
type Plan struct {
	Deal    *domain.Deal
	Status  domain.DealStatus
	Summary Summary
	Ledger  []domain.Transaction
	// Rows are new ledger rows. Resolve are pending rows of earlier attempts
	// that this command completes.
	Rows    []*domain.Transaction
	Resolve []domain.Transaction
	// Duplicate is set when the idempotency key already produced a result;
	// Existing then holds its rows.
	Duplicate bool
	Existing  []domain.Transaction
}

// Amount returns the planned amount of rows of type t, counting retried
// pending rows.
func (p *Plan) Amount(t domain.TransactionType) int64 {
	var sum int64
	for _, tx := range p.Rows {
		if tx.Type == t {
			sum += tx.Amount
		}
	}
	for _, tx := range p.Resolve {
		if tx.Type == t {
			sum += tx.Amount
		}
	}
	return sum
}

type Result struct {
	Deal             *domain.Deal          `json:"deal"`
	PreviousStatus   domain.DealStatus     `json:"previous_status,omitempty"`
	Transactions     []domain.Transaction  `json:"transactions"`
	Invoice          *domain.InvoiceRecord `json:"invoice,omitempty"`
	Audit            *domain.AuditEntry    `json:"audit,omitempty"`
	Duplicate        bool                  `json:"duplicate"`
	NegativePosition bool                  `json:"negative_position,omitempty"`
}

type Machine struct {
	chain     *audit.Chain
	sequencer *invoice.Sequencer
	logger    *slog.Logger
}

func NewMachine(chain *audit.Chain, sequencer *invoice.Sequencer, logger *slog.Logger) *Machine {
	return &Machine{
		chain:     chain,
		sequencer: sequencer,
		logger:    logger,
	}
}

// Open creates the deal in initiated together with its first audit entry.
// A deal already created under the same idempotency key is returned as a
// duplicate.
func (m *Machine) Open(ctx context.Context, store domain.Store, deal *domain.Deal, actor domain.Actor) (*Result, error) {
	var result *Result
	err := store.WithTransaction(ctx, func(tx domain.Store) error {
		if deal.IdempotencyKey != "" {
			existing, err := tx.Deals().GetDealByIdempotencyKey(ctx, deal.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				result = &Result{Deal: existing, Duplicate: true}
				return nil
			}
		}

		deal.Status = domain.DealInitiated
		deal.Version = 1
		if err := tx.Deals().CreateDeal(ctx, deal); err != nil {
			return err
		}

		entry, err := m.chain.Append(ctx, tx.Audit(), domain.SubjectDeal, deal.ID.String(), "deal_created", actor.ID, map[string]string{
			"broker_id":         deal.BrokerID,
			"operator_id":       deal.OperatorID,
			"deal_type":         deal.DealType,
			"total_amount":      strconv.FormatInt(deal.TotalAmount, 10),
			"currency":          deal.Currency,
			"platform_fee_rate": deal.PlatformFeeRate.String(),
			"jurisdiction":      deal.Jurisdiction,
		})
		if err != nil {
			return err
		}

		result = &Result{Deal: deal, Audit: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Check validates cmd against the current ledger without locking. Nothing
// is written; Apply repeats the validation under the deal lock.
func (m *Machine) Check(ctx context.Context, store domain.Store, cmd Command) (*Plan, error) {
	deal, err := store.Deals().GetDeal(ctx, cmd.DealID)
	if err != nil {
		return nil, err
	}
	txs, err := store.Transactions().ListByDeal(ctx, deal.ID)
	if err != nil {
		return nil, err
	}
	return m.plan(deal, txs, cmd)
}

// Apply validates and writes cmd in one database transaction: ledger rows,
// the derived deal status, the audit entry and, for releases and refunds,
// the invoice.
func (m *Machine) Apply(ctx context.Context, store domain.Store, cmd Command) (*Result, error) {
	var result *Result
	err := store.WithTransaction(ctx, func(tx domain.Store) error {
		deal, err := tx.Deals().GetDealForUpdate(ctx, cmd.DealID)
		if err != nil {
			return err
		}
		txs, err := tx.Transactions().ListByDeal(ctx, deal.ID)
		if err != nil {
			return err
		}

		plan, err := m.plan(deal, txs, cmd)
		if err != nil {
			return err
		}
		if plan.Duplicate {
			result = &Result{Deal: deal, Transactions: plan.Existing, Duplicate: true}
			return nil
		}
		if deal.Status != plan.Status {
			m.logger.Warn("Stored deal status differs from ledger",
				"deal_id", deal.ID, "stored", deal.Status, "derived", plan.Status)
		}

		var written []domain.Transaction
		for _, p := range plan.Resolve {
			ref := cmd.ExternalReference
			if p.Type == domain.TxPaymentIntent {
				ref = ""
			}
			done, err := tx.Transactions().Complete(ctx, p.ID, ref)
			if err != nil {
				return err
			}
			if p.Metadata[domain.MetaRequestKey] == cmd.IdempotencyKey {
				written = append(written, *done)
			}
		}
		if len(plan.Rows) > 0 {
			for _, row := range plan.Rows {
				row.ExternalReference = cmd.ExternalReference
			}
			if err := tx.Transactions().AppendBatch(ctx, plan.Rows); err != nil {
				return err
			}
			for _, row := range plan.Rows {
				written = append(written, *row)
			}
		}

		all, err := tx.Transactions().ListByDeal(ctx, deal.ID)
		if err != nil {
			return err
		}
		after := Summarize(all)
		status := DeriveStatus(after)

		updated, err := tx.Deals().UpdateDealStatus(ctx, deal.ID, status, deal.Version)
		if err != nil {
			return err
		}

		payload := transitionPayload(cmd, plan.Status, status, written)
		negative := after.Position() < 0
		if negative {
			payload[domain.MetaNegativePosition] = "true"
		}
		entry, err := m.chain.Append(ctx, tx.Audit(), domain.SubjectDeal, deal.ID.String(), actionFor(cmd.Op, ""), cmd.Actor.ID, payload)
		if err != nil {
			return err
		}

		result = &Result{
			Deal:             updated,
			PreviousStatus:   plan.Status,
			Transactions:     primaryFirst(written, cmd.IdempotencyKey),
			Audit:            entry,
			NegativePosition: negative,
		}

		if kind := invoiceKind(cmd.Op); kind != "" && len(result.Transactions) > 0 {
			var amount int64
			for _, w := range written {
				amount += w.Amount
			}
			inv, _, err := m.sequencer.Issue(ctx, tx, invoice.IssueRequest{
				Deal:    updated,
				Source:  &result.Transactions[0],
				Kind:    kind,
				Amount:  amount,
				Quote:   cmd.Quote,
				ActorID: cmd.Actor.ID,
			})
			if err != nil {
				return err
			}
			result.Invoice = inv
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Duplicate {
		m.logger.Info("Deal transition applied",
			"deal_id", result.Deal.ID,
			"operation", cmd.Op,
			"from", result.PreviousStatus,
			"to", result.Deal.Status,
			"version", result.Deal.Version)
		if result.NegativePosition {
			m.logger.Warn("Platform position is negative after chargeback",
				"deal_id", result.Deal.ID, "idempotency_key", cmd.IdempotencyKey)
		}
	}
	return result, nil
}

// Reserve validates cmd under the deal lock and writes its rows as pending
// before the gateway is called. Pending rows of one request block every
// other request on the deal until they are completed or failed, so two
// requests can never both move money for the same balance. The returned
// plan resolves the reserved rows.
func (m *Machine) Reserve(ctx context.Context, store domain.Store, cmd Command) (*Plan, error) {
	var plan *Plan
	err := store.WithTransaction(ctx, func(tx domain.Store) error {
		deal, err := tx.Deals().GetDealForUpdate(ctx, cmd.DealID)
		if err != nil {
			return err
		}
		txs, err := tx.Transactions().ListByDeal(ctx, deal.ID)
		if err != nil {
			return err
		}

		plan, err = m.plan(deal, txs, cmd)
		if err != nil || plan.Duplicate || len(plan.Rows) == 0 {
			return err
		}

		for _, row := range plan.Rows {
			row.Status = domain.TxPending
		}
		if err := tx.Transactions().AppendBatch(ctx, plan.Rows); err != nil {
			return err
		}
		reserved := make([]domain.Transaction, 0, len(plan.Rows))
		for _, row := range plan.Rows {
			reserved = append(reserved, *row)
		}
		plan.Resolve = append(plan.Resolve, reserved...)
		plan.Rows = nil

		_, err = m.chain.Append(ctx, tx.Audit(), domain.SubjectDeal, deal.ID.String(), string(cmd.Op)+"_requested", cmd.Actor.ID, map[string]string{
			domain.MetaOperation:  string(cmd.Op),
			domain.MetaRequestKey: cmd.IdempotencyKey,
			"transaction_ids":     joinIDs(reserved),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// Record stores the outcome of a gateway call that did not succeed. With
// status pending the rows wait for a retry or the reconciliation sweep; with
// status failed they are closed, together with any pending rows of the same
// request. The deal status and version do not change.
func (m *Machine) Record(ctx context.Context, store domain.Store, cmd Command, rows []*domain.Transaction, status domain.TransactionStatus, reason string) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := store.WithTransaction(ctx, func(tx domain.Store) error {
		deal, err := tx.Deals().GetDealForUpdate(ctx, cmd.DealID)
		if err != nil {
			return err
		}
		txs, err := tx.Transactions().ListByDeal(ctx, deal.ID)
		if err != nil {
			return err
		}

		pending := requestRows(txs, cmd.IdempotencyKey, domain.TxPending)
		switch {
		case len(pending) > 0 && status == domain.TxFailed:
			for _, p := range pending {
				failed, err := tx.Transactions().Fail(ctx, p.ID, reason)
				if err != nil {
					return err
				}
				out = append(out, *failed)
			}
		case len(pending) > 0:
			out = append(out, pending...)
		default:
			batch := make([]*domain.Transaction, 0, len(rows))
			for _, r := range rows {
				row := *r
				row.ID = uuid.New()
				row.Status = status
				row.ExternalReference = cmd.ExternalReference
				row.Metadata = copyMeta(r.Metadata)
				if status == domain.TxFailed && reason != "" {
					row.Metadata[domain.MetaFailureReason] = reason
				}
				batch = append(batch, &row)
			}
			if err := tx.Transactions().AppendBatch(ctx, batch); err != nil {
				return err
			}
			for _, row := range batch {
				out = append(out, *row)
			}
		}

		payload := map[string]string{
			domain.MetaOperation:  string(cmd.Op),
			domain.MetaRequestKey: cmd.IdempotencyKey,
			"status":              string(status),
			"transaction_ids":     joinIDs(out),
		}
		if reason != "" {
			payload[domain.MetaFailureReason] = reason
		}
		_, err = m.chain.Append(ctx, tx.Audit(), domain.SubjectDeal, deal.ID.String(), actionFor(cmd.Op, status), cmd.Actor.ID, payload)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("Gateway outcome recorded",
		"deal_id", cmd.DealID, "operation", cmd.Op, "status", status, "idempotency_key", cmd.IdempotencyKey)
	return primaryFirst(out, cmd.IdempotencyKey), nil
}

// ActionManualReconciliation marks a deal whose gateway outcome the ledger
// could not apply. Its pending rows stay in place until an operator settles
// them.
const ActionManualReconciliation = "manual_reconciliation_required"

// FlagForReview appends a manual reconciliation entry to the deal's audit
// chain. It reports false when the chain tail already flags the same
// request, so repeated sweeps write a single entry.
func (m *Machine) FlagForReview(ctx context.Context, store domain.Store, cmd Command, reason string) (bool, error) {
	flagged := false
	err := store.WithTransaction(ctx, func(tx domain.Store) error {
		deal, err := tx.Deals().GetDealForUpdate(ctx, cmd.DealID)
		if err != nil {
			return err
		}
		last, err := tx.Audit().LastEntry(ctx, domain.SubjectDeal, deal.ID.String())
		if err != nil {
			return err
		}
		if last != nil && last.Action == ActionManualReconciliation &&
			last.Payload[domain.MetaRequestKey] == cmd.IdempotencyKey {
			return nil
		}

		payload := map[string]string{
			domain.MetaOperation:  string(cmd.Op),
			domain.MetaRequestKey: cmd.IdempotencyKey,
			domain.MetaReason:     reason,
		}
		if cmd.ExternalReference != "" {
			payload["external_reference"] = cmd.ExternalReference
		}
		if _, err := m.chain.Append(ctx, tx.Audit(), domain.SubjectDeal, deal.ID.String(), ActionManualReconciliation, cmd.Actor.ID, payload); err != nil {
			return err
		}
		flagged = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if flagged {
		m.logger.Warn("Deal flagged for manual reconciliation",
			"deal_id", cmd.DealID, "operation", cmd.Op, "idempotency_key", cmd.IdempotencyKey, "reason", reason)
	}
	return flagged, nil
}

func (m *Machine) plan(deal *domain.Deal, txs []domain.Transaction, cmd Command) (*Plan, error) {
	if strings.TrimSpace(cmd.IdempotencyKey) == "" {
		return nil, errors.ErrIdempotencyKeyRequired
	}

	summary := Summarize(txs)
	plan := &Plan{
		Deal:    deal,
		Status:  DeriveStatus(summary),
		Summary: summary,
		Ledger:  txs,
	}

	var pending []domain.Transaction
	for _, tx := range requestRows(txs, cmd.IdempotencyKey, "") {
		if tx.Status != domain.TxPending || cmd.Op == OpPaymentIntent {
			plan.Duplicate = true
			plan.Existing = primaryFirst(requestRows(txs, cmd.IdempotencyKey, ""), cmd.IdempotencyKey)
			return plan, nil
		}
		pending = append(pending, tx)
	}

	if cmd.Op != OpPaymentIntent {
		for _, tx := range txs {
			if tx.Status == domain.TxPending && tx.Type != domain.TxPaymentIntent &&
				tx.Metadata[domain.MetaRequestKey] != cmd.IdempotencyKey {
				return nil, errors.ErrStaleState.WithDetails("another request for this deal is awaiting the payment gateway")
			}
		}
	}

	if cmd.ExpectedVersion != 0 && cmd.ExpectedVersion != deal.Version {
		return nil, errors.ErrStaleState.WithDetails(
			fmt.Sprintf("expected version %d, current %d", cmd.ExpectedVersion, deal.Version))
	}

	rows, err := m.rowsFor(plan, txs, cmd)
	if err != nil {
		return nil, err
	}

	if len(pending) == 0 {
		plan.Rows = rows
		return plan, nil
	}

	// A retry of a timed-out request completes its pending rows instead of
	// appending new ones, provided they still describe a valid transition.
	if len(pending) != len(rows) {
		return nil, errors.ErrInvalidTransition.WithDetails("pending request no longer matches deal state")
	}
	var pendingOut int64
	for i := range pending {
		if pending[i].Type != rows[i].Type {
			return nil, errors.ErrInvalidTransition.WithDetails("pending request no longer matches deal state")
		}
		if pending[i].Type.IsOutflow() {
			pendingOut += pending[i].Amount
		}
	}
	if pendingOut > summary.Balance() {
		return nil, errors.ErrInvariantViolation.WithDetails(
			fmt.Sprintf("pending outflow %d exceeds balance %d", pendingOut, summary.Balance()))
	}
	for i := range pending {
		if pending[i].Type == domain.TxFundsHeld && cmd.Amount != 0 && cmd.Amount != pending[i].Amount {
			return nil, errors.ErrAmountMismatch.WithDetails(
				fmt.Sprintf("captured %d, expected %d", cmd.Amount, pending[i].Amount))
		}
	}
	plan.Resolve = append(plan.Resolve, pending...)
	return plan, nil
}

// rowsFor validates the transition and returns the rows it appends. It also
// queues pending payment intents that a hold resolves.
func (m *Machine) rowsFor(plan *Plan, txs []domain.Transaction, cmd Command) ([]*domain.Transaction, error) {
	deal, s, status := plan.Deal, plan.Summary, plan.Status
	row := func(t domain.TransactionType, amount int64, key string, rowStatus domain.TransactionStatus) *domain.Transaction {
		return &domain.Transaction{
			DealID:         deal.ID,
			Type:           t,
			Amount:         amount,
			Currency:       deal.Currency,
			Status:         rowStatus,
			CreatedBy:      cmd.Actor.ID,
			IdempotencyKey: key,
			Metadata: map[string]string{
				domain.MetaOperation:  string(cmd.Op),
				domain.MetaRequestKey: cmd.IdempotencyKey,
				domain.MetaActorRole:  string(cmd.Actor.Role),
			},
		}
	}
	invalid := func() error {
		return errors.NewAppErrorf(errors.InvalidTransition, "cannot %s a deal in status %s", strings.ReplaceAll(string(cmd.Op), "_", " "), status)
	}

	switch cmd.Op {
	case OpPaymentIntent:
		if status != domain.DealInitiated {
			return nil, invalid()
		}
		if err := authorize(deal, cmd.Actor, domain.RoleBroker, domain.RoleAdmin, domain.RoleSystem); err != nil {
			return nil, err
		}
		return []*domain.Transaction{row(domain.TxPaymentIntent, deal.TotalAmount, cmd.IdempotencyKey, domain.TxPending)}, nil

	case OpHoldFunds:
		if status != domain.DealInitiated {
			return nil, invalid()
		}
		if err := authorize(deal, cmd.Actor, domain.RoleBroker, domain.RoleAdmin, domain.RoleSystem); err != nil {
			return nil, err
		}
		intents := 0
		for _, tx := range txs {
			if tx.Type == domain.TxPaymentIntent && tx.Status == domain.TxPending {
				plan.Resolve = append(plan.Resolve, tx)
				intents++
			}
		}
		if intents == 0 && s.PaymentIntents == 0 {
			return nil, errors.ErrInvalidTransition.WithDetails("no payment intent to confirm")
		}
		amount := cmd.Amount
		if amount == 0 {
			amount = deal.TotalAmount
		}
		if amount != deal.TotalAmount {
			return nil, errors.ErrAmountMismatch.WithDetails(
				fmt.Sprintf("captured %d, deal total %d", amount, deal.TotalAmount))
		}
		return []*domain.Transaction{row(domain.TxFundsHeld, amount, cmd.IdempotencyKey, domain.TxCompleted)}, nil

	case OpRelease:
		switch status {
		case domain.DealFundsHeld:
			if err := authorize(deal, cmd.Actor, domain.RoleBroker, domain.RoleAdmin); err != nil {
				return nil, err
			}
		case domain.DealInDispute:
			if err := authorize(deal, cmd.Actor, domain.RoleAdmin, domain.RoleSystem); err != nil {
				return nil, err
			}
		default:
			return nil, invalid()
		}
		balance := s.Balance()
		fee := deal.PlatformFee(balance)
		payout := balance - fee

		var rows []*domain.Transaction
		if payout > 0 {
			rows = append(rows, row(domain.TxReleaseToOperator, payout, cmd.IdempotencyKey, domain.TxCompleted))
		}
		if fee > 0 {
			key := cmd.IdempotencyKey + ":" + string(domain.TxPayoutFee)
			if payout == 0 {
				key = cmd.IdempotencyKey
			}
			rows = append(rows, row(domain.TxPayoutFee, fee, key, domain.TxCompleted))
		}
		if len(rows) == 0 {
			return nil, invalid()
		}
		markResolution(rows, status, cmd)
		return rows, nil

	case OpRefund:
		switch status {
		case domain.DealFundsHeld, domain.DealRefunded:
			if err := authorize(deal, cmd.Actor, domain.RoleOperator, domain.RoleAdmin, domain.RoleSystem); err != nil {
				return nil, err
			}
		case domain.DealInDispute:
			if err := authorize(deal, cmd.Actor, domain.RoleAdmin, domain.RoleSystem); err != nil {
				return nil, err
			}
		default:
			return nil, invalid()
		}
		if cmd.Amount <= 0 {
			return nil, errors.ErrInvalidAmount
		}
		if cmd.Amount > s.Balance() {
			return nil, errors.ErrInvariantViolation.WithDetails(
				fmt.Sprintf("refund %d exceeds refundable balance %d", cmd.Amount, s.Balance()))
		}
		rows := []*domain.Transaction{row(domain.TxRefund, cmd.Amount, cmd.IdempotencyKey, domain.TxCompleted)}
		markResolution(rows, status, cmd)
		return rows, nil

	case OpOpenDispute:
		if status != domain.DealFundsHeld {
			return nil, invalid()
		}
		if err := authorize(deal, cmd.Actor, domain.RoleBroker, domain.RoleOperator, domain.RoleAdmin, domain.RoleSystem); err != nil {
			return nil, err
		}
		marker := row(domain.TxFundsHeld, s.Balance(), cmd.IdempotencyKey, domain.TxDisputed)
		if cmd.Reason != "" {
			marker.Metadata[domain.MetaReason] = cmd.Reason
		}
		return []*domain.Transaction{marker}, nil

	case OpChargeback:
		var amount int64
		switch status {
		case domain.DealInDispute:
			// Refunds settled during the dispute shrink what can be clawed back.
			amount = min(s.Disputed, s.Held-s.Refunded-s.Chargebacks)
		case domain.DealReleased:
			amount = s.Held - s.Refunded
		default:
			return nil, invalid()
		}
		if err := authorize(deal, cmd.Actor, domain.RoleAdmin, domain.RoleSystem); err != nil {
			return nil, err
		}
		if cmd.Amount < 0 {
			return nil, errors.ErrInvalidAmount
		}
		if cmd.Amount > 0 {
			amount = cmd.Amount
		}
		if limit := s.Held - s.Refunded - s.Chargebacks; amount > limit {
			return nil, errors.ErrInvariantViolation.WithDetails(
				fmt.Sprintf("chargeback %d exceeds captured funds %d", amount, limit))
		}
		if amount <= 0 {
			return nil, errors.ErrInvalidAmount
		}
		cb := row(domain.TxChargeback, amount, cmd.IdempotencyKey, domain.TxCompleted)
		if s.Position()-amount < 0 {
			cb.Metadata[domain.MetaNegativePosition] = "true"
		}
		markResolution([]*domain.Transaction{cb}, status, cmd)
		return []*domain.Transaction{cb}, nil
	}

	return nil, errors.NewAppErrorf(errors.InvalidInput, "unknown operation %q", cmd.Op)
}

func markResolution(rows []*domain.Transaction, status domain.DealStatus, cmd Command) {
	if status != domain.DealInDispute {
		return
	}
	for _, r := range rows {
		r.Metadata[domain.MetaViaDispute] = "true"
		r.Metadata[domain.MetaResolvedBy] = cmd.Actor.ID
		if cmd.Reason != "" {
			r.Metadata[domain.MetaReason] = cmd.Reason
		}
	}
}

// authorize checks the actor's role. Brokers and operators may only act on
// their own deals.
func authorize(deal *domain.Deal, actor domain.Actor, roles ...domain.Role) error {
	for _, role := range roles {
		if actor.Role != role {
			continue
		}
		switch role {
		case domain.RoleBroker:
			if actor.ID == deal.BrokerID {
				return nil
			}
		case domain.RoleOperator:
			if actor.ID == deal.OperatorID {
				return nil
			}
		default:
			return nil
		}
	}
	return errors.ErrForbidden.WithDetails(fmt.Sprintf("role %q", actor.Role))
}

// requestRows returns the rows written for one request key, skipping failed
// attempts. An empty status matches every non-failed row.
func requestRows(txs []domain.Transaction, key string, status domain.TransactionStatus) []domain.Transaction {
	var out []domain.Transaction
	for _, tx := range txs {
		if tx.Status == domain.TxFailed {
			continue
		}
		if tx.Metadata[domain.MetaRequestKey] != key && tx.IdempotencyKey != key {
			continue
		}
		if status != "" && tx.Status != status {
			continue
		}
		out = append(out, tx)
	}
	return out
}

func primaryFirst(txs []domain.Transaction, key string) []domain.Transaction {
	for i := range txs {
		if txs[i].IdempotencyKey == key && i > 0 {
			out := make([]domain.Transaction, 0, len(txs))
			out = append(out, txs[i])
			out = append(out, txs[:i]...)
			return append(out, txs[i+1:]...)
		}
	}
	return txs
}

func invoiceKind(op Op) string {
	switch op {
	case OpRelease:
		return domain.InvoiceKindInvoice
	case OpRefund:
		return domain.InvoiceKindCreditNote
	}
	return ""
}

var completedActions = map[Op]string{
	OpPaymentIntent: "payment_intent_created",
	OpHoldFunds:     "funds_held",
	OpRelease:       "funds_released",
	OpRefund:        "refund_issued",
	OpOpenDispute:   "dispute_opened",
	OpChargeback:    "chargeback_settled",
}

func actionFor(op Op, status domain.TransactionStatus) string {
	switch status {
	case "":
		return completedActions[op]
	case domain.TxPending:
		if op == OpPaymentIntent {
			return completedActions[op]
		}
		return string(op) + "_pending"
	default:
		return string(op) + "_" + string(status)
	}
}

func transitionPayload(cmd Command, from, to domain.DealStatus, written []domain.Transaction) map[string]string {
	payload := map[string]string{
		domain.MetaOperation:  string(cmd.Op),
		domain.MetaRequestKey: cmd.IdempotencyKey,
		"from_status":         string(from),
		"to_status":           string(to),
		"transaction_ids":     joinIDs(written),
	}
	for _, tx := range written {
		payload["amount_"+string(tx.Type)] = strconv.FormatInt(tx.Amount, 10)
	}
	if cmd.Reason != "" {
		payload[domain.MetaReason] = cmd.Reason
	}
	if cmd.ExternalReference != "" {
		payload["external_reference"] = cmd.ExternalReference
	}
	return payload
}

func joinIDs(txs []domain.Transaction) string {
	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID.String()
	}
	return strings.Join(ids, ",")
}

func copyMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
