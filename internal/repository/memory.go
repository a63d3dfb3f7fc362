package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
)

// MemoryStore is an in-process domain.Store with the same constraints as
// the Postgres schema. A transaction holds the store mutex until it ends,
// which serializes writers the way the deal row lock does in Postgres.
type MemoryStore struct {
	state  *memState
	held   bool
	logger *slog.Logger
}

var _ domain.Store = (*MemoryStore)(nil)

type memState struct {
	mu       sync.Mutex
	deals    map[uuid.UUID]domain.Deal
	dealKeys map[string]uuid.UUID
	txs      []domain.Transaction
	audit    map[string][]domain.AuditEntry
	counters map[string]int64
	invoices []domain.InvoiceRecord
}

func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		state: &memState{
			deals:    make(map[uuid.UUID]domain.Deal),
			dealKeys: make(map[string]uuid.UUID),
			audit:    make(map[string][]domain.AuditEntry),
			counters: make(map[string]int64),
		},
		logger: logger,
	}
}

func (s *MemoryStore) Deals() domain.DealRepository               { return &memDeals{s} }
func (s *MemoryStore) Transactions() domain.TransactionRepository { return &memTransactions{s} }
func (s *MemoryStore) Audit() domain.AuditRepository              { return &memAudit{s} }
func (s *MemoryStore) Invoices() domain.InvoiceRepository         { return &memInvoices{s} }

func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	if s.held {
		return fn(s)
	}

	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snap := s.state.snapshot()
	txStore := &MemoryStore{state: s.state, held: true, logger: s.logger}

	defer func() {
		if p := recover(); p != nil {
			s.state.restore(snap)
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		s.state.restore(snap)
		return err
	}
	return nil
}

// with runs fn under the store mutex unless the caller already holds it.
func (s *MemoryStore) with(fn func(st *memState) error) error {
	if !s.held {
		s.state.mu.Lock()
		defer s.state.mu.Unlock()
	}
	return fn(s.state)
}

// locked returns a view of the store for use while the mutex is held.
func (s *MemoryStore) locked() *MemoryStore {
	return &MemoryStore{state: s.state, held: true, logger: s.logger}
}

type memSnapshot struct {
	deals    map[uuid.UUID]domain.Deal
	dealKeys map[string]uuid.UUID
	txs      []domain.Transaction
	audit    map[string][]domain.AuditEntry
	counters map[string]int64
	invoices []domain.InvoiceRecord
}

// snapshot copies the top-level containers. Stored metadata maps are never
// mutated in place, so sharing them with the snapshot is safe.
func (st *memState) snapshot() memSnapshot {
	snap := memSnapshot{
		deals:    make(map[uuid.UUID]domain.Deal, len(st.deals)),
		dealKeys: make(map[string]uuid.UUID, len(st.dealKeys)),
		txs:      append([]domain.Transaction(nil), st.txs...),
		audit:    make(map[string][]domain.AuditEntry, len(st.audit)),
		counters: make(map[string]int64, len(st.counters)),
		invoices: append([]domain.InvoiceRecord(nil), st.invoices...),
	}
	for k, v := range st.deals {
		snap.deals[k] = v
	}
	for k, v := range st.dealKeys {
		snap.dealKeys[k] = v
	}
	for k, v := range st.audit {
		snap.audit[k] = append([]domain.AuditEntry(nil), v...)
	}
	for k, v := range st.counters {
		snap.counters[k] = v
	}
	return snap
}

func (st *memState) restore(snap memSnapshot) {
	st.deals = snap.deals
	st.dealKeys = snap.dealKeys
	st.txs = snap.txs
	st.audit = snap.audit
	st.counters = snap.counters
	st.invoices = snap.invoices
}

type memDeals struct{ s *MemoryStore }

func (r *memDeals) CreateDeal(ctx context.Context, deal *domain.Deal) error {
	return r.s.with(func(st *memState) error {
		if _, ok := st.deals[deal.ID]; ok {
			return errors.ErrDuplicateIdempotencyKey
		}
		if deal.IdempotencyKey != "" {
			if _, ok := st.dealKeys[deal.IdempotencyKey]; ok {
				r.s.logger.Warn("Duplicate deal creation attempt", "deal_id", deal.ID, "idempotency_key", deal.IdempotencyKey)
				return errors.ErrDuplicateIdempotencyKey
			}
			st.dealKeys[deal.IdempotencyKey] = deal.ID
		}
		if deal.CreatedAt.IsZero() {
			deal.CreatedAt = time.Now().UTC()
		}
		deal.UpdatedAt = deal.CreatedAt
		if deal.Version == 0 {
			deal.Version = 1
		}
		st.deals[deal.ID] = *deal
		return nil
	})
}

func (r *memDeals) GetDeal(ctx context.Context, id uuid.UUID) (*domain.Deal, error) {
	var out *domain.Deal
	err := r.s.with(func(st *memState) error {
		d, ok := st.deals[id]
		if !ok {
			return errors.ErrDealNotFound
		}
		out = &d
		return nil
	})
	return out, err
}

func (r *memDeals) GetDealByIdempotencyKey(ctx context.Context, key string) (*domain.Deal, error) {
	var out *domain.Deal
	err := r.s.with(func(st *memState) error {
		if id, ok := st.dealKeys[key]; ok {
			d := st.deals[id]
			out = &d
		}
		return nil
	})
	return out, err
}

func (r *memDeals) GetDealForUpdate(ctx context.Context, id uuid.UUID) (*domain.Deal, error) {
	return r.GetDeal(ctx, id)
}

func (r *memDeals) UpdateDealStatus(ctx context.Context, id uuid.UUID, status domain.DealStatus, expectedVersion int64) (*domain.Deal, error) {
	var out *domain.Deal
	err := r.s.with(func(st *memState) error {
		d, ok := st.deals[id]
		if !ok {
			return errors.ErrDealNotFound
		}
		if d.Version != expectedVersion {
			return errors.ErrStaleState
		}
		d.Status = status
		d.Version++
		d.UpdatedAt = time.Now().UTC()
		st.deals[id] = d
		out = &d
		return nil
	})
	return out, err
}

type memTransactions struct{ s *MemoryStore }

func (r *memTransactions) Append(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if err := r.AppendBatch(ctx, []*domain.Transaction{tx}); err != nil {
		return nil, err
	}
	return tx, nil
}

func (r *memTransactions) AppendBatch(ctx context.Context, txs []*domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	return r.s.with(func(st *memState) error {
		inner := &memTransactions{r.s.locked()}
		if err := ensureBalanced(ctx, inner, r.s.logger, txs[0].DealID, completedOutflow(txs)); err != nil {
			return err
		}

		seen := make(map[string]bool, len(txs))
		for _, tx := range txs {
			if tx.Amount <= 0 {
				return errors.ErrInvalidAmount
			}
			if tx.Status == domain.TxFailed {
				continue
			}
			if seen[tx.IdempotencyKey] || st.findLive(tx.DealID, tx.IdempotencyKey) >= 0 {
				r.s.logger.Warn("Duplicate idempotency key", "deal_id", tx.DealID, "idempotency_key", tx.IdempotencyKey)
				return errors.ErrDuplicateIdempotencyKey
			}
			seen[tx.IdempotencyKey] = true
		}

		now := time.Now().UTC()
		for _, tx := range txs {
			if tx.ID == uuid.Nil {
				tx.ID = uuid.New()
			}
			if tx.CreatedAt.IsZero() {
				tx.CreatedAt = now
			}
			row := *tx
			row.Metadata = copyMetadata(tx.Metadata)
			st.txs = append(st.txs, row)
		}
		return nil
	})
}

// findLive returns the index of the non-failed row holding key, or -1.
func (st *memState) findLive(dealID uuid.UUID, key string) int {
	for i := range st.txs {
		tx := &st.txs[i]
		if tx.DealID == dealID && tx.IdempotencyKey == key && tx.Status != domain.TxFailed {
			return i
		}
	}
	return -1
}

func (st *memState) findByID(id uuid.UUID) int {
	for i := range st.txs {
		if st.txs[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *memTransactions) ListByDeal(ctx context.Context, dealID uuid.UUID) ([]domain.Transaction, error) {
	return r.filter(func(tx *domain.Transaction) bool { return tx.DealID == dealID })
}

func (r *memTransactions) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Transaction, error) {
	return r.filter(func(tx *domain.Transaction) bool {
		return tx.Status == domain.TxPending && tx.CreatedAt.Before(cutoff)
	})
}

func (r *memTransactions) filter(keep func(tx *domain.Transaction) bool) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := r.s.with(func(st *memState) error {
		for i := range st.txs {
			if keep(&st.txs[i]) {
				row := st.txs[i]
				row.Metadata = copyMetadata(row.Metadata)
				out = append(out, row)
			}
		}
		return nil
	})
	return out, err
}

func (r *memTransactions) SumByType(ctx context.Context, dealID uuid.UUID, types ...domain.TransactionType) (int64, error) {
	var sum int64
	err := r.s.with(func(st *memState) error {
		for _, tx := range st.txs {
			if tx.DealID != dealID || tx.Status != domain.TxCompleted {
				continue
			}
			for _, t := range types {
				if tx.Type == t {
					sum += tx.Amount
					break
				}
			}
		}
		return nil
	})
	return sum, err
}

func (r *memTransactions) FindByIdempotencyKey(ctx context.Context, dealID uuid.UUID, key string) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := r.s.with(func(st *memState) error {
		if i := st.findLive(dealID, key); i >= 0 {
			row := st.txs[i]
			row.Metadata = copyMetadata(row.Metadata)
			out = &row
		}
		return nil
	})
	return out, err
}

func (r *memTransactions) Complete(ctx context.Context, id uuid.UUID, externalReference string) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := r.s.with(func(st *memState) error {
		i, err := st.pendingIndex(id)
		if err != nil {
			return err
		}
		if st.txs[i].Type.IsOutflow() {
			inner := &memTransactions{r.s.locked()}
			if err := ensureBalanced(ctx, inner, r.s.logger, st.txs[i].DealID, st.txs[i].Amount); err != nil {
				return err
			}
		}
		st.txs[i].Status = domain.TxCompleted
		if externalReference != "" {
			st.txs[i].ExternalReference = externalReference
		}
		row := st.txs[i]
		out = &row
		return nil
	})
	return out, err
}

func (r *memTransactions) Fail(ctx context.Context, id uuid.UUID, reason string) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := r.s.with(func(st *memState) error {
		i, err := st.pendingIndex(id)
		if err != nil {
			return err
		}
		meta := copyMetadata(st.txs[i].Metadata)
		if meta == nil {
			meta = map[string]string{}
		}
		meta[domain.MetaFailureReason] = reason
		st.txs[i].Status = domain.TxFailed
		st.txs[i].Metadata = meta
		row := st.txs[i]
		out = &row
		return nil
	})
	return out, err
}

func (st *memState) pendingIndex(id uuid.UUID) (int, error) {
	i := st.findByID(id)
	if i < 0 {
		return -1, errors.NewAppErrorf(errors.InternalError, "transaction %s not found", id)
	}
	if st.txs[i].Status != domain.TxPending {
		return -1, errors.NewAppErrorf(errors.InvalidTransition, "transaction %s is %s, not pending", id, st.txs[i].Status)
	}
	return i, nil
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type memAudit struct{ s *MemoryStore }

func chainKey(subjectType, subjectID string) string {
	return subjectType + "/" + subjectID
}

func (r *memAudit) AppendEntry(ctx context.Context, entry *domain.AuditEntry) error {
	return r.s.with(func(st *memState) error {
		key := chainKey(entry.SubjectType, entry.SubjectID)
		for _, e := range st.audit[key] {
			if e.Sequence == entry.Sequence {
				return errors.ErrStaleState.WithDetails("audit chain tail moved")
			}
		}
		st.audit[key] = append(st.audit[key], *entry)
		return nil
	})
}

func (r *memAudit) LastEntry(ctx context.Context, subjectType, subjectID string) (*domain.AuditEntry, error) {
	var out *domain.AuditEntry
	err := r.s.with(func(st *memState) error {
		entries := st.audit[chainKey(subjectType, subjectID)]
		for i := range entries {
			if out == nil || entries[i].Sequence > out.Sequence {
				e := entries[i]
				out = &e
			}
		}
		return nil
	})
	return out, err
}

func (r *memAudit) ListEntries(ctx context.Context, subjectType, subjectID string) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	err := r.s.with(func(st *memState) error {
		out = append(out, st.audit[chainKey(subjectType, subjectID)]...)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, err
}

type memInvoices struct{ s *MemoryStore }

func (r *memInvoices) NextSequence(ctx context.Context, jurisdiction string, year, month int) (int64, error) {
	var seq int64
	err := r.s.with(func(st *memState) error {
		key := fmt.Sprintf("%s/%04d/%02d", jurisdiction, year, month)
		st.counters[key]++
		seq = st.counters[key]
		return nil
	})
	return seq, err
}

func (r *memInvoices) CreateInvoice(ctx context.Context, inv *domain.InvoiceRecord) error {
	return r.s.with(func(st *memState) error {
		for _, existing := range st.invoices {
			if existing.InvoiceNumber == inv.InvoiceNumber || existing.SourceTransactionID == inv.SourceTransactionID {
				return errors.NewAppErrorf(errors.InternalError, "invoice %s already exists", inv.InvoiceNumber)
			}
		}
		st.invoices = append(st.invoices, *inv)
		return nil
	})
}

func (r *memInvoices) ListInvoicesByDeal(ctx context.Context, dealID uuid.UUID) ([]domain.InvoiceRecord, error) {
	var out []domain.InvoiceRecord
	err := r.s.with(func(st *memState) error {
		for _, inv := range st.invoices {
			if inv.DealID == dealID {
				out = append(out, inv)
			}
		}
		return nil
	})
	return out, err
}
