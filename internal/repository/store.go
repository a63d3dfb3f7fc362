package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
)

// Store provides a unified interface for all repository operations with transaction support
type Store struct {
	executor SQLExecutor
	logger   *slog.Logger
}

var _ domain.Store = (*Store)(nil)

// NewStore creates a new Store instance
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{
		executor: db,
		logger:   logger,
	}
}

// Deals returns a DealRepository using the current executor
func (s *Store) Deals() domain.DealRepository {
	return NewDealRepository(s.executor, s.logger)
}

// Transactions returns the ledger using the current executor
func (s *Store) Transactions() domain.TransactionRepository {
	return NewTransactionRepository(s.executor, s.logger)
}

// Audit returns an AuditRepository using the current executor
func (s *Store) Audit() domain.AuditRepository {
	return NewAuditRepository(s.executor, s.logger)
}

// Invoices returns an InvoiceRepository using the current executor
func (s *Store) Invoices() domain.InvoiceRepository {
	return NewInvoiceRepository(s.executor, s.logger)
}

// WithTransaction executes a function within a database transaction
func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	// Only sql.DB can begin transactions
	db, ok := s.executor.(*sql.DB)
	if !ok {
		return errors.ErrCannotBeginTransaction
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	txStore := &Store{
		executor: &TxWrapper{Tx: tx},
		logger:   s.logger,
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
