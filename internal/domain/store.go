package domain

import "context"

// Store is the unit of work over all settlement tables. Repositories
// obtained from the Store passed to WithTransaction's callback share one
// database transaction.
type Store interface {
	Deals() DealRepository
	Transactions() TransactionRepository
	Audit() AuditRepository
	Invoices() InvoiceRepository
	WithTransaction(ctx context.Context, fn func(Store) error) error
}

type Role string

const (
	RoleBroker   Role = "broker"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
	// RoleSystem covers payment-processor callbacks and background jobs.
	RoleSystem Role = "system"
)

// Actor is the authenticated caller, as asserted by the auth layer.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}
