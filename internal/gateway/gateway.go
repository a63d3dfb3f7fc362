// Package gateway is the payment processor port. Every call carries an
// idempotency token: repeating a call with the same token never moves money
// twice and returns the original receipt.
package gateway

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrTimeout means the outcome is unknown: the processor may or may not
	// have executed the call.
	ErrTimeout = errors.New("gateway: timed out")
	// ErrDeclined means the processor refused the call and moved no money.
	ErrDeclined = errors.New("gateway: declined")
	// ErrNotFound is returned by Lookup for a token the processor never
	// executed.
	ErrNotFound = errors.New("gateway: unknown token")
)

type ReceiptStatus string

const (
	ReceiptSucceeded ReceiptStatus = "succeeded"
	ReceiptFailed    ReceiptStatus = "failed"
)

type Receipt struct {
	Token     string        `json:"token"`
	Reference string        `json:"reference"`
	Kind      string        `json:"kind"`
	Amount    int64         `json:"amount"`
	Currency  string        `json:"currency"`
	Status    ReceiptStatus `json:"status"`
}

type Gateway interface {
	CreatePaymentIntent(ctx context.Context, token string, amount int64, currency string) (Receipt, error)
	// ConfirmPayment captures a payment intent; the receipt carries the
	// captured amount.
	ConfirmPayment(ctx context.Context, token, intentReference string) (Receipt, error)
	CreateTransfer(ctx context.Context, token, destination string, amount int64, currency string) (Receipt, error)
	CreateRefund(ctx context.Context, token, paymentReference string, amount int64, currency string) (Receipt, error)
	// Lookup reports what the processor did for token.
	Lookup(ctx context.Context, token string) (Receipt, error)
}

// Token scopes a request idempotency key to its deal.
func Token(dealID uuid.UUID, key string) string {
	return dealID.String() + ":" + key
}
