package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type Fault int

const (
	// FaultDecline refuses the call.
	FaultDecline Fault = iota + 1
	// FaultTimeout times out before the call executes.
	FaultTimeout
	// FaultCommitThenTimeout executes the call and then times out, the
	// ambiguous case reconciliation exists for.
	FaultCommitThenTimeout
)

// Sandbox is an in-process processor for local runs and tests.
type Sandbox struct {
	mu       sync.Mutex
	receipts map[string]Receipt
	intents  map[string]Receipt
	faults   []Fault
	captures map[string]int64
	calls    int
	logger   *slog.Logger
}

var _ Gateway = (*Sandbox)(nil)

func NewSandbox(logger *slog.Logger) *Sandbox {
	return &Sandbox{
		receipts: make(map[string]Receipt),
		intents:  make(map[string]Receipt),
		captures: make(map[string]int64),
		logger:   logger,
	}
}

// InjectFault queues faults consumed by the next calls, one per call.
func (s *Sandbox) InjectFault(faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, faults...)
}

// SetCaptureAmount makes ConfirmPayment of intentReference capture amount
// instead of the intent amount.
func (s *Sandbox) SetCaptureAmount(intentReference string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures[intentReference] = amount
}

// Calls counts calls that reached the processor, including replays.
func (s *Sandbox) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Executed counts distinct tokens that moved money.
func (s *Sandbox) Executed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts)
}

func (s *Sandbox) CreatePaymentIntent(ctx context.Context, token string, amount int64, currency string) (Receipt, error) {
	return s.execute(ctx, token, func() (Receipt, error) {
		r := Receipt{Token: token, Reference: "pi_" + uuid.NewString(), Kind: "payment_intent", Amount: amount, Currency: currency, Status: ReceiptSucceeded}
		s.intents[r.Reference] = r
		return r, nil
	})
}

func (s *Sandbox) ConfirmPayment(ctx context.Context, token, intentReference string) (Receipt, error) {
	return s.execute(ctx, token, func() (Receipt, error) {
		intent, ok := s.intents[intentReference]
		if !ok {
			return Receipt{}, fmt.Errorf("%w: unknown payment intent %s", ErrDeclined, intentReference)
		}
		amount := intent.Amount
		if override, ok := s.captures[intentReference]; ok {
			amount = override
		}
		return Receipt{Token: token, Reference: "ch_" + uuid.NewString(), Kind: "capture", Amount: amount, Currency: intent.Currency, Status: ReceiptSucceeded}, nil
	})
}

func (s *Sandbox) CreateTransfer(ctx context.Context, token, destination string, amount int64, currency string) (Receipt, error) {
	return s.execute(ctx, token, func() (Receipt, error) {
		if destination == "" {
			return Receipt{}, fmt.Errorf("%w: missing destination", ErrDeclined)
		}
		return Receipt{Token: token, Reference: "tr_" + uuid.NewString(), Kind: "transfer", Amount: amount, Currency: currency, Status: ReceiptSucceeded}, nil
	})
}

func (s *Sandbox) CreateRefund(ctx context.Context, token, paymentReference string, amount int64, currency string) (Receipt, error) {
	return s.execute(ctx, token, func() (Receipt, error) {
		return Receipt{Token: token, Reference: "re_" + uuid.NewString(), Kind: "refund", Amount: amount, Currency: currency, Status: ReceiptSucceeded}, nil
	})
}

func (s *Sandbox) Lookup(ctx context.Context, token string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, ErrTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[token]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	return r, nil
}

// execute replays the stored receipt for a known token; otherwise it
// applies the next queued fault or runs fn.
func (s *Sandbox) execute(ctx context.Context, token string, fn func() (Receipt, error)) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, ErrTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if r, ok := s.receipts[token]; ok {
		s.logger.Debug("Sandbox gateway replayed receipt", "token", token, "reference", r.Reference)
		return r, nil
	}

	var fault Fault
	if len(s.faults) > 0 {
		fault, s.faults = s.faults[0], s.faults[1:]
	}
	switch fault {
	case FaultDecline:
		return Receipt{}, ErrDeclined
	case FaultTimeout:
		return Receipt{}, ErrTimeout
	}

	r, err := fn()
	if err != nil {
		return Receipt{}, err
	}
	s.receipts[token] = r
	s.logger.Debug("Sandbox gateway executed", "token", token, "kind", r.Kind, "amount", r.Amount)

	if fault == FaultCommitThenTimeout {
		return Receipt{}, ErrTimeout
	}
	return r, nil
}
