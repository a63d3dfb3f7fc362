package errors

import (
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	InvalidTransition       ErrorCode = "invalid_transition"
	AmountMismatch          ErrorCode = "amount_mismatch"
	InvariantViolation      ErrorCode = "invariant_violation"
	DuplicateIdempotencyKey ErrorCode = "duplicate_idempotency_key"
	StaleState              ErrorCode = "stale_state"
	GatewayTimeout          ErrorCode = "gateway_timeout"
	GatewayError            ErrorCode = "gateway_error"
	RateUnavailable         ErrorCode = "rate_unavailable"
	ChainBroken             ErrorCode = "chain_broken"
	DealNotFound            ErrorCode = "deal_not_found"
	InvalidInput            ErrorCode = "invalid_input"
	InvalidAmount           ErrorCode = "invalid_amount"
	Forbidden               ErrorCode = "forbidden"
	InternalError           ErrorCode = "internal_error"
)

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func (e AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any AppError carrying the same code, so callers can test
// errors.Is(err, ErrInvalidTransition) against errors built with NewAppErrorf.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func NewAppErrorf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails returns a copy so the predefined errors below stay untouched.
func (e *AppError) WithDetails(details string) *AppError {
	out := *e
	out.Details = details
	return &out
}

// HTTPStatus maps the error code to the response status used by the API.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case InvalidInput, InvalidAmount:
		return http.StatusBadRequest
	case Forbidden:
		return http.StatusForbidden
	case DealNotFound:
		return http.StatusNotFound
	case InvalidTransition, StaleState, DuplicateIdempotencyKey:
		return http.StatusConflict
	case AmountMismatch, InvariantViolation:
		return http.StatusUnprocessableEntity
	case GatewayError:
		return http.StatusBadGateway
	case GatewayTimeout:
		return http.StatusGatewayTimeout
	case RateUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Predefined errors for common cases
var (
	ErrInvalidTransition       = NewAppError(InvalidTransition, "transition not allowed from current state")
	ErrAmountMismatch          = NewAppError(AmountMismatch, "held amount does not match deal total")
	ErrInvariantViolation      = NewAppError(InvariantViolation, "ledger outflows would exceed held funds")
	ErrDuplicateIdempotencyKey = NewAppError(DuplicateIdempotencyKey, "idempotency key already used for this deal")
	ErrStaleState              = NewAppError(StaleState, "deal version has changed, re-read and retry")
	ErrGatewayTimeout          = NewAppError(GatewayTimeout, "payment gateway timed out")
	ErrGatewayError            = NewAppError(GatewayError, "payment gateway rejected the request")
	ErrRateUnavailable         = NewAppError(RateUnavailable, "exchange rate unavailable")
	ErrChainBroken             = NewAppError(ChainBroken, "audit chain integrity check failed")
	ErrDealNotFound            = NewAppError(DealNotFound, "deal not found")
	ErrInvalidInput            = NewAppError(InvalidInput, "invalid input")
	ErrInvalidAmount           = NewAppError(InvalidAmount, "amount must be positive")
	ErrInvalidDealID           = NewAppError(InvalidInput, "invalid deal id")
	ErrIdempotencyKeyRequired  = NewAppError(InvalidInput, "idempotency_key is required")
	ErrForbidden               = NewAppError(Forbidden, "actor is not allowed to perform this action")
	ErrCannotBeginTransaction  = NewAppError(InternalError, "cannot begin a transaction inside a transaction")
)

// AsAppError unwraps err into an AppError, wrapping unknown errors as internal.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if As(err, &appErr) {
		return appErr
	}
	return NewAppError(InternalError, "an unexpected error occurred").WithDetails(err.Error())
}
