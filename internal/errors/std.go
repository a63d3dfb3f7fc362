package errors

import stderrors "errors"

// Thin re-exports so callers importing this package as "errors" keep the
// standard helpers at hand.

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }
