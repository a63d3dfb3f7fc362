package repository

import (
	"github.com/lib/pq"

	"deal-settlement/internal/errors"
)

const pqUniqueViolation = "23505"

// uniqueViolation returns the violated constraint name, if err is one.
func uniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}
