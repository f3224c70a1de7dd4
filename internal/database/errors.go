package database

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrDuplicateKey is returned when an insert hits a unique constraint
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrNotFound is returned by updates that matched no row
	ErrNotFound = errors.New("record not found")
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}
