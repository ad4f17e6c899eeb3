package persistence

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), the signal used throughout this package to
// turn "duplicate insert" into idempotent no-op behavior instead of a
// propagated error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// IsUniqueViolation is the exported form of isUniqueViolation. Nothing
// outside this package calls it at present: orchestrator.Initializer
// detects a duplicate correlation ID with TaskRepo.GetByCorrelationID.
func IsUniqueViolation(err error) bool {
	return isUniqueViolation(err)
}
