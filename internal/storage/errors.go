package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist
	// within the caller's tenant scope.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicateEvent reports that every event in an append batch was
	// already stored. Callers treat it as already-applied, not a failure.
	ErrDuplicateEvent = errors.New("storage: duplicate event id, already applied")

	// ErrAlreadyResolved is returned on a second resolution attempt for
	// the same approval. Exactly one resolution ever succeeds.
	ErrAlreadyResolved = errors.New("storage: approval already resolved")

	// ErrApprovalExists is returned when a tool call already has an
	// approval. At most one approval per tool call, enforced by a unique
	// constraint on tool_call_id.
	ErrApprovalExists = errors.New("storage: approval already exists for tool call")

	// ErrStaleRun reports that a conditional work-item publish lost the
	// optimistic last-sequence check: someone else already advanced the
	// run. Callers treat it as a benign no-op.
	ErrStaleRun = errors.New("storage: run advanced past expected sequence")
)

// isUniqueViolation reports whether err is a Postgres unique violation on
// the named constraint (any constraint when name is empty).
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
