package repo

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint rejects an insert.
	ErrDuplicate = errors.New("record already exists")
	// ErrStale is returned when a conditional update finds the row no longer in the expected state.
	ErrStale = errors.New("record changed concurrently")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
