package idempotency

import (
	"errors"
	"fmt"
)

// Repository errors.
var (
	ErrRecordExists   = errors.New("idempotency record already exists")
	ErrRecordNotFound = errors.New("idempotency record not found")
)

// ErrKeyConflict is returned when an idempotency key is reused for a different request.
var ErrKeyConflict = errors.New("idempotency key reused with a different request")

// ConflictError reports a key reused for a request with a different hash.
type ConflictError struct {
	Key        string
	IncidentID string
}

func (e *ConflictError) Error() string {
	if e.IncidentID == "" {
		return fmt.Sprintf("idempotency key %q already used for a different request", e.Key)
	}
	return fmt.Sprintf("idempotency key %q already used for a different request (incident %s)", e.Key, e.IncidentID)
}

// Is makes errors.Is(err, ErrKeyConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrKeyConflict
}
