package incidents

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/bissquit/incident-engine/internal/idempotency"
)

// Incident errors.
var (
	ErrValidation             = errors.New("validation failed")
	ErrIncidentNotFound       = errors.New("incident not found")
	ErrIncidentExists         = errors.New("incident already exists")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrVersionConflict        = errors.New("incident was modified concurrently")
	ErrResolutionAlreadySet   = errors.New("resolution already set")
	ErrRequestInProgress      = errors.New("request with this idempotency key is still in progress")
	ErrStoreFailure           = errors.New("store failure")
	ErrEventSequenceCollision = errors.New("event sequence slot already occupied")
	ErrReplayIntegrity        = errors.New("replay integrity violation")
)

// InvalidTransitionError is a business-rule rejection evaluated against the
// incident state observed by the caller.
type InvalidTransitionError struct {
	From    domain.State
	To      domain.State
	Allowed []domain.State
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	msg := fmt.Sprintf("invalid state transition from %s to %s (allowed: [%s])", e.From, e.To, strings.Join(allowed, ", "))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ConflictError is returned to the loser of an optimistic-concurrency race.
// The caller may re-read and retry.
type ConflictError struct {
	IncidentID      string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("incident %s was modified concurrently: expected version %d, actual %d",
		e.IncidentID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// StoreError wraps a backend failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store failure during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreFailure
}

// ReplayIntegrityError means the event log no longer explains the stored
// incident. It is never retryable.
type ReplayIntegrityError struct {
	IncidentID string
	EventSeq   int64
	Reason     string
	Expected   string
	Actual     string
}

func (e *ReplayIntegrityError) Error() string {
	msg := fmt.Sprintf("replay integrity violation for incident %s at event %d: %s", e.IncidentID, e.EventSeq, e.Reason)
	if e.Expected != "" || e.Actual != "" {
		msg += fmt.Sprintf(" (expected %s, actual %s)", e.Expected, e.Actual)
	}
	return msg
}

func (e *ReplayIntegrityError) Is(target error) bool {
	return target == ErrReplayIntegrity
}

// ErrorKind classifies engine errors so callers branch on kind.
type ErrorKind int

// Error kinds.
const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindNotFound
	KindInvalidTransition
	KindConflict
	KindIdempotencyConflict
	KindInProgress
	KindStoreFailure
	KindSequenceCollision
	KindReplayIntegrity
)

var kindNames = map[ErrorKind]string{
	KindUnknown:             "unknown",
	KindValidation:          "validation",
	KindNotFound:            "not_found",
	KindInvalidTransition:   "invalid_transition",
	KindConflict:            "conflict",
	KindIdempotencyConflict: "idempotency_conflict",
	KindInProgress:          "in_progress",
	KindStoreFailure:        "store_failure",
	KindSequenceCollision:   "sequence_collision",
	KindReplayIntegrity:     "replay_integrity",
}

func (k ErrorKind) String() string {
	return kindNames[k]
}

// Retryable reports whether a caller may safely re-read and retry.
func (k ErrorKind) Retryable() bool {
	return k == KindConflict || k == KindInProgress || k == KindStoreFailure
}

// KindOf returns the kind of err. Order matters: integrity and collision
// errors take precedence over the store failures they may wrap.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrReplayIntegrity):
		return KindReplayIntegrity
	case errors.Is(err, ErrEventSequenceCollision):
		return KindSequenceCollision
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrIncidentNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrResolutionAlreadySet), errors.Is(err, ErrIncidentExists):
		return KindConflict
	case errors.Is(err, idempotency.ErrKeyConflict):
		return KindIdempotencyConflict
	case errors.Is(err, ErrRequestInProgress):
		return KindInProgress
	case errors.Is(err, ErrStoreFailure):
		return KindStoreFailure
	default:
		return KindUnknown
	}
}
