package incidents

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/bissquit/incident-engine/internal/idempotency"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"validation", fmt.Errorf("%w: title", ErrValidation), KindValidation},
		{"not found", ErrIncidentNotFound, KindNotFound},
		{"invalid transition", &InvalidTransitionError{From: domain.StateCreated, To: domain.StateClosed}, KindInvalidTransition},
		{"version conflict", &ConflictError{IncidentID: "i", ExpectedVersion: 1, ActualVersion: 2}, KindConflict},
		{"resolution set", ErrResolutionAlreadySet, KindConflict},
		{"idempotency conflict", &idempotency.ConflictError{Key: "k"}, KindIdempotencyConflict},
		{"in progress", ErrRequestInProgress, KindInProgress},
		{"store failure", &StoreError{Op: "get", Err: errors.New("timeout")}, KindStoreFailure},
		{"collision", fmt.Errorf("%w: incident i event 2", ErrEventSequenceCollision), KindSequenceCollision},
		{"integrity", &ReplayIntegrityError{IncidentID: "i", EventSeq: 2, Reason: "hash"}, KindReplayIntegrity},
		{"wrapped collision in store error", &StoreError{Op: "x", Err: ErrEventSequenceCollision}, KindSequenceCollision},
		{"unknown", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	assert.True(t, KindConflict.Retryable())
	assert.True(t, KindStoreFailure.Retryable())
	assert.False(t, KindReplayIntegrity.Retryable())
	assert.False(t, KindInvalidTransition.Retryable())
	assert.False(t, KindIdempotencyConflict.Retryable())
}

func TestInvalidTransitionError_Message(t *testing.T) {
	err := &InvalidTransitionError{
		From:    domain.StateCreated,
		To:      domain.StateClosed,
		Allowed: []domain.State{domain.StateAnalyzing},
	}
	assert.Equal(t, "invalid state transition from CREATED to CLOSED (allowed: [ANALYZING])", err.Error())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStoreError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &StoreError{Op: "list incidents", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrStoreFailure)
}
