package idempotency_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/bissquit/incident-engine/internal/idempotency"
	"github.com/bissquit/incident-engine/internal/idempotency/memory"
	"github.com/bissquit/incident-engine/internal/pkg/ctxlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPoll() idempotency.PollConfig {
	return idempotency.PollConfig{
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Millisecond,
		Timeout:      time.Second,
	}
}

func TestCoordinator_FirstCallerOwnsKey(t *testing.T) {
	ctx := context.Background()
	coord := idempotency.NewCoordinator(memory.NewRepository(), fastPoll())

	claim, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)
	assert.True(t, claim.Owner)
	assert.Equal(t, idempotency.OutcomeOwner, claim.Outcome)
	assert.Equal(t, domain.IdempotencyStatusInProgress, claim.Record.Status)
}

func TestCoordinator_ReplaysCompletedRecord(t *testing.T) {
	ctx := context.Background()
	coord := idempotency.NewCoordinator(memory.NewRepository(), fastPoll())

	_, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)
	require.NoError(t, coord.Complete(ctx, "key-1", "inc-1", map[string]string{"id": "inc-1"}, time.Now()))

	claim, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "bob", time.Now())
	require.NoError(t, err)
	assert.False(t, claim.Owner)
	assert.Equal(t, idempotency.OutcomeCompleted, claim.Outcome)
	assert.Equal(t, "inc-1", claim.Record.IncidentID)
	assert.JSONEq(t, `{"id":"inc-1"}`, string(claim.Record.Response))
}

func TestCoordinator_KeyReuseWithDifferentHash(t *testing.T) {
	ctx := context.Background()
	coord := idempotency.NewCoordinator(memory.NewRepository(), fastPoll())

	_, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)
	require.NoError(t, coord.Complete(ctx, "key-1", "inc-1", struct{}{}, time.Now()))

	_, err = coord.ClaimOrReplay(ctx, "key-1", "hash-b", "alice", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, idempotency.ErrKeyConflict))

	var conflict *idempotency.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "inc-1", conflict.IncidentID)
}

func TestCoordinator_PollTimeoutReportsInProgress(t *testing.T) {
	ctx := context.Background()
	poll := fastPoll()
	poll.Timeout = 20 * time.Millisecond
	coord := idempotency.NewCoordinator(memory.NewRepository(), poll)

	_, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)

	claim, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)
	assert.False(t, claim.Owner)
	assert.Equal(t, idempotency.OutcomeInProgress, claim.Outcome)
}

func TestCoordinator_WaiterSeesOwnerCompletion(t *testing.T) {
	ctx := context.Background()
	coord := idempotency.NewCoordinator(memory.NewRepository(), fastPoll())

	owner, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)
	require.True(t, owner.Owner)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = coord.Complete(ctx, "key-1", "inc-1", map[string]string{"id": "inc-1"}, time.Now())
	}()

	claim, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeCompleted, claim.Outcome)
	assert.Equal(t, "inc-1", claim.Record.IncidentID)
}

func TestCoordinator_ReleaseLetsWaiterTakeOver(t *testing.T) {
	ctx := context.Background()
	coord := idempotency.NewCoordinator(memory.NewRepository(), fastPoll())

	_, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = coord.Release(ctx, "key-1")
	}()

	claim, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "bob", time.Now())
	require.NoError(t, err)
	assert.True(t, claim.Owner)
	assert.Equal(t, "bob", claim.Record.CreatedBy)
}

func TestCoordinator_ReleaseKeepsCompletedRecord(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	coord := idempotency.NewCoordinator(repo, fastPoll())

	_, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)
	require.NoError(t, coord.Complete(ctx, "key-1", "inc-1", struct{}{}, time.Now()))
	require.NoError(t, coord.Release(ctx, "key-1"))

	rec, err := repo.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, rec.IsCompleted())
}

func TestCoordinator_CancelledWhilePolling(t *testing.T) {
	poll := fastPoll()
	poll.Timeout = time.Minute
	coord := idempotency.NewCoordinator(memory.NewRepository(), poll)

	_, err := coord.ClaimOrReplay(context.Background(), "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoordinator_ConcurrentClaimsSingleOwner(t *testing.T) {
	ctx := context.Background()
	coord := idempotency.NewCoordinator(memory.NewRepository(), fastPoll())

	const callers = 10
	var owners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			claim, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claim.Owner {
				owners.Add(1)
				_ = coord.Complete(ctx, "key-1", "inc-1", struct{}{}, time.Now())
			}
		}()
	}

	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), owners.Load())
}

// failingRepo fails the first n Complete or Release calls, and any call made
// with a cancelled context.
type failingRepo struct {
	idempotency.Repository
	mu        sync.Mutex
	failures  int
	completes int
	releases  int
}

func (r *failingRepo) fail(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("connection reset")
	}
	return nil
}

func (r *failingRepo) Complete(ctx context.Context, key, incidentID string, response json.RawMessage, completedAt time.Time) error {
	r.mu.Lock()
	r.completes++
	r.mu.Unlock()
	if err := r.fail(ctx); err != nil {
		return err
	}
	return r.Repository.Complete(ctx, key, incidentID, response, completedAt)
}

func (r *failingRepo) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	r.releases++
	r.mu.Unlock()
	if err := r.fail(ctx); err != nil {
		return err
	}
	return r.Repository.Release(ctx, key)
}

func TestCoordinator_CompleteRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	repo := &failingRepo{Repository: memory.NewRepository(), failures: 1}
	coord := idempotency.NewCoordinator(repo, fastPoll())

	_, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)
	require.NoError(t, coord.Complete(ctx, "key-1", "inc-1", struct{}{}, time.Now()))
	assert.Equal(t, 2, repo.completes)

	claim, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeCompleted, claim.Outcome)
}

func TestCoordinator_CompleteGivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	repo := &failingRepo{Repository: memory.NewRepository(), failures: 100}
	coord := idempotency.NewCoordinator(repo, fastPoll())

	_, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)

	err = coord.Complete(ctx, "key-1", "inc-1", struct{}{}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 3, repo.completes)
}

func TestCoordinator_SettleSurvivesCancelledContext(t *testing.T) {
	repo := &failingRepo{Repository: memory.NewRepository()}
	coord := idempotency.NewCoordinator(repo, fastPoll())

	_, err := coord.ClaimOrReplay(context.Background(), "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)
	_, err = coord.ClaimOrReplay(context.Background(), "key-2", "hash-b", "alice", time.Now())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, coord.Complete(ctx, "key-1", "inc-1", struct{}{}, time.Now()))
	require.NoError(t, coord.Release(ctx, "key-2"))

	rec, err := repo.Get(context.Background(), "key-1")
	require.NoError(t, err)
	assert.True(t, rec.IsCompleted())

	_, err = repo.Get(context.Background(), "key-2")
	assert.ErrorIs(t, err, idempotency.ErrRecordNotFound)
}

func TestCoordinator_ZeroInitialDelay(t *testing.T) {
	ctx := context.Background()
	coord := idempotency.NewCoordinator(memory.NewRepository(), idempotency.PollConfig{
		InitialDelay: 0,
		Multiplier:   2,
		MaxDelay:     2 * time.Millisecond,
		Timeout:      time.Second,
	})

	_, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = coord.Complete(ctx, "key-1", "inc-1", struct{}{}, time.Now())
	}()

	start := time.Now()
	claim, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeCompleted, claim.Outcome)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCoordinator_PollTimeoutLogsWithRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := ctxlog.WithLogger(context.Background(), logger.With("request_id", "req-42"))

	poll := fastPoll()
	poll.Timeout = 10 * time.Millisecond
	coord := idempotency.NewCoordinator(memory.NewRepository(), poll)

	_, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)
	claim, err := coord.ClaimOrReplay(ctx, "key-1", "hash-a", "alice", time.Now())
	require.NoError(t, err)
	require.Equal(t, idempotency.OutcomeInProgress, claim.Outcome)

	assert.Contains(t, buf.String(), `"msg":"idempotency poll timed out"`)
	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
}
