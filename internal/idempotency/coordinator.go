package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/bissquit/incident-engine/internal/pkg/ctxlog"
)

// Outcome describes how a claim was resolved.
type Outcome string

// Claim outcomes.
const (
	// OutcomeOwner means the caller won the key and must execute the request.
	OutcomeOwner Outcome = "owner"
	// OutcomeCompleted means a previous execution finished; the record holds its result.
	OutcomeCompleted Outcome = "completed"
	// OutcomeInProgress means another execution is still running after the poll timeout.
	OutcomeInProgress Outcome = "in_progress"
)

// Claim is the result of ClaimOrReplay.
type Claim struct {
	Owner   bool
	Outcome Outcome
	Record  *domain.IdempotencyRecord
}

// PollConfig controls how a non-owner waits for the owner to finish.
type PollConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Timeout      time.Duration
}

// DefaultPollConfig returns default polling configuration.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialDelay: 50 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     500 * time.Millisecond,
		Timeout:      5 * time.Second,
	}
}

// Coordinator arbitrates concurrent requests sharing an idempotency key.
type Coordinator struct {
	repo Repository
	poll PollConfig
}

// NewCoordinator creates a new coordinator.
func NewCoordinator(repo Repository, poll PollConfig) *Coordinator {
	if poll.InitialDelay < 0 {
		poll.InitialDelay = 0
	}
	if poll.MaxDelay < poll.InitialDelay {
		poll.MaxDelay = poll.InitialDelay
	}
	if poll.Multiplier < 1 {
		poll.Multiplier = 1
	}
	return &Coordinator{repo: repo, poll: poll}
}

// ClaimOrReplay tries to take ownership of key. Exactly one concurrent caller
// becomes the owner; the others observe the stored record, waiting for it to
// complete up to the poll timeout.
func (c *Coordinator) ClaimOrReplay(ctx context.Context, key, requestHash, actor string, now time.Time) (*Claim, error) {
	claim, err := c.tryClaim(ctx, key, requestHash, actor, now)
	if err != nil || claim != nil {
		return claim, err
	}

	existing, err := c.repo.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			// released between our insert and read
			return c.waitForCompletion(ctx, key, requestHash, actor, now)
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}

	if existing.RequestHash != requestHash {
		recordClaim("conflict")
		return nil, &ConflictError{Key: key, IncidentID: existing.IncidentID}
	}
	if existing.IsCompleted() {
		recordClaim(string(OutcomeCompleted))
		return &Claim{Outcome: OutcomeCompleted, Record: existing}, nil
	}

	return c.waitForCompletion(ctx, key, requestHash, actor, now)
}

// tryClaim returns a nil claim and nil error when the key is already taken.
func (c *Coordinator) tryClaim(ctx context.Context, key, requestHash, actor string, now time.Time) (*Claim, error) {
	rec := &domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusInProgress,
		CreatedBy:   actor,
		CreatedAt:   now,
	}

	err := c.repo.Create(ctx, rec)
	if err == nil {
		recordClaim(string(OutcomeOwner))
		return &Claim{Owner: true, Outcome: OutcomeOwner, Record: rec}, nil
	}
	if errors.Is(err, ErrRecordExists) {
		return nil, nil
	}
	return nil, fmt.Errorf("create idempotency record: %w", err)
}

func (c *Coordinator) waitForCompletion(ctx context.Context, key, requestHash, actor string, now time.Time) (*Claim, error) {
	start := time.Now()
	defer func() { recordPollWait(time.Since(start)) }()

	deadline := start.Add(c.poll.Timeout)
	delay := c.poll.InitialDelay

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			recordClaim(string(OutcomeInProgress))
			ctxlog.FromContext(ctx).Debug("idempotency poll timed out", "key", key, "waited", time.Since(start))
			return &Claim{Outcome: OutcomeInProgress}, nil
		}

		if err := sleep(ctx, min(delay, remaining)); err != nil {
			return nil, err
		}

		rec, err := c.repo.Get(ctx, key)
		switch {
		case errors.Is(err, ErrRecordNotFound):
			// owner released the key, compete for it again
			claim, claimErr := c.tryClaim(ctx, key, requestHash, actor, now)
			if claimErr != nil || claim != nil {
				return claim, claimErr
			}
		case err != nil:
			return nil, fmt.Errorf("poll idempotency record: %w", err)
		case rec.RequestHash != requestHash:
			recordClaim("conflict")
			return nil, &ConflictError{Key: key, IncidentID: rec.IncidentID}
		case rec.IsCompleted():
			recordClaim(string(OutcomeCompleted))
			return &Claim{Outcome: OutcomeCompleted, Record: rec}, nil
		}

		delay = nextDelay(delay, c.poll)
	}
}

// Bookkeeping writes issued by the owner after it has acted.
const (
	settleAttempts = 3
	settleBackoff  = 25 * time.Millisecond
	settleTimeout  = 5 * time.Second
)

// Complete stores the owner's result. The write is detached from ctx
// cancellation and retried a few times, since the incident it describes is
// already committed.
func (c *Coordinator) Complete(ctx context.Context, key, incidentID string, response any, now time.Time) error {
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("marshal idempotent response: %w", err)
	}
	err = settle(ctx, func(ctx context.Context) error {
		return c.repo.Complete(ctx, key, incidentID, data, now)
	})
	if err != nil {
		recordSettleFailure("complete")
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	return nil
}

// Release frees a key whose owner failed before producing a result. Like
// Complete it survives cancellation of ctx.
func (c *Coordinator) Release(ctx context.Context, key string) error {
	err := settle(ctx, func(ctx context.Context) error {
		return c.repo.Release(ctx, key)
	})
	if err != nil {
		recordSettleFailure("release")
		return fmt.Errorf("release idempotency record: %w", err)
	}
	return nil
}

func settle(ctx context.Context, write func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	delay := settleBackoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = write(ctx); err == nil {
			return nil
		}
		if attempt == settleAttempts {
			return err
		}
		ctxlog.FromContext(ctx).Warn("idempotency record write failed, retrying",
			"attempt", attempt,
			"error", err,
		)
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return err
		}
		delay *= 2
	}
}

// nextDelay grows the poll interval. A zero interval polls once immediately
// and then waits MaxDelay between polls.
func nextDelay(current time.Duration, cfg PollConfig) time.Duration {
	if current == 0 {
		return cfg.MaxDelay
	}
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
