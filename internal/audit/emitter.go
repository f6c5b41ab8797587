package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EmitterConfig contains emitter configuration.
type EmitterConfig struct {
	Topic          string
	QueueSize      int
	NumWorkers     int
	PublishTimeout time.Duration
	// RateLimit caps publishes per second across workers. Zero disables it.
	RateLimit float64
	RateBurst int

	// Retry applies to errors that are retryable (see isRetryable).
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultEmitterConfig returns default emitter configuration.
func DefaultEmitterConfig() EmitterConfig {
	return EmitterConfig{
		Topic:          "incident-events",
		QueueSize:      1024,
		NumWorkers:     2,
		PublishTimeout: 5 * time.Second,

		MaxAttempts:       3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Emitter publishes facts from a bounded queue on background workers.
// Emit never blocks and never reports publish failures to the caller.
type Emitter struct {
	config    EmitterConfig
	publisher Publisher
	limiter   *rate.Limiter

	queue chan Fact

	mu      sync.RWMutex
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEmitter creates a new emitter.
func NewEmitter(config EmitterConfig, publisher Publisher) *Emitter {
	if config.QueueSize <= 0 {
		config.QueueSize = 1
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	defaults := DefaultEmitterConfig()
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = 1
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return &Emitter{
		config:    config,
		publisher: publisher,
		limiter:   limiter,
		queue:     make(chan Fact, config.QueueSize),
		stopCh:    make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (e *Emitter) Start(ctx context.Context) {
	slog.Info("starting audit emitter",
		"workers", e.config.NumWorkers,
		"queue_size", e.config.QueueSize,
		"topic", e.config.Topic,
	)

	for i := 0; i < e.config.NumWorkers; i++ {
		e.wg.Add(1)
		go e.run(ctx, i)
	}
}

// Stop stops accepting facts, drains the queue and waits for workers.
func (e *Emitter) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()

	if err := e.publisher.Close(); err != nil {
		slog.Warn("failed to close audit publisher", "error", err)
	}
	slog.Info("audit emitter stopped")
}

// Emit enqueues a fact. A full queue drops the fact.
func (e *Emitter) Emit(fact Fact) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.stopped {
		factsDropped.Inc()
		slog.Warn("audit emitter stopped, dropping fact",
			"incident_id", fact.IncidentID,
			"event_seq", fact.EventSeq,
		)
		return
	}

	select {
	case e.queue <- fact:
		factsEnqueued.Inc()
		queueDepth.Inc()
	default:
		factsDropped.Inc()
		slog.Warn("audit queue full, dropping fact",
			"incident_id", fact.IncidentID,
			"event_seq", fact.EventSeq,
			"event_type", fact.EventType,
		)
	}
}

func (e *Emitter) run(ctx context.Context, workerID int) {
	defer e.wg.Done()

	logger := slog.With("worker_id", workerID)
	logger.Debug("audit worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("audit worker stopped by context")
			return
		case <-e.stopCh:
			e.drain(logger)
			logger.Debug("audit worker stopped")
			return
		case fact := <-e.queue:
			queueDepth.Dec()
			e.publish(ctx, logger, fact)
		}
	}
}

// drain publishes what is already queued. Emit cannot add more once stopped.
func (e *Emitter) drain(logger *slog.Logger) {
	ctx := context.Background()
	for {
		select {
		case fact := <-e.queue:
			queueDepth.Dec()
			e.publish(ctx, logger, fact)
		default:
			return
		}
	}
}

func (e *Emitter) publish(ctx context.Context, logger *slog.Logger, fact Fact) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			publishTotal.WithLabelValues("rate_limited").Inc()
			logger.Warn("audit publish skipped", "incident_id", fact.IncidentID, "error", err)
			return
		}
	}

	payload, err := json.Marshal(fact)
	if err != nil {
		publishTotal.WithLabelValues("error").Inc()
		logger.Error("failed to marshal audit fact", "incident_id", fact.IncidentID, "error", err)
		return
	}

	for attempt := 1; ; attempt++ {
		err = e.publishOnce(ctx, fact, payload)
		if err == nil {
			publishTotal.WithLabelValues("success").Inc()
			logger.Debug("audit fact published",
				"incident_id", fact.IncidentID,
				"event_seq", fact.EventSeq,
				"attempt", attempt,
			)
			return
		}

		if !isRetryable(err) || attempt >= e.config.MaxAttempts {
			publishTotal.WithLabelValues("error").Inc()
			logger.Error("failed to publish audit fact",
				"incident_id", fact.IncidentID,
				"event_seq", fact.EventSeq,
				"event_type", fact.EventType,
				"attempts", attempt,
				"error", err,
			)
			return
		}

		publishTotal.WithLabelValues("retry").Inc()
		backoff := e.backoff(attempt)
		logger.Warn("audit publish failed, retrying",
			"incident_id", fact.IncidentID,
			"event_seq", fact.EventSeq,
			"attempt", attempt,
			"max_attempts", e.config.MaxAttempts,
			"backoff", backoff,
			"error", err,
		)
		if !e.sleep(ctx, backoff) {
			publishTotal.WithLabelValues("abandoned").Inc()
			logger.Warn("audit publish abandoned on shutdown",
				"incident_id", fact.IncidentID,
				"event_seq", fact.EventSeq,
			)
			return
		}
	}
}

func (e *Emitter) publishOnce(ctx context.Context, fact Fact, payload []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, e.config.PublishTimeout)
	defer cancel()

	start := time.Now()
	err := e.publisher.Publish(pubCtx, e.config.Topic, DetailType(fact.EventType), payload, fact.Timestamp)
	publishDuration.Observe(time.Since(start).Seconds())
	return err
}

// backoff returns the delay after the given failed attempt.
func (e *Emitter) backoff(attempt int) time.Duration {
	d := float64(e.config.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= e.config.BackoffMultiplier
	}
	if d > float64(e.config.MaxBackoff) {
		d = float64(e.config.MaxBackoff)
	}
	return time.Duration(d)
}

// sleep waits for d. It returns false if ctx ends or the emitter stops first.
func (e *Emitter) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-e.stopCh:
		return false
	}
}

// isRetryable reports whether a publish error is worth another attempt.
// Errors that do not classify themselves are retried.
func isRetryable(err error) bool {
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
