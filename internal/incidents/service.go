// Package incidents implements the incident lifecycle engine: idempotent
// creation, optimistic-concurrency transitions, the event log and replay.
package incidents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bissquit/incident-engine/internal/audit"
	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/bissquit/incident-engine/internal/idempotency"
	"github.com/bissquit/incident-engine/internal/pkg/ctxlog"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// List limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

const creationDecision = "incident created"

// FactEmitter receives facts after they are committed.
type FactEmitter interface {
	Emit(fact audit.Fact)
}

// CreateIncidentInput contains the descriptive fields of a new incident.
type CreateIncidentInput struct {
	Service     string          `json:"service" validate:"required,min=1,max=128,storable"`
	Severity    domain.Severity `json:"severity" validate:"required,oneof=SEV1 SEV2 SEV3 SEV4"`
	Title       string          `json:"title" validate:"required,min=1,max=255,storable"`
	Description string          `json:"description" validate:"max=4096,storable"`
}

func (in CreateIncidentInput) normalize() CreateIncidentInput {
	return CreateIncidentInput{
		Service:     strings.TrimSpace(in.Service),
		Severity:    domain.Severity(strings.ToUpper(strings.TrimSpace(string(in.Severity)))),
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
	}
}

// CreateResult is returned by CreateIncident.
type CreateResult struct {
	Incident *domain.Incident
	// Replayed is true when the incident came from a previous execution.
	Replayed bool
}

// Service is the incident lifecycle engine.
type Service struct {
	incidents   IncidentRepository
	events      EventRepository
	coordinator *idempotency.Coordinator
	emitter     FactEmitter
	validate    *validator.Validate

	now   func() time.Time
	newID func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the id generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// NewService creates a new incident service.
func NewService(
	incidents IncidentRepository,
	events EventRepository,
	coordinator *idempotency.Coordinator,
	emitter FactEmitter,
	opts ...Option,
) *Service {
	s := &Service{
		incidents:   incidents,
		events:      events,
		coordinator: coordinator,
		emitter:     emitter,
		validate:    NewValidator(),
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) timestamp() time.Time {
	return NormalizeTime(s.now())
}

// CreateIncident creates an incident exactly once per idempotency key. When
// key is empty one is derived from the actor and the request content.
func (s *Service) CreateIncident(ctx context.Context, input CreateIncidentInput, actor, key string) (*CreateResult, error) {
	result, err := s.createIncident(ctx, input, actor, key)
	recordMutation("create", err)
	return result, err
}

func (s *Service) createIncident(ctx context.Context, input CreateIncidentInput, actor, key string) (*CreateResult, error) {
	input = input.normalize()
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := s.validate.Var(actor, "required,max=255,storable"); err != nil {
		return nil, fmt.Errorf("%w: actor: %w", ErrValidation, err)
	}
	if err := s.validate.Var(key, "max=255,storable"); err != nil {
		return nil, fmt.Errorf("%w: idempotency key: %w", ErrValidation, err)
	}

	requestHash, err := idempotency.HashRequest(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if key == "" {
		key = idempotency.DeriveKey(actor, requestHash)
	}

	logger := ctxlog.FromContext(ctx).With("idempotency_key", key, "actor", actor)
	now := s.timestamp()

	claim, err := s.coordinator.ClaimOrReplay(ctx, key, requestHash, actor, now)
	if err != nil {
		if errors.Is(err, idempotency.ErrKeyConflict) {
			return nil, err
		}
		return nil, &StoreError{Op: "claim idempotency key", Err: err}
	}

	switch claim.Outcome {
	case idempotency.OutcomeCompleted:
		var inc domain.Incident
		if err := json.Unmarshal(claim.Record.Response, &inc); err != nil {
			return nil, &StoreError{Op: "decode stored response", Err: err}
		}
		logger.Info("replayed incident creation", "incident_id", inc.ID)
		return &CreateResult{Incident: &inc, Replayed: true}, nil
	case idempotency.OutcomeInProgress:
		return nil, ErrRequestInProgress
	}

	inc := &domain.Incident{
		ID:          s.newID(),
		State:       domain.StateCreated,
		Service:     input.Service,
		Severity:    input.Severity,
		Title:       input.Title,
		Description: input.Description,
		CreatedBy:   actor,
		Timeline: []domain.TimelineEntry{{
			ID:        s.newID(),
			ToState:   domain.StateCreated,
			Actor:     actor,
			Reason:    creationDecision,
			Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	stored, ev, err := s.incidents.CreateIncident(ctx, inc, s.creationEvent(inc.Timeline[0]))
	if err != nil {
		if relErr := s.coordinator.Release(ctx, key); relErr != nil {
			logger.Error("failed to release idempotency key", "error", relErr)
		}
		s.logWriteFailure(logger, "create incident", err)
		return nil, s.wrapStoreError("create incident", err)
	}

	s.emit(ev)

	if err := s.coordinator.Complete(ctx, key, stored.ID, stored, now); err != nil {
		// The incident is committed; retries with this key keep seeing the
		// request as in progress until the record is repaired.
		logger.Error("incident created but idempotency record not completed",
			"incident_id", stored.ID,
			"error", err,
		)
	}

	logger.Info("incident created",
		"incident_id", stored.ID,
		"service", stored.Service,
		"severity", stored.Severity,
	)

	return &CreateResult{Incident: stored}, nil
}

func (s *Service) creationEvent(entry domain.TimelineEntry) EventBuilder {
	return func(stored *domain.Incident) (*domain.EventRecord, error) {
		return &domain.EventRecord{
			IncidentID:     stored.ID,
			EventSeq:       stored.EventSeq,
			EventType:      domain.EventTypeIncidentCreated,
			ToState:        stored.State,
			Actor:          entry.Actor,
			Decision:       entry.Reason,
			Timestamp:      entry.Timestamp,
			StateHashAfter: Digest(stored),
			Metadata: map[string]string{
				domain.MetaTimelineEntryID: entry.ID,
				domain.MetaService:         stored.Service,
				domain.MetaSeverity:        string(stored.Severity),
				domain.MetaTitle:           stored.Title,
				domain.MetaDescription:     stored.Description,
			},
		}, nil
	}
}

// TransitionInput is validated before the incident is read.
type TransitionInput struct {
	TargetState domain.State `validate:"required"`
	Reason      string       `validate:"max=1024,storable"`
	Actor       string       `validate:"required,max=255,storable"`
}

// RequestTransition moves an incident one step along the lifecycle. Legality
// is checked once against the state read at the start of the call; the store
// then accepts the write only if nothing changed in between.
func (s *Service) RequestTransition(ctx context.Context, incidentID string, target domain.State, reason, actor string) (*domain.Incident, error) {
	inc, err := s.requestTransition(ctx, incidentID, target, reason, actor)
	recordMutation("transition", err)
	return inc, err
}

func (s *Service) requestTransition(ctx context.Context, incidentID string, target domain.State, reason, actor string) (*domain.Incident, error) {
	in := TransitionInput{TargetState: target, Reason: strings.TrimSpace(reason), Actor: actor}
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if !target.IsValid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrValidation, target)
	}

	current, err := s.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, s.wrapStoreError("get incident", err)
	}

	if current.State.RequiresApproval() {
		return nil, &InvalidTransitionError{
			From:    current.State,
			To:      target,
			Allowed: domain.AllowedTransitions(current.State),
			Reason:  "incident is waiting for a human decision, use the approval endpoint",
		}
	}
	if !domain.IsValidTransition(current.State, target) {
		return nil, &InvalidTransitionError{
			From:    current.State,
			To:      target,
			Allowed: domain.AllowedTransitions(current.State),
		}
	}

	return s.mutate(ctx, current, mutation{
		eventType: domain.EventTypeStateTransitioned,
		target:    target,
		reason:    in.Reason,
		actor:     actor,
	})
}

// ApprovalInput is validated before the incident is read.
type ApprovalInput struct {
	Action domain.ApprovalAction `validate:"required,oneof=APPROVE REJECT"`
	Reason string                `validate:"max=1024,storable"`
	Actor  string                `validate:"required,max=255,storable"`
}

// ProcessApproval records a human decision on an incident waiting for one.
// APPROVE closes the incident and sets its resolution; REJECT sends it back
// to analysis.
func (s *Service) ProcessApproval(ctx context.Context, incidentID string, action domain.ApprovalAction, reason, actor string) (*domain.Incident, error) {
	inc, err := s.processApproval(ctx, incidentID, action, reason, actor)
	recordMutation("approval", err)
	return inc, err
}

func (s *Service) processApproval(ctx context.Context, incidentID string, action domain.ApprovalAction, reason, actor string) (*domain.Incident, error) {
	in := ApprovalInput{Action: action, Reason: strings.TrimSpace(reason), Actor: actor}
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	current, err := s.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, s.wrapStoreError("get incident", err)
	}

	target := action.TargetState()
	if !current.State.RequiresApproval() || !domain.IsValidTransition(current.State, target) {
		return nil, &InvalidTransitionError{
			From:    current.State,
			To:      target,
			Allowed: domain.AllowedTransitions(current.State),
			Reason:  "approval is only possible while waiting for a human decision",
		}
	}

	m := mutation{
		eventType: action.EventType(),
		target:    target,
		reason:    in.Reason,
		actor:     actor,
	}
	if action == domain.ApprovalActionApprove {
		if current.IsResolved() {
			return nil, ErrResolutionAlreadySet
		}
		m.resolve = true
	}

	return s.mutate(ctx, current, m)
}

type mutation struct {
	eventType domain.EventType
	target    domain.State
	reason    string
	actor     string
	resolve   bool
}

// mutate performs one conditional write against the cached state. It never
// re-reads or retries; a lost race surfaces as *ConflictError.
func (s *Service) mutate(ctx context.Context, current *domain.Incident, m mutation) (*domain.Incident, error) {
	now := s.timestamp()
	entry := domain.TimelineEntry{
		ID:        s.newID(),
		FromState: current.State,
		ToState:   m.target,
		Actor:     m.actor,
		Reason:    m.reason,
		Timestamp: now,
	}

	params := TransitionParams{
		IncidentID:      current.ID,
		ExpectedVersion: current.Version,
		ExpectedState:   current.State,
		NewState:        m.target,
		Entry:           entry,
		Now:             now,
	}
	if m.resolve {
		params.Resolution = &domain.Resolution{
			Summary:    m.reason,
			ResolvedBy: m.actor,
			ResolvedAt: now,
		}
	}

	build := func(stored *domain.Incident) (*domain.EventRecord, error) {
		meta := map[string]string{domain.MetaTimelineEntryID: entry.ID}
		if params.Resolution != nil {
			for k, v := range resolutionMetadata(params.Resolution) {
				meta[k] = v
			}
		}
		return &domain.EventRecord{
			IncidentID:     stored.ID,
			EventSeq:       stored.EventSeq,
			EventType:      m.eventType,
			FromState:      entry.FromState,
			ToState:        stored.State,
			Actor:          m.actor,
			Decision:       m.reason,
			Timestamp:      now,
			StateHashAfter: Digest(stored),
			Metadata:       meta,
		}, nil
	}

	ctx = ctxlog.WithIncident(ctx, current.ID)
	logger := ctxlog.FromContext(ctx).With("actor", m.actor)

	updated, ev, err := s.incidents.Transition(ctx, params, build)
	if err != nil {
		s.logWriteFailure(logger, "transition incident", err)
		return nil, s.wrapStoreError("transition incident", err)
	}

	s.emit(ev)
	logger.Info("incident transitioned",
		"event_type", m.eventType,
		"from", entry.FromState,
		"to", updated.State,
		"version", updated.Version,
		"event_seq", updated.EventSeq,
	)

	return updated, nil
}

// GetIncident retrieves an incident by ID.
func (s *Service) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	inc, err := s.incidents.GetIncident(ctx, id)
	if err != nil {
		return nil, s.wrapStoreError("get incident", err)
	}
	return inc, nil
}

// ListIncidents returns incidents matching the filter, newest first.
func (s *Service) ListIncidents(ctx context.Context, filter IncidentFilter) ([]*domain.Incident, error) {
	if err := s.validateFilter(filter); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}

	list, err := s.incidents.ListIncidents(ctx, filter)
	if err != nil {
		return nil, s.wrapStoreError("list incidents", err)
	}
	return list, nil
}

// ListEvents returns the event log of an incident.
func (s *Service) ListEvents(ctx context.Context, incidentID string) ([]*domain.EventRecord, error) {
	evs, err := s.events.ListEvents(ctx, incidentID)
	if err != nil {
		return nil, s.wrapStoreError("list events", err)
	}
	if len(evs) == 0 {
		return nil, ErrIncidentNotFound
	}
	return evs, nil
}

// Replay rebuilds the incident from its event log and checks every recorded
// state hash and the live record. Any mismatch is a *ReplayIntegrityError.
func (s *Service) Replay(ctx context.Context, incidentID string) (*ReplayResult, error) {
	result, err := s.replay(ctx, incidentID)
	switch {
	case err == nil:
		replaysTotal.WithLabelValues("success").Inc()
	case errors.Is(err, ErrReplayIntegrity):
		replaysTotal.WithLabelValues("integrity_violation").Inc()
		integrityViolations.WithLabelValues("replay").Inc()
		ctxlog.FromContext(ctx).Error("replay integrity violation",
			"incident_id", incidentID,
			"error", err,
		)
	default:
		replaysTotal.WithLabelValues(KindOf(err).String()).Inc()
	}
	return result, err
}

func (s *Service) replay(ctx context.Context, incidentID string) (*ReplayResult, error) {
	ctx = ctxlog.WithIncident(ctx, incidentID)
	evs, err := s.events.ListEvents(ctx, incidentID)
	if err != nil {
		return nil, s.wrapStoreError("list events", err)
	}
	if len(evs) == 0 {
		return nil, ErrIncidentNotFound
	}

	final, err := fold(incidentID, evs)
	if err != nil {
		return nil, err
	}

	live, err := s.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		if errors.Is(err, ErrIncidentNotFound) {
			return nil, &ReplayIntegrityError{IncidentID: incidentID, EventSeq: final.EventSeq, Reason: "events exist but incident record is missing"}
		}
		return nil, s.wrapStoreError("get incident", err)
	}

	if live.Version != live.EventSeq {
		return nil, &ReplayIntegrityError{
			IncidentID: incidentID,
			EventSeq:   live.EventSeq,
			Reason:     "version and event sequence diverged",
			Expected:   fmt.Sprint(live.EventSeq),
			Actual:     fmt.Sprint(live.Version),
		}
	}

	finalDigest := Digest(final)
	if liveDigest := Digest(live); liveDigest != finalDigest {
		return nil, &ReplayIntegrityError{
			IncidentID: incidentID,
			EventSeq:   final.EventSeq,
			Reason:     "replayed state differs from stored incident",
			Expected:   finalDigest,
			Actual:     liveDigest,
		}
	}

	return &ReplayResult{
		Success:     true,
		EventCount:  len(evs),
		FinalState:  final,
		FinalDigest: finalDigest,
	}, nil
}

// verifyPageSize is the number of incidents fetched per page during a sweep.
const verifyPageSize = MaxListLimit

// VerifyResult is the outcome of replaying one incident during a sweep.
type VerifyResult struct {
	IncidentID string
	Result     *ReplayResult
	Err        error
}

// Verify replays every incident matching filter, paging through the store.
// filter.Limit caps the number of incidents checked; zero means no cap.
// Per-incident failures are reported in the results; the returned error
// covers only the listing.
func (s *Service) Verify(ctx context.Context, filter IncidentFilter) ([]VerifyResult, error) {
	if err := s.validateFilter(filter); err != nil {
		return nil, err
	}
	remaining := filter.Limit

	results := make([]VerifyResult, 0)
	page := filter
	for {
		page.Limit = verifyPageSize
		if remaining > 0 && remaining < page.Limit {
			page.Limit = remaining
		}

		list, err := s.incidents.ListIncidents(ctx, page)
		if err != nil {
			return results, s.wrapStoreError("list incidents", err)
		}

		for _, inc := range list {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			res, err := s.Replay(ctx, inc.ID)
			results = append(results, VerifyResult{IncidentID: inc.ID, Result: res, Err: err})
		}

		if remaining > 0 {
			remaining -= len(list)
			if remaining <= 0 {
				return results, nil
			}
		}
		if len(list) < page.Limit {
			return results, nil
		}
		page.After = CursorOf(list[len(list)-1])
	}
}

func (s *Service) validateFilter(filter IncidentFilter) error {
	if filter.State != nil && !filter.State.IsValid() {
		return fmt.Errorf("%w: unknown state %q", ErrValidation, *filter.State)
	}
	if filter.Service != nil && !IsStorable(*filter.Service) {
		return fmt.Errorf("%w: service filter contains invalid characters", ErrValidation)
	}
	return nil
}

func (s *Service) emit(ev *domain.EventRecord) {
	if s.emitter == nil || ev == nil {
		return
	}
	s.emitter.Emit(audit.FactFromEvent(ev))
}

func (s *Service) logWriteFailure(logger *slog.Logger, op string, err error) {
	if errors.Is(err, ErrEventSequenceCollision) {
		integrityViolations.WithLabelValues("sequence_collision").Inc()
		logger.Error("event sequence collision", "operation", op, "error", err)
		return
	}
	if KindOf(err) == KindUnknown || errors.Is(err, ErrStoreFailure) {
		logger.Error("store write failed", "operation", op, "error", err)
	}
}

// wrapStoreError keeps classified errors intact and wraps everything else as
// a store failure.
func (s *Service) wrapStoreError(op string, err error) error {
	if KindOf(err) != KindUnknown {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
