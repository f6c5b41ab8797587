package incidents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/bissquit/incident-engine/internal/idempotency"
	"github.com/bissquit/incident-engine/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// IdempotencyKeyHeader carries the caller's idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxIdempotencyKeyLength = 255

// Engine is the part of Service the HTTP layer uses.
type Engine interface {
	CreateIncident(ctx context.Context, input CreateIncidentInput, actor, key string) (*CreateResult, error)
	RequestTransition(ctx context.Context, incidentID string, target domain.State, reason, actor string) (*domain.Incident, error)
	ProcessApproval(ctx context.Context, incidentID string, action domain.ApprovalAction, reason, actor string) (*domain.Incident, error)
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]*domain.Incident, error)
	ListEvents(ctx context.Context, incidentID string) ([]*domain.EventRecord, error)
	Replay(ctx context.Context, incidentID string) (*ReplayResult, error)
}

// Handler handles HTTP requests for the incidents module.
type Handler struct {
	engine    Engine
	validator *validator.Validate
}

// NewHandler creates a new incidents handler.
func NewHandler(engine Engine) *Handler {
	return &Handler{
		engine:    engine,
		validator: NewValidator(),
	}
}

// RegisterRoutes registers read-only routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/incidents", h.ListIncidents)
	r.Get("/incidents/{id}", h.GetIncident)
	r.Get("/incidents/{id}/events", h.ListEvents)
}

// RegisterOperatorRoutes registers routes that require operator role.
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/incidents", h.CreateIncident)
	r.Post("/incidents/{id}/transitions", h.RequestTransition)
	r.Post("/incidents/{id}/replay", h.Replay)
}

// RegisterApproverRoutes registers routes that require approver role.
func (h *Handler) RegisterApproverRoutes(r chi.Router) {
	r.Post("/incidents/{id}/approval", h.ProcessApproval)
}

// CreateIncidentRequest represents the request body for creating an incident.
type CreateIncidentRequest struct {
	Service     string `json:"service" validate:"required,min=1,max=128,storable"`
	Severity    string `json:"severity" validate:"required"`
	Title       string `json:"title" validate:"required,min=1,max=255,storable"`
	Description string `json:"description" validate:"max=4096,storable"`
}

// CreateIncidentResponse is the body of a successful creation.
type CreateIncidentResponse struct {
	Incident *domain.Incident `json:"incident"`
	Replayed bool             `json:"replayed"`
}

// TransitionRequest represents the request body for a state transition.
type TransitionRequest struct {
	TargetState string `json:"target_state" validate:"required"`
	Reason      string `json:"reason" validate:"max=1024,storable"`
}

// ApprovalRequest represents the request body for an approval decision.
type ApprovalRequest struct {
	Action string `json:"action" validate:"required,oneof=APPROVE REJECT"`
	Reason string `json:"reason" validate:"max=1024,storable"`
}

// CreateIncident handles POST /incidents request.
func (h *Handler) CreateIncident(w http.ResponseWriter, r *http.Request) {
	var req CreateIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if len(key) > maxIdempotencyKeyLength {
		httputil.Error(w, http.StatusBadRequest, "idempotency key is too long")
		return
	}
	if !IsStorable(key) {
		httputil.Error(w, http.StatusBadRequest, "idempotency key contains invalid characters")
		return
	}

	input := CreateIncidentInput{
		Service:     req.Service,
		Severity:    domain.Severity(req.Severity),
		Title:       req.Title,
		Description: req.Description,
	}

	result, err := h.engine.CreateIncident(r.Context(), input, httputil.GetUserID(r.Context()), key)
	if err != nil {
		h.handleError(r.Context(), w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	httputil.Success(w, status, CreateIncidentResponse{Incident: result.Incident, Replayed: result.Replayed})
}

// GetIncident handles GET /incidents/{id} request.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.engine.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(r.Context(), w, err)
		return
	}
	httputil.Success(w, http.StatusOK, inc)
}

// ListIncidents handles GET /incidents request.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	filter := IncidentFilter{Limit: DefaultListLimit}

	if s := r.URL.Query().Get("state"); s != "" {
		state := domain.State(strings.ToUpper(s))
		filter.State = &state
	}
	if s := r.URL.Query().Get("service"); s != "" {
		filter.Service = &s
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit > MaxListLimit {
			limit = MaxListLimit
		}
		filter.Limit = limit
	}

	list, err := h.engine.ListIncidents(r.Context(), filter)
	if err != nil {
		h.handleError(r.Context(), w, err)
		return
	}
	httputil.Success(w, http.StatusOK, list)
}

// ListEvents handles GET /incidents/{id}/events request.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := h.engine.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(r.Context(), w, err)
		return
	}
	httputil.Success(w, http.StatusOK, evs)
}

// RequestTransition handles POST /incidents/{id}/transitions request.
func (h *Handler) RequestTransition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	inc, err := h.engine.RequestTransition(
		r.Context(),
		chi.URLParam(r, "id"),
		domain.State(strings.ToUpper(req.TargetState)),
		req.Reason,
		httputil.GetUserID(r.Context()),
	)
	if err != nil {
		h.handleError(r.Context(), w, err)
		return
	}
	httputil.Success(w, http.StatusOK, inc)
}

// ProcessApproval handles POST /incidents/{id}/approval request.
func (h *Handler) ProcessApproval(w http.ResponseWriter, r *http.Request) {
	var req ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Action = strings.ToUpper(req.Action)

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	inc, err := h.engine.ProcessApproval(
		r.Context(),
		chi.URLParam(r, "id"),
		domain.ApprovalAction(req.Action),
		req.Reason,
		httputil.GetUserID(r.Context()),
	)
	if err != nil {
		h.handleError(r.Context(), w, err)
		return
	}
	httputil.Success(w, http.StatusOK, inc)
}

// Replay handles POST /incidents/{id}/replay request.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(r.Context(), w, err)
		return
	}
	httputil.Success(w, http.StatusOK, result)
}

// handleError maps error kinds to HTTP responses.
// errorMappings follows the precedence of KindOf.
var errorMappings = []httputil.ErrorMapping{
	{Error: ErrReplayIntegrity, Status: http.StatusInternalServerError, LogError: true},
	{Error: ErrEventSequenceCollision, Status: http.StatusInternalServerError, LogError: true},
	{Error: ErrValidation, Status: http.StatusBadRequest, Message: "validation error", Details: httputil.ValidationDetails},
	{Error: ErrIncidentNotFound, Status: http.StatusNotFound, Message: ErrIncidentNotFound.Error()},
	{Error: ErrInvalidTransition, Status: http.StatusBadRequest, Details: invalidTransitionDetails},
	{Error: ErrVersionConflict, Status: http.StatusConflict, Details: conflictDetails},
	{Error: ErrResolutionAlreadySet, Status: http.StatusConflict, Details: conflictDetails},
	{Error: ErrIncidentExists, Status: http.StatusConflict, Details: conflictDetails},
	{Error: idempotency.ErrKeyConflict, Status: http.StatusConflict, Details: idempotencyConflictDetails},
	{Error: ErrRequestInProgress, Status: http.StatusAccepted, Headers: map[string]string{"Retry-After": "1"}},
	{Error: ErrStoreFailure, Status: http.StatusServiceUnavailable, Message: "storage temporarily unavailable", LogError: true},
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	httputil.HandleError(ctx, w, err, errorMappings)
}

func invalidTransitionDetails(err error) interface{} {
	details := map[string]interface{}{}
	if ite, ok := asInvalidTransition(err); ok {
		details["from"] = ite.From
		details["to"] = ite.To
		details["allowed"] = ite.Allowed
	}
	return details
}

func conflictDetails(err error) interface{} {
	details := map[string]interface{}{}
	if ce, ok := asConflict(err); ok {
		details["expected_version"] = ce.ExpectedVersion
		details["actual_version"] = ce.ActualVersion
	}
	return details
}

func idempotencyConflictDetails(err error) interface{} {
	details := map[string]interface{}{}
	if ce, ok := asIdempotencyConflict(err); ok && ce.IncidentID != "" {
		details["incident_id"] = ce.IncidentID
	}
	return details
}

func asInvalidTransition(err error) (*InvalidTransitionError, bool) {
	var target *InvalidTransitionError
	ok := errors.As(err, &target)
	return target, ok
}

func asConflict(err error) (*ConflictError, bool) {
	var target *ConflictError
	ok := errors.As(err, &target)
	return target, ok
}

func asIdempotencyConflict(err error) (*idempotency.ConflictError, bool) {
	var target *idempotency.ConflictError
	ok := errors.As(err, &target)
	return target, ok
}
