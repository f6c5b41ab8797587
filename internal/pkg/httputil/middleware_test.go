package httputil

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/bissquit/incident-engine/internal/pkg/ctxlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubValidator struct {
	userID string
	role   domain.Role
	err    error
}

func (v stubValidator) ValidateToken(_ context.Context, _ string) (string, domain.Role, error) {
	return v.userID, v.role, v.err
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		validator  stubValidator
		wantStatus int
	}{
		{"missing header", "", stubValidator{}, http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", stubValidator{}, http.StatusUnauthorized},
		{"rejected token", "Bearer abc", stubValidator{err: errors.New("expired")}, http.StatusUnauthorized},
		{"valid token", "Bearer abc", stubValidator{userID: "alice", role: domain.RoleOperator}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUser string
			var gotRole domain.Role
			h := AuthMiddleware(tt.validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUser = GetUserID(r.Context())
				gotRole = GetRole(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "alice", gotUser)
				assert.Equal(t, domain.RoleOperator, gotRole)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	t.Run("no role in context", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RequireRole(domain.RoleOperator)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("insufficient role", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(context.WithValue(req.Context(), RoleKey, domain.RoleViewer))
		rec := httptest.NewRecorder()
		RequireRole(domain.RoleOperator)(ok).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("higher role passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(context.WithValue(req.Context(), RoleKey, domain.RoleApprover))
		rec := httptest.NewRecorder()
		RequireRole(domain.RoleOperator)(ok).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAccessLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, accessLevel(http.StatusCreated))
	assert.Equal(t, slog.LevelWarn, accessLevel(http.StatusConflict))
	assert.Equal(t, slog.LevelError, accessLevel(http.StatusServiceUnavailable))
}

func TestRequestLogger_WithActor(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxlog.FromContext(r.Context()).Info("handled")
		w.WriteHeader(http.StatusConflict)
	})
	h := RequestLoggerMiddleware(base)(
		AuthMiddleware(stubValidator{userID: "bob", role: domain.RoleApprover})(WithActor(inner)),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents", nil)
	req.Header.Set("Authorization", "Bearer t")
	req.Header.Set("Idempotency-Key", "k-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	out := buf.String()
	assert.Contains(t, out, `"msg":"handled"`)
	assert.Contains(t, out, `"actor":"bob"`)
	assert.Contains(t, out, `"role":"approver"`)
	assert.Contains(t, out, `"level":"WARN","msg":"http request"`)
	assert.Contains(t, out, `"idempotency_key":"k-1"`)
}
