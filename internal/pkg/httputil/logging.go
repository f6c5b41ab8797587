package httputil

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/incident-engine/internal/pkg/ctxlog"
	"github.com/go-chi/chi/v5/middleware"
)

// RequestLoggerMiddleware injects a logger carrying request_id into the
// request context and writes one access log line per request. Server errors
// log at error level, client errors at warn.
func RequestLoggerMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := middleware.GetReqID(r.Context())
			logger := base.With("request_id", reqID)
			ctx := ctxlog.WithLogger(r.Context(), logger)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			logger.Log(r.Context(), accessLevel(ww.Status()), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"idempotency_key", r.Header.Get("Idempotency-Key"),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

func accessLevel(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// WithActor adds the authenticated principal to the request logger. It must
// run after AuthMiddleware.
func WithActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if actor := GetUserID(ctx); actor != "" {
			ctx = ctxlog.With(ctx, "actor", actor, "role", string(GetRole(ctx)))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

