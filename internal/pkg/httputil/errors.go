package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/incident-engine/internal/pkg/ctxlog"
)

// ErrorMapping defines how a domain error maps to an HTTP response.
// Mappings are tried in order and the first whose Error matches wins.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // if empty, uses err.Error()

	// Details builds the "details" member from the matched error.
	Details func(err error) interface{}
	// Headers are set before the status is written.
	Headers map[string]string
	// LogError logs the error with the request logger.
	LogError bool
}

// HandleError maps a domain error to an HTTP response using provided mappings.
// If no mapping matches, logs the error and returns 500 Internal Server Error.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if !errors.Is(err, m.Error) {
			continue
		}
		if m.LogError {
			ctxlog.FromContext(ctx).Error("request failed",
				"status", m.Status,
				"error", err,
			)
		}
		for k, v := range m.Headers {
			w.Header().Set(k, v)
		}

		msg := m.Message
		if msg == "" {
			msg = err.Error()
		}
		if m.Details != nil {
			ErrorWithDetails(w, m.Status, msg, m.Details(err))
			return
		}
		Error(w, m.Status, msg)
		return
	}
	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
