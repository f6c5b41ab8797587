package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext_DefaultsToGlobalLogger(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}

func TestWith_AccumulatesAttributes(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithLogger(context.Background(), base.With("request_id", "req-1"))
	ctx = With(ctx, "actor", "alice")
	ctx = WithIncident(ctx, "inc-1")

	FromContext(ctx).Info("transitioned")

	out := buf.String()
	assert.Contains(t, out, `"request_id":"req-1"`)
	assert.Contains(t, out, `"actor":"alice"`)
	assert.Contains(t, out, `"incident_id":"inc-1"`)
}

func TestWith_NoArgsKeepsContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, With(ctx))
}
