package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewPublisher_Defaults(t *testing.T) {
	p := NewPublisher(Config{URL: "http://example.invalid"})
	assert.Equal(t, defaultTimeout, p.config.Timeout)
}

func TestPublisher_Publish_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "incident-events", r.Header.Get(HeaderTopic))
		assert.Equal(t, "Incident Created", r.Header.Get(HeaderDetailType))
		assert.Equal(t, "2026-03-01T12:00:00Z", r.Header.Get(HeaderTimestamp))
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"incident_id":"inc-1"}`, string(body))

		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	p := NewPublisher(Config{URL: server.URL, Headers: map[string]string{"Authorization": "Bearer s3cret"}})
	err := p.Publish(context.Background(), "incident-events", "Incident Created", []byte(`{"incident_id":"inc-1"}`), ts)
	assert.NoError(t, err)
}

func TestPublisher_Publish_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
		{"not found", http.StatusNotFound, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"unavailable", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			p := NewPublisher(Config{URL: server.URL})
			err := p.Publish(context.Background(), "t", "d", []byte(`{}`), ts)
			require.Error(t, err)

			r, ok := err.(interface{ IsRetryable() bool })
			require.True(t, ok)
			assert.Equal(t, tt.retryable, r.IsRetryable())
		})
	}
}

func TestPublisher_Publish_EmptyURL(t *testing.T) {
	err := NewPublisher(Config{}).Publish(context.Background(), "t", "d", nil, ts)

	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.False(t, perm.IsRetryable())
}

func TestPublisher_Publish_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	err := NewPublisher(Config{URL: url, Timeout: time.Second}).Publish(context.Background(), "t", "d", []byte(`{}`), ts)

	var retry *RetryableError
	require.ErrorAs(t, err, &retry)
}

func TestMaskURL(t *testing.T) {
	assert.Equal(t, "http://short", maskURL("http://short"))
	masked := maskURL("https://hooks.example.com/services/T000/B000/XXXXXXXXXXXXXXXX")
	assert.Equal(t, "https://hooks.exampl...XXXXXXXXXX", masked)
}
