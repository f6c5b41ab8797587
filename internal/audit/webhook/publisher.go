// Package webhook publishes audit facts to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultTimeout = 10 * time.Second

// Headers set on every delivery.
const (
	HeaderTopic      = "X-Audit-Topic"
	HeaderDetailType = "X-Audit-Detail-Type"
	HeaderTimestamp  = "X-Audit-Timestamp"
)

// Config holds webhook publisher configuration.
type Config struct {
	URL     string
	Timeout time.Duration
	// Headers are added to every request, e.g. an Authorization token.
	Headers map[string]string
}

// Publisher implements audit.Publisher by POSTing each fact as JSON.
type Publisher struct {
	config     Config
	httpClient *http.Client
}

// NewPublisher creates a new webhook publisher.
func NewPublisher(config Config) *Publisher {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &Publisher{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Publish delivers one fact.
func (p *Publisher) Publish(ctx context.Context, topic, detailType string, payload []byte, timestamp time.Time) error {
	if p.config.URL == "" {
		return &PermanentError{Message: "webhook URL is empty"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, bytes.NewReader(payload))
	if err != nil {
		return &PermanentError{Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTopic, topic)
	req.Header.Set(HeaderDetailType, detailType)
	req.Header.Set(HeaderTimestamp, timestamp.UTC().Format(time.RFC3339Nano))
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return p.handleResponse(resp)
}

// Close releases idle connections.
func (p *Publisher) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *Publisher) handleResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Debug("audit webhook delivered", "webhook", maskURL(p.config.URL))
		return nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return &RetryableError{
			Code:    resp.StatusCode,
			Message: "rate limited",
		}

	case resp.StatusCode >= 500:
		return &RetryableError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("server error: %s", string(body)),
		}

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: "webhook rejected credentials",
		}

	default:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("unexpected status: %s", string(body)),
		}
	}
}

// maskURL hides most of the URL for logging; webhook URLs often embed secrets.
func maskURL(url string) string {
	if len(url) > 40 {
		return url[:20] + "..." + url[len(url)-10:]
	}
	return url
}

// PermanentError is a delivery failure that will not succeed on retry.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("webhook error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("webhook error: %s", e.Message)
}

// IsRetryable returns false.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError is a temporary delivery failure.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("webhook error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("webhook error: %s", e.Message)
}

// IsRetryable returns true.
func (e *RetryableError) IsRetryable() bool { return true }
