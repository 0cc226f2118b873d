package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity classifies an operator notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Message is a single operator notification. Alerting is strictly best-effort:
// a failed delivery must never affect control flow in the caller.
type Message struct {
	ID       string            `json:"id"`
	Severity Severity          `json:"severity"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Fields   map[string]string `json:"fields,omitempty"`
	SentAt   time.Time         `json:"sent_at"`
}

// Sink delivers notifications. Implementations swallow their own errors.
type Sink interface {
	Send(ctx context.Context, msg Message)
}

// NopSink discards every message.
type NopSink struct{}

// Send implements Sink.
func (NopSink) Send(context.Context, Message) {}

// WebhookSink POSTs messages as JSON to a configured endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookSink constructs a sink; an empty URL yields a no-op sink so
// callers never need to branch on configuration.
func NewWebhookSink(url string, logger *slog.Logger) Sink {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSink{
		url:    trimmed,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// Send delivers the message, filling in id and timestamp when absent.
// Failures are logged and swallowed.
func (s *WebhookSink) Send(ctx context.Context, msg Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("alert marshal failed", "error", err.Error())
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		s.logger.Warn("alert request build failed", "error", err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("alert delivery failed", "error", err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Warn("alert endpoint rejected message", "status", resp.StatusCode)
	}
}
