package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/realtime-gate/internal/domain"
)

const defaultWebhookTimeout = 10 * time.Second

type webhookRequest struct {
	EventID    string     `json:"eventId"`
	Type       string     `json:"type"`
	UserID     string     `json:"userId"`
	Reason     string     `json:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// WebhookError describes a rejected or failed webhook call.
type WebhookError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *WebhookError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 3)
	parts = append(parts, "moderation webhook error")
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *WebhookError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// WebhookSink notifies an external moderation endpoint about block changes.
// Violations are not forwarded.
type WebhookSink struct {
	client   *resty.Client
	endpoint string
}

func NewWebhookSink(endpoint string) (*WebhookSink, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)

	return NewWebhookSinkWithClient(endpoint, client)
}

func NewWebhookSinkWithClient(endpoint string, client *resty.Client) (*WebhookSink, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookSink{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Write(ctx context.Context, event domain.AuditEvent) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("webhook sink is not initialized")
	}
	if event.Type != domain.AuditBlocked && event.Type != domain.AuditUnblocked {
		return nil
	}

	reqBody := webhookRequest{
		EventID:    event.ID,
		Type:       event.Type.String(),
		UserID:     event.UserID,
		Reason:     event.Reason,
		ExpiresAt:  event.ExpiresAt,
		OccurredAt: event.CreatedAt.UTC(),
	}

	response, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Event-ID", event.ID).
		SetBody(reqBody).
		Post(s.endpoint)
	if err != nil {
		msg := "webhook request failed"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "webhook request timed out"
		}
		return &WebhookError{Message: msg, Cause: err}
	}
	if response == nil {
		return &WebhookError{Message: "webhook returned empty response"}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}

	return &WebhookError{
		StatusCode: statusCode,
		Message:    strings.TrimSpace(response.String()),
	}
}
