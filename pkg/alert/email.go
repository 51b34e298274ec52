// Package alert formats and delivers geofence notifications and records
// the audit trail
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/postrack/postrack/pkg/logx"
)

// Sender delivers one email; any 2xx response counts as success
type Sender interface {
	Send(ctx context.Context, to, subject, html string) error
}

// EmailClient posts messages to the transactional email service
type EmailClient struct {
	endpoint string
	apiKey   string
	from     string
	fromName string
	http     *http.Client
	logger   *logx.Logger
}

type emailRequest struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	HTML     string `json:"html"`
	From     string `json:"from"`
	FromName string `json:"fromName"`
	APIKey   string `json:"apiKey,omitempty"`
}

// NewEmailClient creates an email client with a short timeout; email
// delivery is best effort and never blocks the run for long.
func NewEmailClient(endpoint, apiKey, from, fromName string, logger *logx.Logger) *EmailClient {
	return &EmailClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		from:     from,
		fromName: fromName,
		http:     &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

// Send posts one message. A missing endpoint configuration is an error the
// dispatcher degrades to logged-and-counted.
func (e *EmailClient) Send(ctx context.Context, to, subject, html string) error {
	if e.endpoint == "" {
		return fmt.Errorf("alert: email endpoint not configured")
	}

	body, err := json.Marshal(emailRequest{
		To:       to,
		Subject:  subject,
		HTML:     html,
		From:     e.from,
		FromName: e.fromName,
		APIKey:   e.apiKey,
	})
	if err != nil {
		return fmt.Errorf("alert: encode email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: build email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("alert: send email to %s: %w", to, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert: email service returned %d for %s", resp.StatusCode, to)
	}
	return nil
}
