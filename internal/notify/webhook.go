package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook posts a JSON payload to a configured URL for every notified
// event, one POST per event.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a Webhook notifier posting to url.
func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Name returns the provider name for logging.
func (w *Webhook) Name() string { return "webhook" }

// Send POSTs event as JSON to the configured URL.
func (w *Webhook) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(webhookPayload{
		Type:      string(event.Type),
		AgentID:   event.AgentID,
		Error:     event.Error,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post: unexpected status %d", resp.StatusCode)
	}
	return nil
}

type webhookPayload struct {
	Type      string `json:"type"`
	AgentID   string `json:"agent_id"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}
