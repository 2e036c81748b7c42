package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/clawhq/dispatcher/internal/config"
)

// WebhookChannel delivers notifications as a generic HTTP POST, used for
// any tracker-adjacent or custom receiver that isn't Slack.
type WebhookChannel struct {
	client *http.Client
}

// NewWebhookChannel returns a WebhookChannel with a bounded request timeout.
func NewWebhookChannel() *WebhookChannel {
	return &WebhookChannel{client: &http.Client{Timeout: 10 * time.Second}}
}

type webhookPayload struct {
	Text  string `json:"text"`
	HTML  string `json:"html,omitempty"`
	Color string `json:"color,omitempty"`
}

// Send posts plain (and, when present, rich) content as JSON to
// target.Target.
func (c *WebhookChannel) Send(ctx context.Context, target config.NotificationTarget, plain string, rich RichMessage) error {
	body, err := json.Marshal(webhookPayload{Text: plain, HTML: rich.HTML, Color: rich.Color})
	if err != nil {
		return fmt.Errorf("notify: encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
