package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vmoreau/didgate/internal/idgen"
	"github.com/vmoreau/didgate/internal/retry"
)

// Delivery retry policy. Rejections (4xx) are permanent; connection
// failures and 5xx responses are retried with backoff.
const (
	deliveryAttempts  = 3
	deliveryBaseDelay = 200 * time.Millisecond
)

// WebhookNotifier POSTs alerts as JSON to an operator endpoint with a
// bounded timeout.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier builds a notifier targeting url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// webhookEvent is the wire envelope for one alert delivery.
type webhookEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Alert     Alert     `json:"alert"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	event := webhookEvent{
		ID:        idgen.WithPrefix("alr_"),
		Type:      "auth.risk.critical",
		Timestamp: time.Now().UTC(),
		Alert:     a,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	return retry.Do(ctx, deliveryAttempts, deliveryBaseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(fmt.Errorf("build alert request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return fmt.Errorf("deliver alert: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(fmt.Errorf("alert endpoint rejected delivery with %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("alert endpoint returned %d", resp.StatusCode)
		}
		return nil
	})
}
