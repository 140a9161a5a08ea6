package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"chainWatchdog/internal/model"
)

// WebhookPayload is POSTed to generic webhooks. Text keeps chat services that only
// read a "text" field working.
type WebhookPayload struct {
	Text  string      `json:"text"`
	Alert model.Alert `json:"alert"`
}

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	Name    string
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// WebhookNotifier posts alerts as JSON.
type WebhookNotifier struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookNotifier validates cfg.
func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	if err := validateURL(cfg.URL); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	name := cfg.Name
	if name == "" {
		name = "webhook"
	}
	return &WebhookNotifier{
		name:    name,
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (n *WebhookNotifier) Name() string { return n.name }

// Send posts one alert.
func (n *WebhookNotifier) Send(ctx context.Context, alert model.Alert) error {
	body, err := json.Marshal(WebhookPayload{Text: alert.Text(), Alert: alert})
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("marshal webhook payload: %w", err)}
	}
	return postJSON(ctx, n.client, n.url, n.headers, body)
}
