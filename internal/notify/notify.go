// Package notify delivers admitted alerts to external channels.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"chainWatchdog/internal/model"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	userAgent          = "chain-watchdog/1"
)

// Notifier sends one alert. Implementations must honor ctx and must not retry
// internally; the dispatcher owns retries.
type Notifier interface {
	Name() string
	Send(ctx context.Context, alert model.Alert) error
}

// ErrDelivery is wrapped by every delivery failure.
var ErrDelivery = errors.New("delivery failed")

// DeliveryError carries whether a failure is worth retrying.
type DeliveryError struct {
	Err       error
	Retryable bool
}

func (e *DeliveryError) Error() string { return e.Err.Error() }

func (e *DeliveryError) Unwrap() []error { return []error{e.Err, ErrDelivery} }

// IsRetryable reports whether err is a transient failure. Errors that are not
// DeliveryErrors (connection resets, timeouts) count as transient.
func IsRetryable(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return true
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("webhook URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook URL must include a host")
	}
	return nil
}

// postJSON performs a single POST and classifies the response.
func postJSON(ctx context.Context, client *http.Client, target string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("post %s: %w", RedactURL(target), err), Retryable: true}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return &DeliveryError{
		Err:       fmt.Errorf("%s returned HTTP %d", RedactURL(target), resp.StatusCode),
		Retryable: retryable,
	}
}

// RedactURL masks credentials in a URL for safe logging.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	redacted := u.Redacted()
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			q.Set(key, "REDACTED")
		}
		r, err := url.Parse(redacted)
		if err != nil {
			return redacted
		}
		r.RawQuery = q.Encode()
		return r.String()
	}
	return redacted
}
