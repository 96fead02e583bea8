package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bloodnet.org/internal/matching"
	"bloodnet.org/internal/obs"
)

// Log writes each rendered message to the structured log instead of
// sending it. Used when no transport is configured.
type Log struct {
	BaseURL string
}

var _ matching.Notifier = Log{}

func (l Log) NotifyMatch(ctx context.Context, donor matching.User, req matching.BloodRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := Render(donor, req, l.BaseURL)
	if err != nil {
		return err
	}
	obs.LogJSON("info", "match_notification", map[string]any{
		"to":         msg.To,
		"donor_id":   msg.DonorID,
		"request_id": msg.RequestID,
		"subject":    msg.Subject,
	})
	return nil
}

// Webhook POSTs the rendered message as JSON to a relay that owns actual
// delivery (mail, SMS). Any non-2xx response is a failed attempt.
type Webhook struct {
	URL     string
	BaseURL string
	Client  *http.Client
}

var _ matching.Notifier = (*Webhook)(nil)

// NewWebhook returns a webhook notifier with a bounded HTTP client.
func NewWebhook(url, baseURL string) *Webhook {
	return &Webhook{URL: url, BaseURL: baseURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *Webhook) NotifyMatch(ctx context.Context, donor matching.User, req matching.BloodRequest) error {
	msg, err := Render(donor, req, w.BaseURL)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ID+":"+donor.ID)

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
