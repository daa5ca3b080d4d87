package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/velobridge/settle/internal/crypto"
)

// WebhookSender delivers events as signed JSON POSTs to an operator-owned
// endpoint. Each delivery carries X-Settle-Timestamp and X-Settle-Signature
// headers the receiver verifies against the shared secret.
type WebhookSender struct {
	url    string
	signer *crypto.WebhookSigner
	client *http.Client
	now    func() time.Time
}

// NewWebhookSender creates a WebhookSender posting to url with deliveries
// signed by the shared secret. It uses a default HTTP client with a
// 10-second timeout.
func NewWebhookSender(url, secret string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		signer: crypto.NewWebhookSigner(secret),
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (w *WebhookSender) SetClock(now func() time.Time) { w.now = now }

// Send posts one event to the webhook endpoint.
func (w *WebhookSender) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.signer.Headers(body, w.now().Unix()) {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// Name returns the sender identifier.
func (w *WebhookSender) Name() string {
	return "webhook"
}

var _ Sender = (*WebhookSender)(nil)
