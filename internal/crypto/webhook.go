package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
)

// WebhookSigner signs outbound webhook deliveries so receivers can verify
// they came from this engine. The signature is HMAC-SHA256 over
// timestamp || body, base64 standard-encoded.
type WebhookSigner struct {
	secret []byte
}

// NewWebhookSigner creates a signer with the shared secret.
func NewWebhookSigner(secret string) *WebhookSigner {
	return &WebhookSigner{secret: []byte(secret)}
}

// Headers returns the delivery headers for a webhook body at the given Unix
// timestamp.
//
// Returned header keys:
//   - X-Settle-Timestamp
//   - X-Settle-Signature
func (w *WebhookSigner) Headers(body []byte, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	mac := hmac.New(sha256.New, w.secret)
	mac.Write([]byte(ts))
	mac.Write(body)
	return map[string]string{
		"X-Settle-Timestamp": ts,
		"X-Settle-Signature": base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}
}

// VerifyHeader checks a signature produced by Headers. Receivers embed this
// check; it is also what the notifier tests use.
func (w *WebhookSigner) VerifyHeader(body []byte, ts, signature string) bool {
	mac := hmac.New(sha256.New, w.secret)
	mac.Write([]byte(ts))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
