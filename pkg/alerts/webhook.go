package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook delivery headers. The delivery ID is the alert ID, so receivers can
// drop retried deliveries.
const (
	HeaderWebhookEvent    = "X-SG-Event"
	HeaderWebhookDelivery = "X-SG-Delivery"
	HeaderWebhookSig      = "X-Signature-256"

	webhookEvent = "spend_threshold"
)

// WebhookNotifier posts threshold crossings to a generic HTTP endpoint.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookNotifier creates a generic webhook notifier.
// If secret is non-empty, requests are signed with HMAC-SHA256.
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	payload := webhookPayload{
		Event:     webhookEvent,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Scope:     scopeRef(alert),
		Date:      alert.Date,
		Level:     alert.Level,
		UsagePct:  alert.UsagePct(),
		Alert:     alert,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "spend-guard/1.0")
	req.Header.Set(HeaderWebhookEvent, webhookEvent)
	if alert.ID != "" {
		req.Header.Set(HeaderWebhookDelivery, alert.ID)
	}

	if w.secret != "" {
		req.Header.Set(HeaderWebhookSig, "sha256="+computeHMAC(body, []byte(w.secret)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d for %s alert on %s", resp.StatusCode, alert.Level, scopeRef(alert))
	}
	return nil
}

type webhookPayload struct {
	Event     string     `json:"event"`
	Timestamp string     `json:"timestamp"`
	Scope     string     `json:"scope"`
	Date      string     `json:"date"`
	Level     AlertLevel `json:"level"`
	UsagePct  float64    `json:"usage_pct"`
	Alert     Alert      `json:"alert"`
}

// scopeRef renders the scope as "global", "project:p1" or "user:u1".
func scopeRef(a Alert) string {
	if a.ScopeID == "" {
		return a.Scope
	}
	return a.Scope + ":" + a.ScopeID
}

func computeHMAC(message, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}
