// Package webhook posts signed lifecycle events to an external endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"liveconsult-backend/pkg/resilience"
)

// Header names sent with every delivery
const (
	HeaderEventID   = "X-Webhook-Event-Id"
	HeaderEventName = "X-Webhook-Event"
	HeaderSignature = "X-Webhook-Signature"
)

// Client delivers events at most once. Failed deliveries are not retried.
type Client struct {
	url     string
	secret  []byte
	http    *http.Client
	breaker *resilience.CircuitBreaker
}

// NewClient creates a webhook client. reg may be nil.
func NewClient(url, secret string, timeout time.Duration, reg prometheus.Registerer) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		url:    url,
		secret: []byte(secret),
		http:   &http.Client{Timeout: timeout},
		breaker: resilience.NewCircuitBreaker("webhook", resilience.Config{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			Timeout:          timeout,
		}, reg),
	}
}

// Send posts payload as JSON. The body is signed with HMAC-SHA256 when a secret is set.
func (c *Client) Send(ctx context.Context, eventID, eventName string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	return c.breaker.Execute(ctx, eventName, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEventID, eventID)
		req.Header.Set(HeaderEventName, eventName)
		if len(c.secret) > 0 {
			req.Header.Set(HeaderSignature, "sha256="+Sign(c.secret, body))
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("webhook delivery failed: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	})
}

// State exposes the breaker state for health reporting
func (c *Client) State() resilience.CircuitBreakerState {
	return c.breaker.State()
}

// Sign returns the hex HMAC-SHA256 of body
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value produced by Send
func Verify(secret, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	return hmac.Equal([]byte(header[len(prefix):]), []byte(Sign(secret, body)))
}
