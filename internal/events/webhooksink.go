// Copyright 2025 James Ross
package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WebhookSink delivers events to a single HTTP endpoint, HMAC-signing the
// body when a secret is configured and rate-limiting outbound requests so
// a noisy tick never floods the receiver.
type WebhookSink struct {
	url     string
	secret  string
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewWebhookSink builds a webhook sink. ratePerSec <= 0 disables limiting.
func NewWebhookSink(url, secret string, ratePerSec float64, timeout time.Duration, log *zap.Logger) *WebhookSink {
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1)
	}
	return &WebhookSink{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		log:     log,
	}
}

func (s *WebhookSink) Publish(e Event) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.log.Warn("webhook sink dropped event: rate limited", zap.String("event_id", e.ID), zap.String("kind", string(e.Kind)))
		return
	}

	body, err := json.Marshal(e)
	if err != nil {
		s.log.Error("webhook sink failed to marshal event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.log.Error("webhook sink failed to build request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Autoscaler-Event", string(e.Kind))
	req.Header.Set("X-Autoscaler-Delivery", e.ID)
	if s.secret != "" {
		req.Header.Set("X-Autoscaler-Signature", sign(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("webhook sink delivery failed", zap.String("event_id", e.ID), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.log.Warn("webhook sink received non-2xx response",
			zap.String("event_id", e.ID), zap.Int("status", resp.StatusCode))
	}
}

func sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return fmt.Sprintf("sha256=%x", h.Sum(nil))
}
