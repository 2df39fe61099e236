package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// RelaySender posts pushes to an HTTP push relay that owns the APNs and FCM
// wire formats. Requests are rate limited with a token bucket.
type RelaySender struct {
	httpClient *http.Client
	url        string
	token      string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewRelaySender creates a relay sender allowing requestsPerMinute sends.
func NewRelaySender(url, token string, requestsPerMinute int, logger *slog.Logger) *RelaySender {
	if logger == nil {
		logger = slog.Default()
	}
	if requestsPerMinute <= 0 {
		requestsPerMinute = 600
	}
	rps := float64(requestsPerMinute) / 60.0
	return &RelaySender{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		url:        url,
		token:      token,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logger,
	}
}

type relayRequest struct {
	Token   string  `json:"token"`
	Payload Payload `json:"payload"`
}

type relayResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Send performs a rate-limited POST to the relay.
func (r *RelaySender) Send(ctx context.Context, token string, p Payload) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(relayRequest{Token: token, Payload: p})
	if err != nil {
		return "", fmt.Errorf("encode relay request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("relay returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var out relayResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode relay response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("relay rejected push: %s", out.Error)
	}
	r.logger.Debug("Relay accepted push", "notification_id", p.NotificationID, "message_id", out.MessageID)
	return out.MessageID, nil
}

// truncate returns a truncated string representation for error messages.
func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
