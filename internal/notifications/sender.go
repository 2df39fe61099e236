package notifications

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Payload is the transport-neutral content of a push.
type Payload struct {
	NotificationID string            `json:"notification_id"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Data           map[string]string `json:"data,omitempty"`
}

// Sender delivers one payload to one device token and returns the
// transport's message id. Errors are treated as transient.
type Sender interface {
	Send(ctx context.Context, token string, p Payload) (string, error)
}

// FCMSender sends push notifications via Firebase Cloud Messaging.
// Nil-safe: when not configured, Send is a no-op that reports success.
type FCMSender struct {
	credentialsFile string
	logger          *slog.Logger
}

// NewFCMSender creates an FCM sender from a service account credentials file.
// Returns nil if credentialsFile is empty (push disabled).
func NewFCMSender(credentialsFile string, logger *slog.Logger) *FCMSender {
	if credentialsFile == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FCMSender{
		credentialsFile: credentialsFile,
		logger:          logger,
	}
}

// Send logs the push. The FCM client itself is not wired in; the message id
// is generated locally.
func (s *FCMSender) Send(ctx context.Context, token string, p Payload) (string, error) {
	if s == nil {
		return "", nil
	}
	if token == "" {
		return "", fmt.Errorf("empty device token")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.logger.Info("FCM send (pending integration)",
		"notification_id", p.NotificationID,
		"title", p.Title,
		"body", p.Body,
	)
	return "fcm-" + uuid.NewString(), nil
}
