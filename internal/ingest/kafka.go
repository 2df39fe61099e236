// Package ingest consumes raw geofence crossings from a Kafka topic and
// hands them to the retry queue. Offsets are committed manually, only after
// the event is safely enqueued.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/albapepper/geonotify/internal/models"
	"github.com/albapepper/geonotify/internal/queue"
)

const (
	commitTimeout = 3 * time.Second
	retryBackoff  = time.Second
	maxBackoff    = 30 * time.Second
)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// Enqueuer accepts raw events for background processing.
type Enqueuer interface {
	EnqueueEvent(ctx context.Context, raw models.RawEvent) (string, error)
}

// Consumer reads raw events from Kafka.
type Consumer struct {
	reader Reader
	enq    Enqueuer
	logger *slog.Logger
}

// NewReader builds a consumer-group reader with manual commits.
func NewReader(brokers []string, topic, groupID string) *kgo.Reader {
	return kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
}

// NewConsumer creates a Consumer over r.
func NewConsumer(r Reader, enq Enqueuer, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: r, enq: enq, logger: logger}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error { return c.reader.Close() }

// Run consumes until ctx is cancelled or the queue closes. Transient
// enqueue failures leave the offset uncommitted and back off, so the
// message is redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Kafka consumer started")
	backoff := retryBackoff
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Kafka consumer stopped (context cancelled)")
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		err = c.HandleMessage(ctx, m)
		switch {
		case err == nil:
			backoff = retryBackoff
		case errors.Is(err, queue.ErrClosed):
			return nil
		default:
			c.logger.Warn("Kafka message not enqueued, backing off",
				"partition", m.Partition, "offset", m.Offset, "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// HandleMessage enqueues one message and commits it. Malformed or invalid
// events are committed and skipped, since redelivery cannot fix them. An
// error means the message was left uncommitted.
func (c *Consumer) HandleMessage(ctx context.Context, m kgo.Message) error {
	var raw models.RawEvent
	if err := json.Unmarshal(m.Value, &raw); err != nil {
		c.logger.Warn("Skipping malformed Kafka message", "offset", m.Offset, "error", err)
		return c.commit(ctx, m)
	}

	id, err := c.enq.EnqueueEvent(ctx, raw)
	if err != nil {
		if models.IsValidation(err) {
			c.logger.Warn("Skipping invalid Kafka event", "offset", m.Offset, "error", err)
			return c.commit(ctx, m)
		}
		return err
	}
	c.logger.Debug("Kafka event enqueued", "offset", m.Offset, "item_id", id)
	return c.commit(ctx, m)
}

func (c *Consumer) commit(ctx context.Context, m kgo.Message) error {
	cctx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()
	if err := c.reader.CommitMessages(cctx, m); err != nil {
		return fmt.Errorf("commit offset %d: %w", m.Offset, err)
	}
	return nil
}
