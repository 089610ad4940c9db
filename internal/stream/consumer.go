// Package stream consumes events from a Redis stream through a consumer
// group, stores them and fans them out to live subscribers.
package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-stream-gateway/internal/domain"
	"github.com/sirosfoundation/go-stream-gateway/internal/metrics"
	"github.com/sirosfoundation/go-stream-gateway/internal/storage"
	"github.com/sirosfoundation/go-stream-gateway/pkg/config"
)

// Message fields read from each stream entry
const (
	FieldType = "type"
	FieldData = "data"
)

// Broadcaster receives every newly stored event
type Broadcaster interface {
	BroadcastJSON(v any) error
}

// Notification is what live subscribers receive for each event
type Notification struct {
	Type  string        `json:"type"`
	Event *domain.Event `json:"event"`
}

// NewClient creates a Redis client for the stream
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Consumer reads the configured stream as a member of a consumer group
type Consumer struct {
	client   *redis.Client
	cfg      config.StreamConfig
	consumer string
	events   storage.EventStore
	sink     Broadcaster
	logger   *zap.Logger
	clock    clockwork.Clock
}

// NewConsumer creates a consumer. sink may be nil.
func NewConsumer(client *redis.Client, cfg config.StreamConfig, events storage.EventStore, sink Broadcaster, logger *zap.Logger) *Consumer {
	if cfg.Batch <= 0 {
		cfg.Batch = 32
	}
	// blocking reads are only interrupted by their own timeout
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	name := cfg.Consumer
	if name == "" {
		name = defaultConsumerName()
	}
	return &Consumer{
		client:   client,
		cfg:      cfg,
		consumer: name,
		events:   events,
		sink:     sink,
		logger:   logger.Named("stream").With(zap.String("stream", cfg.Stream), zap.String("consumer", name)),
		clock:    clockwork.NewRealClock(),
	}
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gateway"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (c *Consumer) Name() string { return "stream-consumer" }

// ConsumerName returns the name used within the consumer group
func (c *Consumer) ConsumerName() string { return c.consumer }

// Run consumes until ctx is done or an error occurs. Entries left pending by
// an earlier run of this consumer are processed first.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	c.logger.Info("Consuming stream", zap.String("group", c.cfg.Group))

	// "0" replays this consumer's pending entries, ">" asks for new ones
	id := "0"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		args := &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.consumer,
			Streams:  []string{c.cfg.Stream, id},
			Count:    c.cfg.Batch,
			Block:    -1,
		}
		if id == ">" {
			args.Block = c.cfg.Block
		}

		streams, err := c.client.XReadGroup(ctx, args).Result()
		if errors.Is(err, redis.Nil) {
			id = ">"
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream %s: %w", c.cfg.Stream, err)
		}

		received := 0
		for _, s := range streams {
			for _, msg := range s.Messages {
				received++
				if err := c.handle(ctx, msg); err != nil {
					return err
				}
			}
		}

		if id == "0" && received == 0 {
			id = ">"
		}
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", c.cfg.Group, err)
	}
	return nil
}

// handle stores one entry and acknowledges it. Entries that can never be
// stored are acknowledged and dropped; storage failures leave the entry
// pending and stop the run.
func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) error {
	logger := c.logger.With(zap.String("message_id", msg.ID))

	eventType, _ := msg.Values[FieldType].(string)
	data, _ := msg.Values[FieldData].(string)

	event, err := domain.NewEvent(c.cfg.Stream, msg.ID, eventType, []byte(data), c.clock.Now())
	if err != nil {
		metrics.StreamMessages.WithLabelValues(metrics.MessageRejected).Inc()
		logger.Warn("Rejected stream message", zap.Error(err))
		return c.ack(ctx, msg.ID)
	}

	err = c.events.Insert(ctx, event)
	switch {
	case errors.Is(err, storage.ErrAlreadyExists):
		metrics.StreamMessages.WithLabelValues(metrics.MessageDuplicate).Inc()
		logger.Debug("Stream message already stored")
		return c.ack(ctx, msg.ID)
	case err != nil:
		metrics.StreamMessages.WithLabelValues(metrics.MessageFailed).Inc()
		return fmt.Errorf("failed to store message %s: %w", msg.ID, err)
	}

	metrics.StreamMessages.WithLabelValues(metrics.MessageStored).Inc()
	if c.sink != nil {
		if err := c.sink.BroadcastJSON(Notification{Type: "event", Event: event}); err != nil {
			logger.Warn("Failed to broadcast event", zap.Error(err))
		}
	}
	return c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", id, err)
	}
	return nil
}
