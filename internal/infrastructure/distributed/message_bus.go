package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pdfcast/internal/core/domain"
	"pdfcast/internal/infrastructure/signal"
)

const channel = "pdfcast:forward"

// envelope is what travels over the Redis channel: a signaling message and
// the connections it is meant for. Every node receives every envelope and
// delivers to the connections it owns.
type envelope struct {
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Targets    []domain.ConnID `json:"targets"`
	Message    signal.Message  `json:"message"`
}

// MessageBus forwards signaling messages between nodes over Redis pub/sub.
// With a shared Redis session registry, a stream's host and viewers can sit
// on different signaling nodes; the bus closes that gap.
type MessageBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
}

func NewMessageBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *MessageBus {
	return &MessageBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

// Forward publishes a message for connections this node does not own.
func (b *MessageBus) Forward(ctx context.Context, targets []domain.ConnID, msg signal.Message) error {
	data, err := json.Marshal(envelope{
		InstanceID: b.instanceID,
		Timestamp:  time.Now(),
		Targets:    targets,
		Message:    msg,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal forward envelope: %w", err)
	}

	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish forward envelope: %w", err)
	}

	b.logger.Debugw("forwarded message", "type", msg.Type, "targets", len(targets))
	return nil
}

// Run subscribes and hands incoming messages to deliver, one call per
// target. Envelopes published by this instance are skipped. Blocks until
// ctx is cancelled.
func (b *MessageBus) Run(ctx context.Context, deliver func(domain.ConnID, signal.Message)) error {
	pubsub := b.client.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("forward channel closed")
			}

			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warnw("malformed forward envelope", "error", err)
				continue
			}
			if env.InstanceID == b.instanceID {
				continue
			}

			for _, target := range env.Targets {
				deliver(target, env.Message)
			}
		}
	}
}
