// Package notify publishes job notifications to the platform chat adapters
// over Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/opalhq/opal/internal/observability"
	"github.com/opalhq/opal/pkg/models"
)

// ChannelFor returns the pub/sub channel name for a platform.
func ChannelFor(platform string) string {
	return "notifications:" + platform
}

// Publisher is the publish-only side of the bus.
type Publisher interface {
	Publish(ctx context.Context, n models.Notification) error
}

// Bus is the Redis-backed Publisher.
type Bus struct {
	client  *redis.Client
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option customizes a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithMetrics enables publish metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates a Bus over an existing Redis client.
func NewBus(client *redis.Client, opts ...Option) *Bus {
	b := &Bus{client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "notify")
	return b
}

// Publish serializes the notification and publishes it on the platform's
// channel. Adapters subscribed to notifications:<platform> deliver it.
func (b *Bus) Publish(ctx context.Context, n models.Notification) error {
	if n.Platform == "" {
		return fmt.Errorf("notification missing platform")
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := b.client.Publish(ctx, ChannelFor(n.Platform), payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	if b.metrics != nil {
		b.metrics.Notifications.WithLabelValues(n.Platform).Inc()
	}
	b.logger.Debug("notification published",
		"platform", n.Platform, "channel", n.ChannelID, "job_id", n.JobID)
	return nil
}

// Subscribe returns a channel of decoded notifications for one platform.
// Used by in-process adapters and tests; production chat adapters subscribe
// from their own processes.
func (b *Bus) Subscribe(ctx context.Context, platform string) (<-chan models.Notification, error) {
	sub := b.client.Subscribe(ctx, ChannelFor(platform))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", ChannelFor(platform), err)
	}

	out := make(chan models.Notification)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var n models.Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					b.logger.Warn("dropping malformed notification", "error", err)
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
