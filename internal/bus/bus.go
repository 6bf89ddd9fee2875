// Package bus is the inter-process publish/subscribe transport that carries
// kill commands from scoring workers to API processes.
//
// Every implementation is at-most-once with no replay: a message published
// while a channel has no subscribers is lost, and a subscriber only sees
// messages published after Subscribe returned.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"blockremote/internal/config"
)

var ErrClosed = errors.New("bus: subscription closed")

// Bus publishes to and subscribes on named channels.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is active.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription receives messages for one channel.
type Subscription interface {
	// Next blocks until a message arrives or ctx is done. When ctx ends first
	// it returns ctx.Err(); any other error means the transport failed and the
	// subscription should be discarded.
	Next(ctx context.Context) ([]byte, error)
	// Close unsubscribes and releases the underlying connection.
	Close() error
}

func New(ctx context.Context, cfg config.BusConfig) (Bus, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return NewMemory(0), nil
	case "redis":
		return NewRedis(cfg.RedisURL)
	case "postgres", "postgresql":
		return NewPostgres(ctx, cfg.PostgresDSN)
	case "kafka":
		return NewKafka(cfg.Kafka.Brokers), nil
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", cfg.Driver)
	}
}

// ChannelFor is the channel (or topic) kill commands travel on.
func ChannelFor(cfg config.BusConfig) string {
	if strings.EqualFold(cfg.Driver, "kafka") && cfg.Kafka.Topic != "" {
		return cfg.Kafka.Topic
	}
	return cfg.Channel
}

// IsTimeout reports whether err only means the wait ended without a message.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
