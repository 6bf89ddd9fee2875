package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus uses Redis PUBLISH/SUBSCRIBE, which drops messages for channels
// without subscribers.
type RedisBus struct {
	client *redis.Client
}

func NewRedis(url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisFromClient(redis.NewClient(opts)), nil
}

func NewRedisFromClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	// wait for the subscribe confirmation so nothing published afterwards is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &redisSub{ps: ps, channel: channel, ch: ps.Channel()}, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSub struct {
	ps      *redis.PubSub
	channel string
	ch      <-chan *redis.Message
}

func (s *redisSub) Next(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, ErrClosed
		}
		return []byte(msg.Payload), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *redisSub) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.ps.Unsubscribe(ctx, s.channel)
	return s.ps.Close()
}
