package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"blockremote/internal/config"
)

func TestMemoryFanOut(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(4)
	a, _ := b.Subscribe(ctx, "kill-switch")
	c, _ := b.Subscribe(ctx, "kill-switch")
	other, _ := b.Subscribe(ctx, "other")
	if err := b.Publish(ctx, "kill-switch", []byte("m1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, sub := range []Subscription{a, c} {
		got, err := sub.Next(ctx)
		if err != nil || string(got) != "m1" {
			t.Fatalf("subscriber %d: %q %v", i, got, err)
		}
	}
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := other.Next(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("other channel must not receive, got %v", err)
	}
}

func TestMemoryNoReplay(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(4)
	if err := b.Publish(ctx, "kill-switch", []byte("lost")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	sub, _ := b.Subscribe(ctx, "kill-switch")
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if got, err := sub.Next(waitCtx); err == nil {
		t.Fatalf("message published before subscribe was replayed: %q", got)
	}
}

func TestMemoryUnsubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(4)
	sub, _ := b.Subscribe(ctx, "kill-switch")
	if b.Subscribers("kill-switch") != 1 {
		t.Fatalf("expected one subscriber")
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if b.Subscribers("kill-switch") != 0 {
		t.Fatalf("expected no subscribers after close")
	}
	if _, err := sub.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	_ = sub.Close()
}

func TestMemoryPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(1)
	sub, _ := b.Subscribe(ctx, "c")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = b.Publish(ctx, "c", []byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
	if _, err := sub.Next(ctx); err != nil {
		t.Fatalf("expected buffered message: %v", err)
	}
}

func TestMemoryClosedBus(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(1)
	sub, _ := b.Subscribe(ctx, "c")
	_ = b.Close()
	if _, err := sub.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := b.Publish(ctx, "c", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on publish, got %v", err)
	}
}

func TestChannelFor(t *testing.T) {
	if got := ChannelFor(config.BusConfig{Driver: "redis", Channel: "kill-switch"}); got != "kill-switch" {
		t.Fatalf("redis channel: %s", got)
	}
	if got := ChannelFor(config.BusConfig{Driver: "kafka", Channel: "kill-switch", Kafka: config.KafkaConfig{Topic: "ks-topic"}}); got != "ks-topic" {
		t.Fatalf("kafka channel: %s", got)
	}
}
