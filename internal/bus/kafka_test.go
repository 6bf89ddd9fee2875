package bus

import (
	"context"
	"errors"
	"testing"
)

func TestKafkaSubscribePositionsAtResolvedOffset(t *testing.T) {
	b := NewKafka([]string{"127.0.0.1:1"})
	defer b.Close()
	var asked string
	b.lastOffset = func(_ context.Context, topic string) (int64, error) {
		asked = topic
		return 17, nil
	}
	sub, err := b.Subscribe(context.Background(), "kill-switch")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if asked != "kill-switch" {
		t.Fatalf("offset looked up for %q", asked)
	}
	if got := sub.(*kafkaSub).reader.Offset(); got != 17 {
		t.Fatalf("reader offset %d, want 17", got)
	}
}

func TestKafkaSubscribeFailsWithoutOffset(t *testing.T) {
	b := NewKafka(nil)
	defer b.Close()
	if _, err := b.Subscribe(context.Background(), "kill-switch"); err == nil {
		t.Fatalf("expected error without brokers")
	}
	b.lastOffset = func(context.Context, string) (int64, error) {
		return 0, errors.New("leader not available")
	}
	if _, err := b.Subscribe(context.Background(), "kill-switch"); err == nil {
		t.Fatalf("expected lookup error to fail the subscription")
	}
}
