package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaBus publishes to a topic and subscribes without a consumer group,
// starting at the partition's latest offset so earlier messages are never
// replayed. Kill-command topics are expected to have a single partition.
type KafkaBus struct {
	brokers []string
	writer  *kafka.Writer
	// lastOffset reports the next offset of partition 0 of a topic.
	lastOffset func(ctx context.Context, topic string) (int64, error)
}

func NewKafka(brokers []string) *KafkaBus {
	b := &KafkaBus{
		brokers: brokers,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
	b.lastOffset = b.leaderLastOffset
	return b
}

func (b *KafkaBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.writer.WriteMessages(ctx, kafka.Message{Topic: channel, Value: payload})
}

// Subscribe resolves the current end of the partition before returning, so
// every message published afterwards is delivered. kafka.LastOffset alone is
// resolved on the first fetch, which may be later.
func (b *KafkaBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	offset, err := b.lastOffset(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("kafka subscribe %s: %w", channel, err)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   b.brokers,
		Topic:     channel,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  1e6,
		MaxWait:   250 * time.Millisecond,
	})
	if err := reader.SetOffset(offset); err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("kafka subscribe %s: %w", channel, err)
	}
	return &kafkaSub{reader: reader}, nil
}

func (b *KafkaBus) leaderLastOffset(ctx context.Context, topic string) (int64, error) {
	err := errors.New("no kafka brokers configured")
	for _, broker := range b.brokers {
		conn, dialErr := kafka.DialLeader(ctx, "tcp", broker, topic, 0)
		if dialErr != nil {
			err = dialErr
			continue
		}
		offset, readErr := conn.ReadLastOffset()
		_ = conn.Close()
		if readErr != nil {
			err = readErr
			continue
		}
		return offset, nil
	}
	return 0, err
}

func (b *KafkaBus) Close() error {
	return b.writer.Close()
}

type kafkaSub struct {
	reader *kafka.Reader
}

func (s *kafkaSub) Next(ctx context.Context) ([]byte, error) {
	m, err := s.reader.ReadMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return m.Value, nil
}

func (s *kafkaSub) Close() error {
	return s.reader.Close()
}
