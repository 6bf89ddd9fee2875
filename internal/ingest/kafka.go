package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"blockremote/internal/config"
	"blockremote/internal/worker"
)

// KafkaDispatcher publishes tasks to the analyze_signal topic so a separate
// worker process can pick them up.
type KafkaDispatcher struct {
	writer *kafka.Writer
}

func NewKafkaDispatcher(cfg config.KafkaConfig) *KafkaDispatcher {
	return &KafkaDispatcher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, task worker.Task) error {
	data, err := json.Marshal(worker.WithTaskID(task))
	if err != nil {
		return err
	}
	// keyed by device so one device's tasks stay on one partition
	if err := d.writer.WriteMessages(ctx, kafka.Message{Key: []byte(task.DeviceID), Value: data}); err != nil {
		return fmt.Errorf("kafka dispatch: %w", err)
	}
	return nil
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

// ConsumeKafka reads tasks from the configured topic with a consumer group
// and feeds them to pool until ctx is cancelled. Offsets are committed once
// the task is queued, so a crash between queueing and running loses that
// task; the executor's retries cover transient failures only.
func ConsumeKafka(ctx context.Context, cfg config.KafkaConfig, pool *worker.Pool, logger *slog.Logger) error {
	if logger != nil {
		logger.Info("kafka task consumer enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	defer reader.Close()
	local := NewPoolDispatcher(pool)
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if logger != nil {
				logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, time.Second) {
				return nil
			}
			continue
		}
		var task worker.Task
		if err := json.Unmarshal(m.Value, &task); err != nil || task.DeviceID == "" {
			if logger != nil {
				logger.Warn("kafka task dropped, undecodable", "offset", m.Offset, "partition", m.Partition, "err", err)
			}
			continue
		}
		task = identifyTask(task, m)
		if err := DispatchWithBackoff(ctx, local, task, 100*time.Millisecond, logger); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("queue kafka task: %w", err)
		}
	}
}

// identifyTask keys a producer task that carries no id by its message
// coordinates, which survive group rebalances and redelivery.
func identifyTask(task worker.Task, m kafka.Message) worker.Task {
	if task.SignalID == nil && task.TaskID == "" {
		task.TaskID = fmt.Sprintf("kafka:%s:%d:%d", m.Topic, m.Partition, m.Offset)
	}
	return task
}
