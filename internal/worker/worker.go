// Package worker runs the analyze_signal task: score a signal, record an
// audit entry when trust collapses, and publish the kill command.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"blockremote/internal/bus"
	"blockremote/internal/config"
	"blockremote/internal/metrics"
	"blockremote/internal/model"
	"blockremote/internal/storage"
	"blockremote/internal/trust"
)

var ErrInvalidTask = errors.New("task requires a device id")

// Task is one analyze_signal invocation. It is also the JSON body carried on
// the Kafka task topic. TaskID identifies a signal that was never stored; it
// must stay the same across re-deliveries of that signal.
type Task struct {
	SignalID *int64        `json:"signal_id,omitempty"`
	TaskID   string        `json:"task_id,omitempty"`
	DeviceID string        `json:"device_id"`
	Payload  model.Payload `json:"payload"`
}

// WithTaskID gives a task that carries neither a signal id nor a task id a
// fresh task id. Stamp before the first hand-off so retries reuse it.
func WithTaskID(task Task) Task {
	if task.SignalID == nil && task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	return task
}

type Worker struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	scorer  trust.Scorer
	store   storage.Store
	bus     bus.Bus
	cache   trust.Cache
	channel string
	cfg     atomic.Pointer[config.Config]
	now     func() time.Time
}

// NewWorker wires the scoring pipeline. cache may be nil, in which case no
// score is written through. The publish channel is read once, matching the
// relay listener; bus settings are not hot-reloaded.
func NewWorker(cfg *config.Config, scorer trust.Scorer, store storage.Store, b bus.Bus, cache trust.Cache, logger *slog.Logger, m *metrics.Metrics) *Worker {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if scorer == nil {
		scorer = trust.NewHeuristicScorer()
	}
	if m == nil {
		m = metrics.New()
	}
	w := &Worker{
		logger:  logger,
		metrics: m,
		scorer:  scorer,
		store:   store,
		bus:     b,
		cache:   cache,
		channel: bus.ChannelFor(cfg.Bus),
		now:     func() time.Time { return time.Now().UTC() },
	}
	w.cfg.Store(cfg)
	return w
}

func (w *Worker) UpdateConfig(cfg *config.Config) {
	w.cfg.Store(cfg)
}

func (w *Worker) config() *config.Config {
	if cfg := w.cfg.Load(); cfg != nil {
		return cfg
	}
	return config.DefaultConfig()
}

// AnalyzeSignal scores task and, when the score falls below the kill
// threshold, appends an audit record and publishes a kill command. Running
// the same task twice never creates a second record and never publishes again
// once a publish has been recorded. A task without any id is a signal of its
// own and is never matched against earlier records.
func (w *Worker) AnalyzeSignal(ctx context.Context, task Task) error {
	if task.DeviceID == "" {
		return ErrInvalidTask
	}
	task = WithTaskID(task)
	start := time.Now()
	defer func() { w.metrics.ScoreLatency.Observe(time.Since(start).Seconds()) }()

	cfg := w.config()
	assessment := w.scorer.Score(task.Payload)
	score := assessment.Score
	w.writeThrough(ctx, cfg, task.DeviceID, score)

	if score >= cfg.Scoring.KillThreshold {
		w.metrics.SignalsScored.WithLabelValues("trusted").Inc()
		if w.logger != nil {
			w.logger.Debug("signal trusted", "device_id", task.DeviceID, "score", score)
		}
		return nil
	}
	w.metrics.SignalsScored.WithLabelValues("blocked").Inc()

	rec, created, err := w.store.InsertAudit(ctx, model.AuditRecord{
		DeviceID:    task.DeviceID,
		ThreatLevel: trust.Tier(score, cfg.Scoring.HighThreshold),
		Reason:      assessment.Reason(),
		Score:       score,
		SignalID:    task.SignalID,
		DedupeKey:   DedupeKey(task),
	})
	if err != nil {
		return fmt.Errorf("record audit for %s: %w", task.DeviceID, err)
	}
	if created {
		w.metrics.AuditRecords.WithLabelValues(string(rec.ThreatLevel)).Inc()
		if w.logger != nil {
			w.logger.Warn("trust collapsed",
				"device_id", rec.DeviceID,
				"score", score,
				"threat_level", rec.ThreatLevel,
				"rules", assessment.Rules,
				"audit_id", rec.ID,
			)
		}
	} else if rec.PublishedAt != nil {
		w.metrics.DuplicateTasks.Inc()
		if w.logger != nil {
			w.logger.Info("duplicate task, kill command already published", "device_id", rec.DeviceID, "audit_id", rec.ID)
		}
		return nil
	}

	cmd := model.KillCommand{DeviceID: task.DeviceID, Score: score, IssuedAt: w.now(), AuditID: rec.ID}
	data, err := cmd.Encode()
	if err != nil {
		return fmt.Errorf("encode kill command: %w", err)
	}
	channel := w.channel
	if err := w.bus.Publish(ctx, channel, data); err != nil {
		return fmt.Errorf("publish kill command for %s: %w", task.DeviceID, err)
	}
	w.metrics.KillCommands.Inc()
	if w.logger != nil {
		w.logger.Info("kill command published", "device_id", task.DeviceID, "score", score, "channel", channel, "audit_id", rec.ID)
	}
	// the command is out; failing the task here would only publish it again
	if err := w.store.MarkPublished(ctx, rec.ID, cmd.IssuedAt); err != nil && w.logger != nil {
		w.logger.Error("mark audit published failed", "audit_id", rec.ID, "err", err)
	}
	return nil
}

func (w *Worker) writeThrough(ctx context.Context, cfg *config.Config, deviceID string, score int) {
	if w.cache == nil || !cfg.Worker.CacheWriteThrough {
		return
	}
	if err := w.cache.Set(ctx, deviceID, score, cfg.TrustCache.TTL); err != nil && w.logger != nil {
		w.logger.Warn("trust cache write failed", "device_id", deviceID, "err", err)
	}
}

// DedupeKey identifies a task across re-deliveries: the signal id when the
// signal was persisted, otherwise the task id. It is empty for a task that
// has neither; see WithTaskID.
func DedupeKey(task Task) string {
	switch {
	case task.SignalID != nil:
		return fmt.Sprintf("signal:%d", *task.SignalID)
	case task.TaskID != "":
		return "task:" + task.TaskID
	}
	return ""
}
