// Package relay bridges the event bus into the local kill-switch hub.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"blockremote/internal/bus"
	"blockremote/internal/hub"
	"blockremote/internal/metrics"
	"blockremote/internal/model"
)

type Broadcaster interface {
	Broadcast(ctx context.Context, msg string) hub.BroadcastResult
}

type Options struct {
	Channel      string
	PollTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Channel == "" {
		o.Channel = "kill-switch"
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = time.Second
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff < o.RetryBackoff {
		o.MaxBackoff = o.RetryBackoff
	}
	return o
}

// Listener forwards every message on the kill-switch channel to the hub, one
// at a time and in receipt order.
type Listener struct {
	bus     bus.Bus
	hub     Broadcaster
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewListener(b bus.Bus, h Broadcaster, opts Options, logger *slog.Logger, m *metrics.Metrics) *Listener {
	if m == nil {
		m = metrics.New()
	}
	return &Listener{bus: b, hub: h, opts: opts.withDefaults(), logger: logger, metrics: m}
}

// Run subscribes, calls ready once the subscription is live, and relays until
// ctx is cancelled. Each wait on the bus is bounded by the poll timeout, so a
// transport that ignores cancellation still lets Run return within one
// interval. Transport failures are retried with backoff and a fresh
// subscription; Run returns an error only when retries are exhausted.
func (l *Listener) Run(ctx context.Context, ready func()) error {
	sub, err := l.subscribe(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() {
		if sub != nil {
			_ = sub.Close()
		}
	}()
	if l.logger != nil {
		l.logger.Info("relay listener subscribed", "channel", l.opts.Channel)
	}
	if ready != nil {
		ready()
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		pollCtx, cancel := context.WithTimeout(ctx, l.opts.PollTimeout)
		payload, err := sub.Next(pollCtx)
		cancel()
		if err == nil {
			l.forward(ctx, payload)
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if bus.IsTimeout(err) {
			continue
		}
		l.metrics.RelayErrors.Inc()
		_ = sub.Close()
		sub, err = l.subscribe(ctx, err)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// subscribe tries immediately when cause is nil. Recovering from a transport
// failure (cause set) waits before every attempt. Either way at most
// MaxRetries attempts follow a failure.
func (l *Listener) subscribe(ctx context.Context, cause error) (bus.Subscription, error) {
	delay := l.opts.RetryBackoff
	lastErr := cause
	attempts := l.opts.MaxRetries
	if cause == nil {
		attempts++
	}
	for i := 0; i < attempts; i++ {
		if lastErr != nil {
			if l.logger != nil {
				l.logger.Warn("relay bus error, retrying", "channel", l.opts.Channel, "attempt", i+1, "backoff", delay, "err", lastErr)
			}
			if !sleep(ctx, delay) {
				return nil, ctx.Err()
			}
			delay *= 2
			if delay > l.opts.MaxBackoff {
				delay = l.opts.MaxBackoff
			}
		}
		sub, err := l.bus.Subscribe(ctx, l.opts.Channel)
		if err == nil {
			if lastErr != nil && l.logger != nil {
				l.logger.Info("relay listener resubscribed", "channel", l.opts.Channel)
			}
			return sub, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.metrics.RelayErrors.Inc()
		lastErr = err
	}
	if l.logger != nil {
		l.logger.Error("relay listener giving up", "channel", l.opts.Channel, "err", lastErr)
	}
	return nil, fmt.Errorf("relay subscribe %s: %w", l.opts.Channel, lastErr)
}

func (l *Listener) forward(ctx context.Context, payload []byte) {
	if len(payload) == 0 {
		return
	}
	msg := string(payload)
	cmd, err := model.DecodeKillCommand(payload)
	if err == nil {
		msg = cmd.AgentText()
	} else if l.logger != nil {
		l.logger.Debug("relaying undecodable bus payload verbatim", "err", err)
	}
	res := l.hub.Broadcast(ctx, msg)
	l.metrics.RelayedMessages.Inc()
	if l.logger != nil {
		l.logger.Info("kill command relayed",
			"device_id", cmd.DeviceID,
			"score", cmd.Score,
			"delivered", res.Delivered,
			"dropped", res.Dropped,
		)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
