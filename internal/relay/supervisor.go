package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"blockremote/internal/metrics"
)

type State int32

const (
	StateAbsent State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "absent"
	}
}

// Runner is the listener task the supervisor owns.
type Runner interface {
	Run(ctx context.Context, ready func()) error
}

type RunnerFunc func(ctx context.Context, ready func()) error

func (f RunnerFunc) Run(ctx context.Context, ready func()) error { return f(ctx, ready) }

// Membership reports how many agents are registered.
type Membership interface {
	Len() int
}

type listenerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *listenerHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Supervisor keeps exactly one listener running while the hub has agents.
// Start and stop decisions are serialized by mu; a stop holds mu until the
// listener has returned, so a connect racing with teardown waits and then
// starts a fresh listener instead of inheriting the dying one.
type Supervisor struct {
	mu      sync.Mutex
	members Membership
	runner  Runner
	handle  *listenerHandle
	state   atomic.Int32
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewSupervisor(members Membership, runner Runner, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	if m == nil {
		m = metrics.New()
	}
	return &Supervisor{members: members, runner: runner, logger: logger, metrics: m}
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// AgentConnected starts a listener unless one is already live. A listener
// that exited on its own counts as absent.
func (s *Supervisor) AgentConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		if s.State() != StateAbsent && !s.handle.finished() {
			return
		}
		// absent with a handle means the listener exited on its own and done
		// closes right after the state change
		<-s.handle.done
		if s.logger != nil && s.handle.err != nil {
			s.logger.Warn("previous relay listener exited", "err", s.handle.err)
		}
		s.handle = nil
	}
	s.startLocked()
}

// AgentDisconnected stops the listener once the hub is empty and waits for it
// to terminate.
func (s *Supervisor) AgentDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil || s.members.Len() > 0 {
		return
	}
	s.stopLocked()
}

// Close stops any running listener regardless of hub membership.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		s.stopLocked()
	}
}

func (s *Supervisor) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	h := &listenerHandle{cancel: cancel, done: make(chan struct{})}
	s.handle = h
	s.state.Store(int32(StateStarting))
	s.metrics.ListenerStarts.Inc()
	s.metrics.ListenerRunning.Set(1)
	if s.logger != nil {
		s.logger.Info("relay listener starting")
	}
	go func() {
		defer close(h.done)
		h.err = s.runner.Run(ctx, func() {
			s.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
		})
		// exited on its own; a supervisor stop already owns the Stopping state
		if s.state.CompareAndSwap(int32(StateRunning), int32(StateAbsent)) ||
			s.state.CompareAndSwap(int32(StateStarting), int32(StateAbsent)) {
			s.metrics.ListenerRunning.Set(0)
			if s.logger != nil {
				s.logger.Error("relay listener stopped unexpectedly", "err", h.err)
			}
		}
	}()
}

func (s *Supervisor) stopLocked() {
	h := s.handle
	s.state.Store(int32(StateStopping))
	h.cancel()
	<-h.done
	s.handle = nil
	s.state.Store(int32(StateAbsent))
	s.metrics.ListenerRunning.Set(0)
	if s.logger != nil {
		s.logger.Info("relay listener stopped")
	}
}
