package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"blockremote/internal/bus"
	"blockremote/internal/hub"
	"blockremote/internal/metrics"
	"blockremote/internal/model"
)

type recordingConn struct {
	id  string
	mu  sync.Mutex
	got []string
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(_ context.Context, msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, msg)
	return nil
}

func (c *recordingConn) Close() error { return nil }

func (c *recordingConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastOptions() Options {
	return Options{Channel: "kill-switch", PollTimeout: 20 * time.Millisecond, MaxRetries: 3, RetryBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
}

func publishCommand(t *testing.T, b bus.Bus, device string, score int) {
	t.Helper()
	data, err := model.KillCommand{DeviceID: device, Score: score, IssuedAt: time.Now().UTC()}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := b.Publish(context.Background(), "kill-switch", data); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestListenerRelaysInOrderAndStops(t *testing.T) {
	b := bus.NewMemory(16)
	h := hub.New(nil, nil, 0)
	conn := &recordingConn{id: "a"}
	h.Register(conn)
	l := NewListener(b, h, fastOptions(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, func() { close(ready) }) }()
	<-ready

	publishCommand(t, b, "device-1", 10)
	if err := b.Publish(context.Background(), "kill-switch", []byte("block:device-2:score:30")); err != nil {
		t.Fatalf("publish legacy: %v", err)
	}
	waitFor(t, "two messages", func() bool { return len(conn.messages()) == 2 })
	got := conn.messages()
	if got[0] != "block:device-1:score:10" || got[1] != "block:device-2:score:30" {
		t.Fatalf("unexpected relay order/content: %v", got)
	}

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("listener did not stop")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("termination exceeded poll bound")
	}
	if b.Subscribers("kill-switch") != 0 {
		t.Fatalf("listener must unsubscribe on exit")
	}
}

// flakyBus fails the first subscription's Next once with a transport error.
type flakyBus struct {
	*bus.MemoryBus
	subscribes atomic.Int32
	failSubs   atomic.Int32
}

type flakySub struct {
	bus.Subscription
	fail bool
}

func (s *flakySub) Next(ctx context.Context) ([]byte, error) {
	if s.fail {
		s.fail = false
		return nil, errors.New("connection reset by peer")
	}
	return s.Subscription.Next(ctx)
}

func (b *flakyBus) Subscribe(ctx context.Context, channel string) (bus.Subscription, error) {
	n := b.subscribes.Add(1)
	if b.failSubs.Load() > 0 {
		b.failSubs.Add(-1)
		return nil, errors.New("dial tcp: connection refused")
	}
	sub, err := b.MemoryBus.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}
	return &flakySub{Subscription: sub, fail: n == 1}, nil
}

func TestListenerResubscribesAfterTransportError(t *testing.T) {
	fb := &flakyBus{MemoryBus: bus.NewMemory(16)}
	fb.failSubs.Store(0)
	h := hub.New(nil, nil, 0)
	conn := &recordingConn{id: "a"}
	h.Register(conn)
	m := metrics.New()
	l := NewListener(fb, h, fastOptions(), nil, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, nil) }()

	waitFor(t, "resubscribe", func() bool { return fb.subscribes.Load() == 2 && fb.Subscribers("kill-switch") == 1 })
	publishCommand(t, fb, "device-9", 5)
	waitFor(t, "relay after recovery", func() bool { return len(conn.messages()) == 1 })
	if got := testutil.ToFloat64(m.RelayErrors); got < 1 {
		t.Fatalf("expected relay error to be counted, got %f", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestListenerGivesUpAfterRetries(t *testing.T) {
	fb := &flakyBus{MemoryBus: bus.NewMemory(16)}
	fb.failSubs.Store(100)
	opts := fastOptions()
	opts.MaxRetries = 2
	l := NewListener(fb, hub.New(nil, nil, 0), opts, nil, nil)
	err := l.Run(context.Background(), func() { t.Errorf("ready must not fire") })
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if got := fb.subscribes.Load(); got != 3 {
		t.Fatalf("expected 1 attempt + 2 retries, got %d", got)
	}
}

type counter struct{ n atomic.Int32 }

func (c *counter) Len() int { return int(c.n.Load()) }

// trackingRunner records concurrency and blocks until cancelled.
type trackingRunner struct {
	starts    atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
	linger    time.Duration
}

func (r *trackingRunner) Run(ctx context.Context, ready func()) error {
	r.starts.Add(1)
	n := r.active.Add(1)
	for {
		cur := r.maxActive.Load()
		if n <= cur || r.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	ready()
	<-ctx.Done()
	time.Sleep(r.linger)
	r.active.Add(-1)
	return nil
}

func TestBackToBackConnectsStartOneListener(t *testing.T) {
	members := &counter{}
	runner := &trackingRunner{}
	m := metrics.New()
	s := NewSupervisor(members, runner, nil, m)
	members.n.Add(1)
	s.AgentConnected()
	members.n.Add(1)
	s.AgentConnected()
	waitFor(t, "running", func() bool { return s.State() == StateRunning })
	if got := runner.starts.Load(); got != 1 {
		t.Fatalf("expected exactly one listener, got %d", got)
	}
	if got := testutil.ToFloat64(m.ListenerStarts); got != 1 {
		t.Fatalf("listener start counter %f", got)
	}

	members.n.Add(-1)
	s.AgentDisconnected()
	if s.State() != StateRunning {
		t.Fatalf("listener must keep running while agents remain, state=%s", s.State())
	}
	members.n.Add(-1)
	s.AgentDisconnected()
	if s.State() != StateAbsent {
		t.Fatalf("expected absent after last disconnect, state=%s", s.State())
	}
	if runner.active.Load() != 0 {
		t.Fatalf("teardown returned before listener stopped")
	}
}

func TestConnectDuringTeardownWaitsForStop(t *testing.T) {
	members := &counter{}
	runner := &trackingRunner{linger: 50 * time.Millisecond}
	s := NewSupervisor(members, runner, nil, nil)
	members.n.Add(1)
	s.AgentConnected()
	waitFor(t, "running", func() bool { return s.State() == StateRunning })

	members.n.Add(-1)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.AgentDisconnected()
	}()
	go func() {
		defer wg.Done()
		waitFor(t, "stopping", func() bool { return s.State() == StateStopping })
		members.n.Add(1)
		s.AgentConnected()
	}()
	wg.Wait()
	waitFor(t, "restart", func() bool { return s.State() == StateRunning })
	if got := runner.maxActive.Load(); got != 1 {
		t.Fatalf("two listeners overlapped (max active %d)", got)
	}
	if got := runner.starts.Load(); got != 2 {
		t.Fatalf("expected a fresh listener after teardown, starts=%d", got)
	}
	s.Close()
	if s.State() != StateAbsent || runner.active.Load() != 0 {
		t.Fatalf("close must stop the listener")
	}
}

func TestCrashedListenerIsRestartedOnConnect(t *testing.T) {
	members := &counter{}
	var starts atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, ready func()) error {
		if starts.Add(1) == 1 {
			return errors.New("bus unreachable")
		}
		ready()
		<-ctx.Done()
		return nil
	})
	s := NewSupervisor(members, runner, nil, nil)
	members.n.Add(1)
	s.AgentConnected()
	waitFor(t, "crash", func() bool { return s.State() == StateAbsent })
	members.n.Add(1)
	s.AgentConnected()
	waitFor(t, "restart", func() bool { return s.State() == StateRunning })
	if starts.Load() != 2 {
		t.Fatalf("expected restart, starts=%d", starts.Load())
	}
	s.Close()
}

func TestEndToEndNoReplayForLateAgent(t *testing.T) {
	b := bus.NewMemory(16)
	h := hub.New(nil, nil, 0)
	l := NewListener(b, h, fastOptions(), nil, nil)
	s := NewSupervisor(h, l, nil, nil)

	a1, a2 := &recordingConn{id: "a1"}, &recordingConn{id: "a2"}
	h.Register(a1)
	s.AgentConnected()
	h.Register(a2)
	s.AgentConnected()
	waitFor(t, "listener running", func() bool { return s.State() == StateRunning })

	publishCommand(t, b, "device-42", 15)
	waitFor(t, "delivery", func() bool { return len(a1.messages()) == 1 && len(a2.messages()) == 1 })
	for _, c := range []*recordingConn{a1, a2} {
		if got := c.messages()[0]; got != "block:device-42:score:15" {
			t.Fatalf("%s got %q", c.id, got)
		}
	}

	late := &recordingConn{id: "late"}
	h.Register(late)
	s.AgentConnected()
	time.Sleep(50 * time.Millisecond)
	if got := late.messages(); len(got) != 0 {
		t.Fatalf("late agent received replayed command %v", got)
	}

	for _, c := range []*recordingConn{a1, a2, late} {
		h.Unregister(c)
		s.AgentDisconnected()
	}
	if s.State() != StateAbsent {
		t.Fatalf("expected listener torn down, state=%s", s.State())
	}
	publishCommand(t, b, "device-43", 1)
	h.Register(late)
	s.AgentConnected()
	time.Sleep(50 * time.Millisecond)
	if got := late.messages(); len(got) != 0 {
		t.Fatalf("command published with no listeners was replayed: %v", got)
	}
	s.Close()
}
