package bus

import (
	"context"
	"sync"
)

// MemoryBus fans out within one process. Publish never blocks: a subscriber
// whose buffer is full misses the message.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	buffer int
	closed bool
}

func NewMemory(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBus{subs: make(map[string]map[*memorySub]struct{}), buffer: buffer}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memorySub{bus: b, channel: channel, ch: make(chan []byte, b.buffer)}
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*memorySub]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}
	return s, nil
}

// Subscribers counts active subscriptions on channel.
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			s.closeLocked()
		}
	}
	b.subs = make(map[string]map[*memorySub]struct{})
	return nil
}

func (b *MemoryBus) remove(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.channel)
		}
	}
	s.closeLocked()
}

type memorySub struct {
	bus     *MemoryBus
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *memorySub) Next(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySub) Close() error {
	s.bus.remove(s)
	return nil
}

// closeLocked must run with bus.mu held for writing so no Publish is mid-send.
func (s *memorySub) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}
