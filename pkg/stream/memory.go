package stream

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBroker implements Broker in process. Per-subject FIFO with per-group
// ack cursors, matching the Redis broker's observable semantics closely
// enough for tests and the embedded profile.
type MemoryBroker struct {
	mu       sync.Mutex
	subjects map[string]*memorySubject
	nextID   int64
	closed   bool
}

type memorySubject struct {
	entries []*Message
	groups  map[string]*memoryGroup
}

type memoryGroup struct {
	acked   map[string]bool
	cursor  int
	subs    []*memorySubscription
	pending map[string]bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subjects: make(map[string]*memorySubject)}
}

func (b *MemoryBroker) subject(name string) *memorySubject {
	s, ok := b.subjects[name]
	if !ok {
		s = &memorySubject{groups: make(map[string]*memoryGroup)}
		b.subjects[name] = s
	}
	return s
}

func (b *MemoryBroker) Publish(_ context.Context, subject string, data []byte) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrUnavailable
	}
	b.nextID++
	id := fmt.Sprintf("%d-0", b.nextID)
	msg := &Message{ID: id, Subject: subject, Data: append([]byte(nil), data...)}
	s := b.subject(subject)
	s.entries = append(s.entries, msg)

	var deliveries []delivery
	for _, g := range s.groups {
		deliveries = append(deliveries, b.collect(s, g)...)
	}
	b.mu.Unlock()

	for _, d := range deliveries {
		d.run()
	}
	return id, nil
}

type delivery struct {
	run func()
}

// collect gathers undelivered entries for the group and binds them to its
// first live subscription. Caller holds the lock.
func (b *MemoryBroker) collect(s *memorySubject, g *memoryGroup) []delivery {
	if len(g.subs) == 0 {
		return nil
	}
	sub := g.subs[0]
	var out []delivery
	for g.cursor < len(s.entries) {
		msg := s.entries[g.cursor]
		g.cursor++
		if g.acked[msg.ID] {
			continue
		}
		g.pending[msg.ID] = true
		m := msg
		out = append(out, delivery{run: func() {
			if sub.closed() {
				return
			}
			if err := sub.handler(context.Background(), m); err == nil {
				b.mu.Lock()
				g.acked[m.ID] = true
				delete(g.pending, m.ID)
				b.mu.Unlock()
			}
		}})
	}
	return out
}

func (b *MemoryBroker) Subscribe(_ context.Context, subject, group, _ string, h Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrUnavailable
	}
	s := b.subject(subject)
	g, ok := s.groups[group]
	if !ok {
		g = &memoryGroup{acked: make(map[string]bool), pending: make(map[string]bool)}
		s.groups[group] = g
	}
	sub := &memorySubscription{broker: b, group: g}
	sub.handler = h
	g.subs = append(g.subs, sub)
	// Replay the backlog plus unacked pending entries to the new consumer.
	g.cursor = 0
	deliveries := b.collect(s, g)
	b.mu.Unlock()

	for _, d := range deliveries {
		d.run()
	}
	return sub, nil
}

func (b *MemoryBroker) Lag(_ context.Context, subject, group string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subjects[subject]
	if !ok {
		return 0, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return int64(len(s.entries)), nil
	}
	var lag int64
	for _, e := range s.entries {
		if !g.acked[e.ID] {
			lag++
		}
	}
	return lag, nil
}

func (b *MemoryBroker) Health(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	return nil
}

// Fail marks the broker unavailable; tests use it to exercise the
// UPSTREAM_DOWN path.
func (b *MemoryBroker) Fail(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = down
}

// Entries returns a copy of everything published to subject, in order.
func (b *MemoryBroker) Entries(subject string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subjects[subject]
	if !ok {
		return nil
	}
	out := make([]*Message, len(s.entries))
	copy(out, s.entries)
	return out
}

type memorySubscription struct {
	broker  *MemoryBroker
	group   *memoryGroup
	handler Handler
	mu      sync.Mutex
	done    bool
}

func (s *memorySubscription) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()

	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	subs := s.group.subs[:0]
	for _, sub := range s.group.subs {
		if sub != s {
			subs = append(subs, sub)
		}
	}
	s.group.subs = subs
	return nil
}
