package guard

import (
	"context"
	"sync"
	"time"
)

// In-memory policy implementations. Used by tests and the embedded profile;
// best effort only: a process restart forgets state, which weakens abuse
// protection but never correctness.

type MemoryReplayCache struct {
	mu      sync.Mutex
	entries map[string]replayEntry
	ttl     time.Duration
	now     func() time.Time
}

type replayEntry struct {
	result    []byte
	expiresAt time.Time
}

func NewMemoryReplayCache(ttl time.Duration) *MemoryReplayCache {
	return &MemoryReplayCache{entries: make(map[string]replayEntry), ttl: ttl, now: time.Now}
}

func (c *MemoryReplayCache) WithClock(now func() time.Time) *MemoryReplayCache {
	c.now = now
	return c
}

func (c *MemoryReplayCache) Check(_ context.Context, envelopeID string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep()
	e, ok := c.entries[envelopeID]
	if !ok {
		return nil, false, nil
	}
	return e.result, true, nil
}

func (c *MemoryReplayCache) Remember(_ context.Context, envelopeID string, result []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[envelopeID] = replayEntry{result: result, expiresAt: c.now().Add(c.ttl)}
	return nil
}

func (c *MemoryReplayCache) sweep() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

type MemoryDedupeCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryDedupeCache(ttl time.Duration) *MemoryDedupeCache {
	return &MemoryDedupeCache{entries: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (c *MemoryDedupeCache) WithClock(now func() time.Time) *MemoryDedupeCache {
	c.now = now
	return c
}

func (c *MemoryDedupeCache) Seen(_ context.Context, hash string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, exp := range c.entries {
		if now.After(exp) {
			delete(c.entries, k)
		}
	}
	_, ok := c.entries[hash]
	return ok, nil
}

func (c *MemoryDedupeCache) Mark(_ context.Context, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hash] = c.now().Add(c.ttl)
	return nil
}

type MemoryGreylist struct {
	mu      sync.Mutex
	pairs   map[string]time.Time
	delay   time.Duration
	passTTL time.Duration
	now     func() time.Time
}

func NewMemoryGreylist(delay, passTTL time.Duration) *MemoryGreylist {
	return &MemoryGreylist{pairs: make(map[string]time.Time), delay: delay, passTTL: passTTL, now: time.Now}
}

func (g *MemoryGreylist) WithClock(now func() time.Time) *MemoryGreylist {
	g.now = now
	return g
}

func (g *MemoryGreylist) Check(_ context.Context, sender, recipient string) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := sender + ":" + recipient
	now := g.now()

	firstSeen, ok := g.pairs[key]
	if !ok || now.Sub(firstSeen) > g.passTTL {
		g.pairs[key] = now
		return g.delay, nil
	}
	if elapsed := now.Sub(firstSeen); elapsed < g.delay {
		return g.delay - elapsed, nil
	}
	return 0, nil
}

// MemoryRateLimiter is a sliding window over per-sender timestamp slices.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	window  time.Duration
	max     int
	now     func() time.Time
}

func NewMemoryRateLimiter(window time.Duration, max int) *MemoryRateLimiter {
	return &MemoryRateLimiter{windows: make(map[string][]time.Time), window: window, max: max, now: time.Now}
}

func (l *MemoryRateLimiter) WithClock(now func() time.Time) *MemoryRateLimiter {
	l.now = now
	return l
}

func (l *MemoryRateLimiter) Allow(_ context.Context, sender string) (bool, time.Duration, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.windows[sender][:0]
	for _, t := range l.windows[sender] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.max {
		l.windows[sender] = kept
		retryAfter := kept[0].Add(l.window).Sub(now)
		return false, retryAfter, false, nil
	}
	l.windows[sender] = append(kept, now)
	return true, 0, false, nil
}
