package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ogulcanaydogan/spend-guard/pkg/model"
	"github.com/shopspring/decimal"
)

type memEntry struct {
	value     decimal.Decimal
	expiresAt time.Time
}

// Memory is an in-process Ledger for development and tests. It follows the
// same expiry rules as the Redis ledger against the supplied clock.
type Memory struct {
	mu      sync.Mutex
	clock   model.Clock
	entries map[string]*memEntry
}

// NewMemory creates an empty in-memory ledger. A nil clock uses the wall clock.
func NewMemory(clock model.Clock) *Memory {
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &Memory{clock: clock, entries: make(map[string]*memEntry)}
}

func (m *Memory) GetUsage(_ context.Context, key string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return 0, nil
	}
	f, _ := e.value.Float64()
	return f, nil
}

func (m *Memory) Increment(_ context.Context, key string, amount float64, ttl time.Duration) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		e = &memEntry{}
		m.entries[key] = e
	}
	e.value = e.value.Add(decimal.NewFromFloat(amount))
	if secs := ttlSeconds(ttl); secs > 0 && e.expiresAt.IsZero() {
		e.expiresAt = m.clock.Now().Add(time.Duration(secs) * time.Second)
	}

	f, _ := e.value.Float64()
	return f, nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	switch {
	case e == nil:
		return KeyMissing, nil
	case e.expiresAt.IsZero():
		return NoExpiry, nil
	}
	return e.expiresAt.Sub(m.clock.Now()).Truncate(time.Second), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// live returns the entry for key, dropping it first if it has expired.
// Callers must hold m.mu.
func (m *Memory) live(key string) *memEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.clock.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}
