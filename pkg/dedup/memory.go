package dedup

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Memory is an in-process Deduper for development and tests. Expired marks
// are dropped lazily on the next check.
type Memory struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (m *Memory) Seen(_ context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("dedup: empty event id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.seen[eventID]
	if !ok {
		return false, nil
	}
	if m.now().Sub(at) >= m.ttl {
		delete(m.seen, eventID)
		return false, nil
	}
	return true, nil
}

func (m *Memory) Mark(_ context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("dedup: empty event id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[eventID] = m.now()
	return nil
}
