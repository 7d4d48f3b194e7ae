package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"calbot/internal/clock"
)

// Memory holds leases in process memory. It serializes goroutines of one
// process only.
type Memory struct {
	clk clock.Clock

	mu     sync.Mutex
	leases map[string]lease
}

type lease struct {
	owner   string
	expires time.Time
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{clk: clk, leases: map[string]lease{}}
}

func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (Guard, error) {
	if key == "" {
		return nil, errEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[key]; ok && now.Before(l.expires) {
		return nil, unavailable(key)
	}
	owner := uuid.NewString()
	m.leases[key] = lease{owner: owner, expires: now.Add(ttl)}
	return &memGuard{m: m, key: key, owner: owner}, nil
}

// Held reports whether key is currently leased.
func (m *Memory) Held(key string) bool {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	return ok && now.Before(l.expires)
}

type memGuard struct {
	m     *Memory
	key   string
	owner string
	once  sync.Once
}

func (g *memGuard) Key() string { return g.key }

func (g *memGuard) Release(context.Context) error {
	g.once.Do(func() {
		g.m.mu.Lock()
		if l, ok := g.m.leases[g.key]; ok && l.owner == g.owner {
			delete(g.m.leases, g.key)
		}
		g.m.mu.Unlock()
	})
	return nil
}
