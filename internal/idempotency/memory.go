package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/decoupledfin/walletcore/internal/clock"
)

// MemoryGuard is an in-process Guard for tests and single-node deployments.
type MemoryGuard struct {
	clk clock.Clock
	ttl time.Duration

	mu     sync.Mutex
	claims map[string]time.Time
}

func NewMemoryGuard(clk clock.Clock, ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{
		clk:    clk,
		ttl:    ttl,
		claims: make(map[string]time.Time),
	}
}

func (g *MemoryGuard) Claim(ctx context.Context, accountID int64, fingerprint string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now()
	key := claimKey(accountID, fingerprint)
	if expiry, ok := g.claims[key]; ok && now.Before(expiry) {
		return ErrDuplicate
	}
	g.claims[key] = now.Add(g.ttl)
	return nil
}

func (g *MemoryGuard) Release(ctx context.Context, accountID int64, fingerprint string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.claims, claimKey(accountID, fingerprint))
	return nil
}
