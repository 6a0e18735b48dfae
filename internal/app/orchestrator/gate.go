package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cardledger/cardledger/internal/domain"
)

// Gate admits at most one batch at a time. A busy gate rejects immediately
// with domain.ErrConcurrency; callers are never queued.
type Gate interface {
	TryAcquire(ctx context.Context, holder string) (release func(), err error)
}

// ─── In-process Gate ────────────────────────────────────────────────────────

// MemoryGate is a single-slot semaphore for one process.
type MemoryGate struct {
	sem chan struct{}
}

// NewMemoryGate creates an open gate.
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{sem: make(chan struct{}, 1)}
}

func (g *MemoryGate) TryAcquire(_ context.Context, _ string) (func(), error) {
	select {
	case g.sem <- struct{}{}:
	default:
		return nil, domain.ErrConcurrency
	}
	var released bool
	return func() {
		if !released {
			released = true
			<-g.sem
		}
	}, nil
}

// ─── Persisted Gate ─────────────────────────────────────────────────────────

// LeaseStore persists a named lease with an expiry so several processes
// sharing one database also serialize batches.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// LeaseGate adapts a LeaseStore. The holder renews its lease every ttl/3
// until released, so only a crashed holder lets the lease expire, and it
// blocks batches for at most ttl.
type LeaseGate struct {
	store LeaseStore
	name  string
	ttl   time.Duration
}

// NewLeaseGate creates a gate over the lease called name.
func NewLeaseGate(store LeaseStore, name string, ttl time.Duration) *LeaseGate {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &LeaseGate{store: store, name: name, ttl: ttl}
}

func (g *LeaseGate) TryAcquire(ctx context.Context, holder string) (func(), error) {
	ok, err := g.store.AcquireLease(ctx, g.name, holder, g.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", g.name, err)
	}
	if !ok {
		return nil, domain.ErrConcurrency
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go g.keepAlive(holder, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			_ = g.store.ReleaseLease(context.Background(), g.name, holder)
		})
	}, nil
}

// keepAlive renews the lease until stop is closed or the lease is lost.
// A failed renewal is retried on the next tick.
func (g *LeaseGate) keepAlive(holder string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ok, err := g.store.RenewLease(context.Background(), g.name, holder, g.ttl)
			if err == nil && !ok {
				return
			}
		}
	}
}
