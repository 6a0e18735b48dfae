// Package otp correlates one-time-code challenges raised mid-scrape with the
// codes a human submits out of band.
//
// Each challenge is PENDING until exactly one of resolve, reject or expiry
// removes it from the table. Late or duplicate answers find nothing and
// report not-found.
package otp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cardledger/cardledger/internal/domain"
)

// DefaultTimeout is how long a challenge waits for a code.
const DefaultTimeout = 5 * time.Minute

type outcome struct {
	code string
	err  error
}

type pending struct {
	ch       chan outcome // buffered(1); written once by whoever removes the entry
	timer    *time.Timer
	deadline time.Time
	vendor   string
}

// Observer is notified of challenge transitions. May be nil.
type Observer interface {
	ChallengeOpened()
	ChallengeClosed(result string)
}

// Broker is the thread-safe challenge table.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending
	timeout time.Duration
	obs     Observer
}

// NewBroker creates a broker. A non-positive timeout selects DefaultTimeout.
func NewBroker(timeout time.Duration, obs Observer) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		pending: make(map[string]*pending),
		timeout: timeout,
		obs:     obs,
	}
}

// Challenge is the waiter's handle on one pending request.
type Challenge struct {
	ID       string
	Deadline time.Time
	b        *Broker
	ch       chan outcome
}

// Open registers a new challenge with the broker's default timeout.
func (b *Broker) Open(vendor string) *Challenge {
	return b.OpenWithTimeout(vendor, b.timeout)
}

// OpenWithTimeout registers a new challenge that expires after timeout.
func (b *Broker) OpenWithTimeout(vendor string, timeout time.Duration) *Challenge {
	id := uuid.NewString()
	p := &pending{
		ch:       make(chan outcome, 1),
		deadline: time.Now().Add(timeout),
		vendor:   vendor,
	}

	b.mu.Lock()
	b.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		b.finish(id, outcome{err: domain.ErrChallengeTimeout}, "expired")
	})
	b.mu.Unlock()

	if b.obs != nil {
		b.obs.ChallengeOpened()
	}
	return &Challenge{ID: id, Deadline: p.deadline, b: b, ch: p.ch}
}

// Wait blocks until the challenge is resolved, rejected or expires, or ctx
// ends. A cancelled wait removes the challenge.
func (c *Challenge) Wait(ctx context.Context) (string, error) {
	select {
	case out := <-c.ch:
		return out.code, out.err
	case <-ctx.Done():
		c.b.finish(c.ID, outcome{err: ctx.Err()}, "cancelled")
		return "", ctx.Err()
	}
}

// Resolve delivers code to the waiter. It returns false if id is not pending.
func (b *Broker) Resolve(id, code string) bool {
	return b.finish(id, outcome{code: code}, "resolved")
}

// Reject fails the waiter with reason. It returns false if id is not pending.
func (b *Broker) Reject(id, reason string) bool {
	err := domain.ErrChallengeRejected
	if reason != "" {
		err = &rejection{reason: reason}
	}
	return b.finish(id, outcome{err: err}, "rejected")
}

func (b *Broker) finish(id string, out outcome, result string) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- out
	if b.obs != nil {
		b.obs.ChallengeClosed(result)
	}
	return true
}

// Pending returns the ids of open challenges.
func (b *Broker) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	return ids
}

// Retriever adapts the broker to the scraper's code callback. announce is
// called with the challenge before waiting so the caller can tell the user
// which id to answer.
func (b *Broker) Retriever(vendor string, announce func(*Challenge)) domain.OTPRetriever {
	return func(ctx context.Context) (string, error) {
		c := b.Open(vendor)
		if announce != nil {
			announce(c)
		}
		return c.Wait(ctx)
	}
}

type rejection struct{ reason string }

func (r *rejection) Error() string { return domain.ErrChallengeRejected.Error() + ": " + r.reason }

func (r *rejection) Unwrap() error { return domain.ErrChallengeRejected }
