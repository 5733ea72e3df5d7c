package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/corewire/mongowire/internal/uuid"
)

// RetirementGuardBand is the non-zero safety margin subtracted from
// logicalSessionTimeoutMin before deciding a returned session is too
// close to server-side expiry to reuse, per spec.md §4.7 and §9(c) (the
// guard band is not standardized upstream and may be tuned, as long as it
// stays non-zero).
var RetirementGuardBand = time.Minute

// ServerSession is the server-visible half of a logical session: a
// UUID the server uses to attribute a sequence of operations to one
// caller, plus the retryable-write transaction counter.
type ServerSession struct {
	ID         uuid.UUID
	LastUse    time.Time
	TxnNumber  int64
	Dirty      bool
}

// NextTxnNumber increments and returns the transaction number to stamp
// into the next retryable write.
func (s *ServerSession) NextTxnNumber() int64 {
	s.TxnNumber++
	return s.TxnNumber
}

// expired reports whether s is within the retirement guard band of
// timeoutMin, per spec.md §4.7's release-time check.
func (s *ServerSession) expired(timeoutMin int32) bool {
	if timeoutMin <= 0 {
		return false
	}
	ttl := time.Duration(timeoutMin)*time.Minute - RetirementGuardBand
	if ttl <= 0 {
		return true
	}
	return time.Since(s.LastUse) >= ttl
}

// Pool is a LIFO stack of ServerSessions, shared by one client. Checkout
// returns the most recently released session so its server-side state is
// warmest, matching spec.md §4.7. Checkout and release are atomic under a
// single mutex; a semaphore bounds concurrent endSessions flights at
// teardown so a client with a very large pool does not open unbounded
// connections to flush it.
type Pool struct {
	mu                       sync.Mutex
	stack                    []*ServerSession
	logicalSessionTimeoutMin int32
	endSessionsSem           *semaphore.Weighted
}

// NewPool returns an empty session pool.
func NewPool(logicalSessionTimeoutMin int32) *Pool {
	return &Pool{
		logicalSessionTimeoutMin: logicalSessionTimeoutMin,
		endSessionsSem:           semaphore.NewWeighted(4),
	}
}

// SetLogicalSessionTimeout updates the pool's notion of the server's
// advertised session TTL, as refreshed by every monitor heartbeat.
func (p *Pool) SetLogicalSessionTimeout(min int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logicalSessionTimeoutMin = min
}

// Checkout pops the most recently released session, discarding any
// expired sessions found along the way, or creates a new one if the pool
// is empty.
func (p *Pool) Checkout() (*ServerSession, error) {
	p.mu.Lock()
	for len(p.stack) > 0 {
		s := p.stack[len(p.stack)-1]
		p.stack = p.stack[:len(p.stack)-1]
		if !s.expired(p.logicalSessionTimeoutMin) {
			p.mu.Unlock()
			return s, nil
		}
	}
	p.mu.Unlock()

	id, err := uuid.New()
	if err != nil {
		return nil, err
	}
	return &ServerSession{ID: id, LastUse: time.Now()}, nil
}

// Release returns s to the pool, unless it is already within the
// retirement guard band of expiring, in which case it is discarded
// rather than handed back out to a future caller.
func (p *Pool) Release(s *ServerSession) {
	s.LastUse = time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.expired(p.logicalSessionTimeoutMin) {
		return
	}
	p.stack = append(p.stack, s)
}

// Drain removes and returns every session id currently pooled, for
// shipping to the server via endSessions at client teardown.
func (p *Pool) Drain() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uuid.UUID, len(p.stack))
	for i, s := range p.stack {
		ids[i] = s.ID
	}
	p.stack = nil
	return ids
}

// EndSessionsBatches splits ids into batches of at most 10,000, the
// server-side limit on a single endSessions command, per spec.md §4.7.
func EndSessionsBatches(ids []uuid.UUID) [][]uuid.UUID {
	const maxBatch = 10000
	var batches [][]uuid.UUID
	for len(ids) > 0 {
		n := maxBatch
		if n > len(ids) {
			n = len(ids)
		}
		batches = append(batches, ids[:n])
		ids = ids[n:]
	}
	return batches
}

// AcquireEndSessionsSlot bounds how many endSessions batches may be in
// flight concurrently during teardown.
func (p *Pool) AcquireEndSessionsSlot(ctx context.Context) error {
	return p.endSessionsSem.Acquire(ctx, 1)
}

// ReleaseEndSessionsSlot releases a slot acquired with
// AcquireEndSessionsSlot.
func (p *Pool) ReleaseEndSessionsSlot() {
	p.endSessionsSem.Release(1)
}
