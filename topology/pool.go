package topology

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/corewire/mongowire/address"
	"github.com/corewire/mongowire/event"
)

// poolState mirrors x/mongo/driver/topology/pool.go's lifecycle states:
// a pool is born, serves checkouts, and is permanently closed at
// disconnect.
type poolState int32

const (
	poolPaused poolState = iota
	poolReady
	poolClosed
)

// PoolConfig configures a connection Pool.
type PoolConfig struct {
	Address        address.Address
	MinPoolSize    uint64
	MaxPoolSize    uint64
	MaxIdleTime    time.Duration
	ConnectTimeout time.Duration
	PoolMonitor    *event.PoolMonitor
	ConnectionOpts []ConnectionOption
}

// pooledConnection wraps a Connection with pool bookkeeping: the
// generation it was minted under (for generation-based clearing after a
// network error, per spec.md §5's "clear the pool" SDAM reaction) and its
// last check-in time (for idle-timeout reaping).
type pooledConnection struct {
	*Connection
	idleSince time.Time
}

// Pool manages reusable connections to a single endpoint, with
// generation-numbered invalidation: a generation bump (from Clear) marks
// every connection of
// the old generation dead on next checkin rather than walking the
// in-flight set synchronously. Grounded on
// x/mongo/driver/topology/pool.go's generation-number design, not sampled
// in this pack's pre-1.0 core/connection layer.
type Pool struct {
	cfg PoolConfig

	mu         sync.Mutex
	state      poolState
	generation uint64
	conns      []*pooledConnection
	totalConns uint64
}

// NewPool constructs a Pool in the paused state; call Ready to allow
// checkouts once the server is known to be reachable.
func NewPool(cfg PoolConfig) *Pool {
	return &Pool{
		cfg:   cfg,
		state: poolPaused,
	}
}

// Ready transitions the pool to accept checkouts, publishing a
// PoolCleared-adjacent lifecycle event.
func (p *Pool) Ready() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == poolClosed {
		return
	}
	p.state = poolReady
	p.cfg.PoolMonitor.Publish(event.PoolReady, p.cfg.Address, "")
}

// Clear bumps the generation, causing every connection minted before this
// call to be discarded on its next check-in, and pauses new checkouts
// until Ready is called again. This is the pool's reaction to an SDAM
// network-error classification, per spec.md §5.
func (p *Pool) Clear(reason string) {
	p.mu.Lock()
	p.generation++
	p.state = poolPaused
	p.mu.Unlock()
	p.cfg.PoolMonitor.Publish(event.PoolCleared, p.cfg.Address, reason)
}

// Generation returns the pool's current generation number.
func (p *Pool) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// ErrPoolClosed is returned by Checkout once the pool has been closed.
var ErrPoolClosed = fmt.Errorf("topology: connection pool is closed")

// ErrPoolPaused is returned by Checkout when the pool is paused awaiting
// a successful server check.
var ErrPoolPaused = fmt.Errorf("topology: connection pool is paused")

// Checkout returns a live, ready-to-use connection: an idle pooled
// connection of the current generation if one is available, or a newly
// dialed one up to MaxPoolSize.
func (p *Pool) Checkout(ctx context.Context) (*Connection, error) {
	p.mu.Lock()
	switch p.state {
	case poolClosed:
		p.mu.Unlock()
		return nil, ErrPoolClosed
	case poolPaused:
		p.mu.Unlock()
		return nil, ErrPoolPaused
	}

	currentGen := p.generation
	for len(p.conns) > 0 {
		pc := p.conns[len(p.conns)-1]
		p.conns = p.conns[:len(p.conns)-1]
		if pc.Generation() != currentGen || pc.Stale() {
			p.totalConns--
			pc.Close()
			continue
		}
		if p.cfg.MaxIdleTime > 0 && time.Since(pc.idleSince) > p.cfg.MaxIdleTime {
			p.totalConns--
			pc.Close()
			continue
		}
		p.mu.Unlock()
		p.cfg.PoolMonitor.Publish(event.ConnectionCheckedOut, p.cfg.Address, "")
		return pc.Connection, nil
	}

	if p.cfg.MaxPoolSize > 0 && p.totalConns >= p.cfg.MaxPoolSize {
		p.mu.Unlock()
		return nil, fmt.Errorf("topology: connection pool for %s exhausted (max %d)", p.cfg.Address, p.cfg.MaxPoolSize)
	}
	p.totalConns++
	p.mu.Unlock()

	opts := append(append([]ConnectionOption{}, p.cfg.ConnectionOpts...), WithGeneration(currentGen))
	conn, _, err := Dial(ctx, p.cfg.Address, opts...)
	if err != nil {
		p.mu.Lock()
		p.totalConns--
		p.mu.Unlock()
		return nil, err
	}
	p.cfg.PoolMonitor.Publish(event.ConnectionCreated, p.cfg.Address, "")
	p.cfg.PoolMonitor.Publish(event.ConnectionCheckedOut, p.cfg.Address, "")
	return conn, nil
}

// CheckIn returns conn to the pool for reuse, or discards it if it is
// stale or belongs to a retired generation.
func (p *Pool) CheckIn(conn *Connection) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == poolClosed || conn.Stale() || conn.Generation() != p.generation {
		p.totalConns--
		conn.Close()
		p.cfg.PoolMonitor.Publish(event.ConnectionClosed, p.cfg.Address, "stale")
		return
	}
	p.conns = append(p.conns, &pooledConnection{Connection: conn, idleSince: time.Now()})
	p.cfg.PoolMonitor.Publish(event.ConnectionCheckedIn, p.cfg.Address, "")
}

// Close tears down every idle connection and marks the pool permanently
// closed; in-flight checked-out connections are closed as they are
// checked back in.
func (p *Pool) Close() {
	p.mu.Lock()
	p.state = poolClosed
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	for _, pc := range conns {
		pc.Close()
	}
	p.cfg.PoolMonitor.Publish(event.ConnectionClosed, p.cfg.Address, "pool closed")
}

// Len reports the number of idle pooled connections, for tests and
// diagnostics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
