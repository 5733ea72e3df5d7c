package topology

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/corewire/mongowire/address"
)

func fakeConn(generation uint64, dead bool) *Connection {
	_, server := net.Pipe()
	c := &Connection{cfg: &connectionConfig{}, nc: server, generation: generation}
	if dead {
		c.dead = 1
	}
	return c
}

func TestPoolCheckoutClosedReturnsErrPoolClosed(t *testing.T) {
	p := NewPool(PoolConfig{Address: address.Normalize("a")})
	p.state = poolClosed
	if _, err := p.Checkout(context.Background()); err != ErrPoolClosed {
		t.Errorf("Checkout on a closed pool = %v; want ErrPoolClosed", err)
	}
}

func TestPoolCheckoutPausedReturnsErrPoolPaused(t *testing.T) {
	p := NewPool(PoolConfig{Address: address.Normalize("a")})
	if _, err := p.Checkout(context.Background()); err != ErrPoolPaused {
		t.Errorf("Checkout on a freshly constructed (paused) pool = %v; want ErrPoolPaused", err)
	}
}

func TestPoolReadyThenClosedIsFinal(t *testing.T) {
	p := NewPool(PoolConfig{Address: address.Normalize("a")})
	p.Ready()
	p.state = poolClosed
	p.Ready()
	if p.state != poolClosed {
		t.Errorf("Ready must not reopen an already-closed pool")
	}
}

func TestPoolCheckoutReturnsIdleConnectionOfCurrentGeneration(t *testing.T) {
	p := NewPool(PoolConfig{Address: address.Normalize("a")})
	p.Ready()
	conn := fakeConn(0, false)
	p.conns = append(p.conns, &pooledConnection{Connection: conn, idleSince: time.Now()})
	p.totalConns = 1

	got, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if got != conn {
		t.Errorf("Checkout returned a different connection than the pooled one")
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d; want 0 after checking out the only idle connection", p.Len())
	}
}

func TestPoolCheckoutDiscardsStaleIdleConnection(t *testing.T) {
	p := NewPool(PoolConfig{Address: address.Normalize("a"), MaxPoolSize: 1})
	p.Ready()
	stale := fakeConn(0, true)
	p.conns = append(p.conns, &pooledConnection{Connection: stale, idleSince: time.Now()})
	p.totalConns = 1

	if _, err := p.Checkout(context.Background()); err == nil {
		t.Fatalf("expected an error once the only idle connection is discarded as stale and the pool is at MaxPoolSize")
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d; want 0, stale connection should have been discarded", p.Len())
	}
}

func TestPoolCheckoutDiscardsOldGeneration(t *testing.T) {
	p := NewPool(PoolConfig{Address: address.Normalize("a"), MaxPoolSize: 1})
	p.Ready()
	p.generation = 1
	old := fakeConn(0, false)
	p.conns = append(p.conns, &pooledConnection{Connection: old, idleSince: time.Now()})
	p.totalConns = 1

	if _, err := p.Checkout(context.Background()); err == nil {
		t.Fatalf("expected an error once the stale-generation connection is discarded and the pool is at MaxPoolSize")
	}
}

func TestPoolCheckoutDiscardsIdleTimedOutConnection(t *testing.T) {
	p := NewPool(PoolConfig{Address: address.Normalize("a"), MaxPoolSize: 1, MaxIdleTime: time.Millisecond})
	p.Ready()
	idle := fakeConn(0, false)
	p.conns = append(p.conns, &pooledConnection{Connection: idle, idleSince: time.Now().Add(-time.Hour)})
	p.totalConns = 1

	if _, err := p.Checkout(context.Background()); err == nil {
		t.Fatalf("expected an error once the idle-timed-out connection is discarded and the pool is at MaxPoolSize")
	}
}

func TestPoolCheckoutExhausted(t *testing.T) {
	p := NewPool(PoolConfig{Address: address.Normalize("a"), MaxPoolSize: 1})
	p.Ready()
	p.totalConns = 1

	if _, err := p.Checkout(context.Background()); err == nil {
		t.Errorf("expected an exhaustion error when totalConns already meets MaxPoolSize")
	}
}

func TestPoolCheckInDiscardsStaleConnection(t *testing.T) {
	p := NewPool(PoolConfig{Address: address.Normalize("a")})
	p.Ready()
	p.totalConns = 1
	p.CheckIn(fakeConn(0, true))
	if p.Len() != 0 {
		t.Errorf("Len() = %d; want 0, a stale connection must not be pooled", p.Len())
	}
}

func TestPoolCheckInDiscardsOldGeneration(t *testing.T) {
	p := NewPool(PoolConfig{Address: address.Normalize("a")})
	p.Ready()
	p.generation = 1
	p.totalConns = 1
	p.CheckIn(fakeConn(0, false))
	if p.Len() != 0 {
		t.Errorf("Len() = %d; want 0, an old-generation connection must not be pooled", p.Len())
	}
}

func TestPoolCheckInPoolsLiveConnection(t *testing.T) {
	p := NewPool(PoolConfig{Address: address.Normalize("a")})
	p.Ready()
	p.CheckIn(fakeConn(0, false))
	if p.Len() != 1 {
		t.Errorf("Len() = %d; want 1", p.Len())
	}
}

func TestPoolCheckInNilIsNoop(t *testing.T) {
	p := NewPool(PoolConfig{Address: address.Normalize("a")})
	p.CheckIn(nil)
	if p.Len() != 0 {
		t.Errorf("CheckIn(nil) should not affect the pool")
	}
}

func TestPoolClearBumpsGenerationAndPauses(t *testing.T) {
	p := NewPool(PoolConfig{Address: address.Normalize("a")})
	p.Ready()
	p.Clear("network error")
	if p.Generation() != 1 {
		t.Errorf("Generation() = %d; want 1", p.Generation())
	}
	if _, err := p.Checkout(context.Background()); err != ErrPoolPaused {
		t.Errorf("a cleared pool should be paused until Ready is called again, got %v", err)
	}
}

func TestPoolCloseClosesIdleConnectionsAndRejectsFurtherCheckouts(t *testing.T) {
	p := NewPool(PoolConfig{Address: address.Normalize("a")})
	p.Ready()
	conn := fakeConn(0, false)
	p.conns = append(p.conns, &pooledConnection{Connection: conn, idleSince: time.Now()})

	p.Close()
	if !conn.Stale() {
		t.Errorf("Close should close idle connections")
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d; want 0 after Close", p.Len())
	}
	if _, err := p.Checkout(context.Background()); err != ErrPoolClosed {
		t.Errorf("Checkout after Close = %v; want ErrPoolClosed", err)
	}
}
