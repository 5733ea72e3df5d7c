package topology

import (
	"context"
	"testing"
	"time"

	"github.com/corewire/mongowire/address"
	"github.com/corewire/mongowire/description"
)

// newTestTopology builds a Topology bypassing New, so no updater/watch
// goroutines are started and addServer is never implicitly invoked.
func newTestTopology(seeds ...address.Address) *Topology {
	return &Topology{
		current: description.New(seeds, ""),
		servers: make(map[address.Address]*Server, len(seeds)),
		updates: make(chan update, 8),
		done:    make(chan struct{}),
	}
}

func TestTopologyDescriptionAndServerAccessors(t *testing.T) {
	a := addr("a")
	top := newTestTopology(a)
	srv := newTestServer("a")
	top.servers[a] = srv

	if top.Description().Kind != description.Single {
		t.Errorf("Description().Kind = %v; want Single for a single seed", top.Description().Kind)
	}
	if top.Server(a) != srv {
		t.Errorf("Server(a) did not return the registered server")
	}
	if top.Server(addr("missing")) != nil {
		t.Errorf("Server of an unknown endpoint should be nil")
	}
}

func TestTopologyRequestImmediateCheckFansOutToAllServers(t *testing.T) {
	top := newTestTopology(addr("a"), addr("b"))
	sa, sb := newTestServer("a"), newTestServer("b")
	top.servers[addr("a")] = sa
	top.servers[addr("b")] = sb

	top.RequestImmediateCheck()

	for name, s := range map[string]*Server{"a": sa, "b": sb} {
		select {
		case <-s.checkNow:
		default:
			t.Errorf("server %s did not receive an immediate-check signal", name)
		}
	}
}

func TestTopologyProcessUpdateIgnoresUnknownEndpoint(t *testing.T) {
	top := newTestTopology(addr("a"))
	ch := top.subscribe()

	top.processUpdate(update{endpoint: addr("not-a-member"), desc: description.NewDefaultServer(addr("not-a-member"))})

	select {
	case <-ch:
		t.Errorf("an update for an endpoint outside the topology should not notify waiters")
	default:
	}
}

func TestTopologyProcessUpdateAppliesAndNotifiesWaiters(t *testing.T) {
	top := newTestTopology(addr("a"))
	ch := top.subscribe()

	next := description.NewDefaultServer(addr("a"))
	next.Kind = description.Standalone
	top.processUpdate(update{endpoint: addr("a"), desc: next})

	select {
	case <-ch:
	default:
		t.Errorf("expected the waiter to be notified after a recognized update")
	}
	if got := top.Description().Servers[addr("a")].Kind; got != description.Standalone {
		t.Errorf("Servers[a].Kind = %v; want Standalone", got)
	}
}

func TestTopologyReconcileServersRemovesDroppedEndpoint(t *testing.T) {
	top := newTestTopology(addr("a"), addr("b"))
	top.servers[addr("a")] = newTestServer("a")
	top.servers[addr("b")] = newTestServer("b")

	next := description.Topology{Servers: map[address.Address]description.Server{addr("a"): description.NewDefaultServer(addr("a"))}}
	top.mu.Lock()
	top.reconcileServers(next)
	top.mu.Unlock()

	if _, ok := top.servers[addr("b")]; ok {
		t.Errorf("b should have been removed once it dropped out of the topology snapshot")
	}
	if _, ok := top.servers[addr("a")]; !ok {
		t.Errorf("a should remain registered")
	}
}

func TestTopologyReconcileServersAddsNewEndpoint(t *testing.T) {
	top := newTestTopology(addr("a"))
	top.servers[addr("a")] = newTestServer("a")
	top.cfg.ConnectTimeout = time.Millisecond

	next := description.Topology{Servers: map[address.Address]description.Server{
		addr("a"):           description.NewDefaultServer(addr("a")),
		addr("127.0.0.1:1"): description.NewDefaultServer(addr("127.0.0.1:1")),
	}}
	top.mu.Lock()
	top.reconcileServers(next)
	top.mu.Unlock()

	srv, ok := top.servers[addr("127.0.0.1:1")]
	if !ok || srv == nil {
		t.Fatalf("expected a monitor to be started for the newly discovered endpoint")
	}
	srv.Close()
}

func TestTopologyCloseStopsServersAndIsIdempotent(t *testing.T) {
	top := newTestTopology(addr("a"))
	top.servers[addr("a")] = newTestServer("a")

	top.Close()
	top.Close()

	select {
	case <-top.done:
	default:
		t.Errorf("done channel should be closed after Close")
	}
}

func TestTopologyDisconnectClosesAndReturnsNil(t *testing.T) {
	top := newTestTopology(addr("a"))
	top.servers[addr("a")] = newTestServer("a")

	if err := top.Disconnect(context.Background()); err != nil {
		t.Errorf("Disconnect() = %v; want nil", err)
	}
}
