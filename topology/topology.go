package topology

import (
	"context"
	"sync"
	"time"

	"github.com/corewire/mongowire/address"
	"github.com/corewire/mongowire/description"
	"github.com/corewire/mongowire/event"
)

// Config configures a Topology manager.
type Config struct {
	Seeds             []address.Address
	SetName           string
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	ServerSelectionTimeout time.Duration
	LocalThreshold    time.Duration
	Handshaker        Handshaker
	SDAMMonitor       *event.SDAMMonitor
	PoolMonitor       *event.PoolMonitor
	ConnectionOpts    []ConnectionOption
	AppName           string
}

// update carries one server's freshly monitored description into the
// topology's single updater goroutine, per spec.md §4.4's requirement
// that topology state serialize through one updater.
type update struct {
	endpoint address.Address
	desc     description.Server
}

// Topology owns the deployment-wide state machine: one Server monitor per
// known endpoint, merged through apply() into a single current
// description.Topology snapshot, with servers added and removed as the
// FSM's host-set reconciliation dictates. Grounded on cluster/cluster.go's
// single-updater-goroutine, atomic-snapshot-swap design.
type Topology struct {
	cfg Config

	mu      sync.RWMutex
	current description.Topology
	servers map[address.Address]*Server

	updates chan update
	waiters []chan struct{}

	done chan struct{}
}

// New constructs and starts a Topology manager for the given seed list.
func New(cfg Config) *Topology {
	if cfg.LocalThreshold <= 0 {
		cfg.LocalThreshold = 15 * time.Millisecond
	}
	if cfg.ServerSelectionTimeout <= 0 {
		cfg.ServerSelectionTimeout = 30 * time.Second
	}

	t := &Topology{
		cfg:     cfg,
		current: description.New(cfg.Seeds, cfg.SetName),
		servers: make(map[address.Address]*Server, len(cfg.Seeds)),
		updates: make(chan update, len(cfg.Seeds)*2+8),
		done:    make(chan struct{}),
	}
	for _, s := range cfg.Seeds {
		t.addServer(s)
	}
	go t.run()
	return t
}

func (t *Topology) addServer(addr address.Address) {
	if _, exists := t.servers[addr]; exists {
		return
	}
	srv := NewServer(ServerConfig{
		Address:           addr,
		HeartbeatInterval: t.cfg.HeartbeatInterval,
		ConnectTimeout:    t.cfg.ConnectTimeout,
		Handshaker:        t.cfg.Handshaker,
		SDAMMonitor:       t.cfg.SDAMMonitor,
		PoolMonitor:       t.cfg.PoolMonitor,
		ConnectionOpts:    t.cfg.ConnectionOpts,
		AppName:           t.cfg.AppName,
	})
	t.servers[addr] = srv
	go t.watch(addr, srv)
}

// watch polls one server's published description for changes and feeds
// them to the single updater goroutine. A dedicated poll loop (rather
// than a callback from Server) keeps Server ignorant of Topology, which
// would otherwise create an import cycle between the per-server monitor
// and the aggregate state machine.
func (t *Topology) watch(addr address.Address, srv *Server) {
	var last description.Server
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			d := srv.Description()
			if d.Kind != last.Kind || d.LastUpdateTime != last.LastUpdateTime {
				last = d
				select {
				case t.updates <- update{endpoint: addr, desc: d}:
				case <-t.done:
					return
				}
			}
		}
	}
}

func (t *Topology) run() {
	for {
		select {
		case <-t.done:
			return
		case u := <-t.updates:
			t.processUpdate(u)
		}
	}
}

func (t *Topology) processUpdate(u update) {
	t.mu.Lock()
	if !t.current.HasServer(u.endpoint) {
		t.mu.Unlock()
		return
	}
	prevKind := t.current.Kind
	next := apply(t.current, u.endpoint, u.desc, len(t.cfg.Seeds))
	t.current = next
	t.reconcileServers(next)
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	if prevKind != next.Kind {
		publishTopologyChanged(t.cfg.SDAMMonitor, prevKind, next.Kind)
	}
	for _, w := range waiters {
		close(w)
	}
}

// reconcileServers starts monitors for endpoints the FSM just added and
// stops/removes monitors for endpoints it just dropped. Must be called
// with t.mu held.
func (t *Topology) reconcileServers(next description.Topology) {
	for addr := range next.Servers {
		if _, ok := t.servers[addr]; !ok {
			t.addServer(addr)
		}
	}
	for addr, srv := range t.servers {
		if _, ok := next.Servers[addr]; !ok {
			srv.Close()
			delete(t.servers, addr)
		}
	}
}

func publishTopologyChanged(m *event.SDAMMonitor, prev, next description.TopologyKind) {
	if m == nil || m.TopologyDescriptionChanged == nil {
		return
	}
	m.TopologyDescriptionChanged(event.TopologyDescriptionChangedEvent{PreviousKind: prev, NewKind: next})
}

// Description returns the current topology snapshot.
func (t *Topology) Description() description.Topology {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Server returns the monitor for addr, or nil if addr is not currently a
// member of the topology.
func (t *Topology) Server(addr address.Address) *Server {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.servers[addr]
}

// RequestImmediateCheck asks every known server to heartbeat now, per
// spec.md §4.3's "immediate rescan" trigger (a NotMaster error, or a
// failed server-selection attempt).
func (t *Topology) RequestImmediateCheck() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, srv := range t.servers {
		srv.RequestImmediateCheck()
	}
}

// subscribe returns a channel closed the next time the topology's
// snapshot changes, for server selection's wait-and-retry loop.
func (t *Topology) subscribe() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan struct{})
	t.waiters = append(t.waiters, ch)
	return ch
}

// Close stops every server monitor and the updater goroutine.
func (t *Topology) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return
	default:
		close(t.done)
	}
	for _, srv := range t.servers {
		srv.Close()
	}
}

// Disconnect is an alias for Close matching the vocabulary callers expect
// from a client shutdown path.
func (t *Topology) Disconnect(ctx context.Context) error {
	t.Close()
	return nil
}
