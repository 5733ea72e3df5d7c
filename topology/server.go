package topology

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corewire/mongowire/address"
	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
	"github.com/corewire/mongowire/event"
)

// rttAlpha is the exponential moving-average weight applied to each new
// round-trip-time sample, per spec.md §4.3.
const rttAlpha = 0.2

const minHeartbeatInterval = 500 * time.Millisecond

// ServerConfig configures a monitored Server.
type ServerConfig struct {
	Address            address.Address
	HeartbeatInterval  time.Duration
	ConnectTimeout     time.Duration
	Handshaker         Handshaker
	SDAMMonitor        *event.SDAMMonitor
	PoolMonitor        *event.PoolMonitor
	ConnectionOpts     []ConnectionOption
	AppName            string
}

// Server monitors one endpoint with a dedicated heartbeat connection and
// serves application connections from a pool, per spec.md §4.3. Grounded
// closely on x/mongo/driver/topology/server.go's monitor goroutine and
// atomic.Value-published description.
type Server struct {
	cfg  ServerConfig
	pool *Pool

	desc atomic.Value // description.Server

	mu          sync.Mutex
	rtt         time.Duration
	rttSet      bool
	topologyVer *description.TopologyVersion

	checkNow chan struct{}
	done     chan struct{}
	closeOnce sync.Once

	monitorConn *Connection
}

// NewServer constructs a Server and starts its heartbeat goroutine. The
// server begins Unknown and publishes its first description once the
// initial heartbeat completes.
func NewServer(cfg ServerConfig) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		checkNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.desc.Store(description.NewDefaultServer(cfg.Address))

	poolOpts := append(append([]ConnectionOption{}, cfg.ConnectionOpts...), WithHandshaker(cfg.Handshaker), WithAppName(cfg.AppName))
	s.pool = NewPool(PoolConfig{
		Address:        cfg.Address,
		ConnectTimeout: cfg.ConnectTimeout,
		PoolMonitor:    cfg.PoolMonitor,
		ConnectionOpts: poolOpts,
	})

	go s.monitorLoop()
	return s
}

// Description returns the server's most recently published description.
func (s *Server) Description() description.Server {
	return s.desc.Load().(description.Server)
}

// Pool returns the server's connection pool, for the driver's operation
// dispatch to check connections out of.
func (s *Server) Pool() *Pool { return s.pool }

// RequestImmediateCheck asks the heartbeat loop to run a check now rather
// than waiting out the rest of the heartbeat interval, per spec.md §4.3's
// "immediate check" trigger (e.g. after a command fails with a
// not-master-family error).
func (s *Server) RequestImmediateCheck() {
	select {
	case s.checkNow <- struct{}{}:
	default:
	}
}

// Close stops the heartbeat goroutine and closes the connection pool.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.pool.Close()
		if s.monitorConn != nil {
			s.monitorConn.Close()
		}
	})
}

func (s *Server) monitorLoop() {
	timer := time.NewTimer(0)
	defer timer.Stop()
	var lastCheck time.Time
	for {
		select {
		case <-s.done:
			return
		case <-timer.C:
		case <-s.checkNow:
			if !timer.Stop() {
				<-timer.C
			}
			if since := time.Since(lastCheck); since < minHeartbeatInterval {
				time.Sleep(minHeartbeatInterval - since)
			}
		}
		s.check()
		lastCheck = time.Now()
		timer.Reset(s.cfg.HeartbeatInterval)
	}
}

// check performs one heartbeat and publishes the updated description.
// The minHeartbeatInterval rate limiting that keeps a burst of checkNow
// requests from flooding the server is applied by monitorLoop.
func (s *Server) check() {
	ctx, cancel := context.WithTimeout(context.Background(), s.connectTimeout())
	defer cancel()

	prev := s.Description()

	start := time.Now()
	reply, err := s.heartbeat(ctx)
	elapsed := time.Since(start)

	var next description.Server
	if err != nil {
		next = description.NewServerFromError(s.cfg.Address, err, s.currentTopologyVersion())
		s.resetRTT()
		if s.monitorConn != nil {
			s.monitorConn.Close()
			s.monitorConn = nil
		}
	} else {
		next = parseHelloReply(s.cfg.Address, reply)
		next.AverageRTT = s.updateRTT(elapsed)
		next.AverageRTTSet = true
		s.mu.Lock()
		s.topologyVer = next.TopologyVersion
		s.mu.Unlock()
	}

	next.HeartbeatInterval = s.cfg.HeartbeatInterval
	s.desc.Store(next)
	if prev.Kind != next.Kind {
		publishServerChanged(s.cfg.SDAMMonitor, s.cfg.Address, prev.Kind, next.Kind)
	}
}

func (s *Server) connectTimeout() time.Duration {
	if s.cfg.ConnectTimeout > 0 {
		return s.cfg.ConnectTimeout
	}
	return 30 * time.Second
}

func (s *Server) currentTopologyVersion() *description.TopologyVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topologyVer
}

func (s *Server) updateRTT(sample time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rttSet {
		s.rtt = sample
		s.rttSet = true
	} else {
		s.rtt = time.Duration(rttAlpha*float64(sample) + (1-rttAlpha)*float64(s.rtt))
	}
	return s.rtt
}

func (s *Server) resetRTT() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtt = 0
	s.rttSet = false
}

// heartbeat runs isMaster/hello on a dedicated monitoring connection,
// dialing one lazily and redialing after any failure, per spec.md §4.3.
func (s *Server) heartbeat(ctx context.Context) (bsoncore.Document, error) {
	if s.monitorConn == nil || s.monitorConn.Stale() {
		conn, _, err := Dial(ctx, s.cfg.Address,
			WithConnectTimeout(s.connectTimeout()),
			WithAppName(s.cfg.AppName),
		)
		if err != nil {
			return nil, err
		}
		s.monitorConn = conn
	}
	cmd := s.cfg.Handshaker.GetHandshakeCommand(s.currentTopologyVersion())
	return s.monitorConn.RunCommand(ctx, "admin", cmd)
}

func publishServerChanged(m *event.SDAMMonitor, addr address.Address, prev, next description.ServerKind) {
	if m == nil || m.ServerDescriptionChanged == nil {
		return
	}
	m.ServerDescriptionChanged(event.ServerDescriptionChangedEvent{Address: addr, PreviousKind: prev, NewKind: next})
}

// parseHelloReply maps a hello/isMaster reply into a description.Server,
// grounded on x/mongo/driver/description's NewServer parsing of the same
// command.
func parseHelloReply(addr address.Address, reply bsoncore.Document) description.Server {
	d := description.NewDefaultServer(addr)
	d.Kind = description.Standalone

	if v, err := reply.Lookup("ok"); err == nil {
		if f, ok := v.Double(); ok && f == 0 {
			d.Kind = description.Unknown
		}
	}
	if v, err := reply.Lookup("msg"); err == nil {
		if str, ok := v.StringValue(); ok && str == "isdbgrid" {
			d.Kind = description.Mongos
		}
	}
	if v, err := reply.Lookup("setName"); err == nil {
		if str, ok := v.StringValue(); ok {
			d.SetName = str
			d.Kind = description.RSSecondary
		}
	}
	if v, err := reply.Lookup("ismaster"); err == nil {
		if b, ok := v.Boolean(); ok && b && d.SetName != "" {
			d.Kind = description.RSPrimary
		}
	}
	if v, err := reply.Lookup("isWritablePrimary"); err == nil {
		if b, ok := v.Boolean(); ok && b && d.SetName != "" {
			d.Kind = description.RSPrimary
		}
	}
	if v, err := reply.Lookup("arbiterOnly"); err == nil {
		if b, ok := v.Boolean(); ok && b {
			d.Kind = description.RSArbiter
		}
	}
	if v, err := reply.Lookup("hidden"); err == nil {
		if b, ok := v.Boolean(); ok && b {
			d.Kind = description.RSGhost
		}
	}

	if v, err := reply.Lookup("minWireVersion"); err == nil {
		if i, ok := v.AsInt64(); ok {
			d.MinWireVersion = int32(i)
		}
	}
	if v, err := reply.Lookup("maxWireVersion"); err == nil {
		if i, ok := v.AsInt64(); ok {
			d.MaxWireVersion = int32(i)
		}
	}
	if v, err := reply.Lookup("maxWriteBatchSize"); err == nil {
		if i, ok := v.AsInt64(); ok {
			d.MaxWriteBatchSize = int32(i)
		}
	} else {
		d.MaxWriteBatchSize = 100000
	}
	if v, err := reply.Lookup("maxBsonObjectSize"); err == nil {
		if i, ok := v.AsInt64(); ok {
			d.MaxBSONObjectSize = int32(i)
		}
	} else {
		d.MaxBSONObjectSize = 16777216
	}
	if v, err := reply.Lookup("maxMessageSizeBytes"); err == nil {
		if i, ok := v.AsInt64(); ok {
			d.MaxMessageSizeBytes = int32(i)
		}
	} else {
		d.MaxMessageSizeBytes = 48000000
	}
	if v, err := reply.Lookup("logicalSessionTimeoutMinutes"); err == nil {
		if i, ok := v.AsInt64(); ok {
			d.LogicalSessionTimeoutMin = int32(i)
		}
	}
	if v, err := reply.Lookup("compression"); err == nil {
		if arr, ok := v.Document(); ok {
			elems, _ := arr.Elements()
			for _, e := range elems {
				if str, ok := e.Value.StringValue(); ok {
					d.Compressors = append(d.Compressors, str)
				}
			}
		}
	}
	if v, err := reply.Lookup("saslSupportedMechs"); err == nil {
		if arr, ok := v.Document(); ok {
			elems, _ := arr.Elements()
			for _, e := range elems {
				if str, ok := e.Value.StringValue(); ok {
					d.SASLSupportedMechs = append(d.SASLSupportedMechs, str)
				}
			}
		}
	}
	if v, err := reply.Lookup("topologyVersion"); err == nil {
		if doc, ok := v.Document(); ok {
			tv := &description.TopologyVersion{}
			if pid, err := doc.Lookup("processId"); err == nil {
				if s, ok := pid.StringValue(); ok {
					tv.ProcessID = s
				}
			}
			if ctr, err := doc.Lookup("counter"); err == nil {
				if i, ok := ctr.AsInt64(); ok {
					tv.Counter = i
				}
			}
			d.TopologyVersion = tv
		}
	}
	if tags, err := reply.Lookup("tags"); err == nil {
		if doc, ok := tags.Document(); ok {
			elems, _ := doc.Elements()
			d.Tags = make(map[string]string, len(elems))
			for _, e := range elems {
				if str, ok := e.Value.StringValue(); ok {
					d.Tags[e.Key] = str
				}
			}
		}
	}
	if v, err := reply.Lookup("primary"); err == nil {
		if str, ok := v.StringValue(); ok {
			d.Primary = address.Normalize(str)
		}
	}
	if hosts, err := reply.Lookup("hosts"); err == nil {
		d.Hosts = readAddressArray(hosts)
	}
	if passives, err := reply.Lookup("passives"); err == nil {
		d.Passives = readAddressArray(passives)
	}
	if arbiters, err := reply.Lookup("arbiters"); err == nil {
		d.Arbiters = readAddressArray(arbiters)
	}
	if v, err := reply.Lookup("lastWrite"); err == nil {
		if doc, ok := v.Document(); ok {
			if lwo, err := doc.Lookup("lastWriteDate"); err == nil {
				if millis, ok := lwo.DateTime(); ok {
					d.LastWriteDate = time.UnixMilli(millis)
				}
			}
		}
	}

	d.LastUpdateTime = time.Now()
	return d
}

// readAddressArray reads a BSON array of strings (hosts/passives/arbiters
// are encoded as arrays, which share the document wire shape with
// positional numeric keys).
func readAddressArray(v bsoncore.Value) []address.Address {
	doc, ok := v.Document()
	if !ok {
		return nil
	}
	elems, err := doc.Elements()
	if err != nil {
		return nil
	}
	out := make([]address.Address, 0, len(elems))
	for _, e := range elems {
		if str, ok := e.Value.StringValue(); ok {
			out = append(out, address.Normalize(str))
		}
	}
	return out
}
