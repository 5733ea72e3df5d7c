// Package description holds the data model of spec.md §3: the per-server
// and per-topology descriptions that the monitor produces and the
// topology state machine consumes. Grounded on
// x/mongo/driver/topology/server.go's use of description.Server,
// description.NewDefaultServer, description.NewServerFromError, and
// description.CompareTopologyVersion.
package description

import (
	"time"

	"github.com/corewire/mongowire/address"
)

// ServerKind classifies a single server within a deployment.
type ServerKind uint32

// Server kinds, per spec.md §3.
const (
	Unknown ServerKind = iota
	Standalone
	Mongos
	PossiblePrimary
	RSPrimary
	RSSecondary
	RSArbiter
	RSOther
	RSGhost
)

func (k ServerKind) String() string {
	switch k {
	case Standalone:
		return "Standalone"
	case Mongos:
		return "Mongos"
	case PossiblePrimary:
		return "PossiblePrimary"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case RSOther:
		return "RSOther"
	case RSGhost:
		return "RSGhost"
	default:
		return "Unknown"
	}
}

// VersionRange is an inclusive [Min, Max] wire-version range, as
// advertised by a server's hello/isMaster reply.
type VersionRange struct {
	Min, Max int32
}

// Includes reports whether v falls within the range.
func (r VersionRange) Includes(v int32) bool { return v >= r.Min && v <= r.Max }

// TopologyVersion tracks a server's monotonically increasing
// configuration generation (spec.md Supplemented Feature #2). The monitor
// records it from each heartbeat reply; no error-handling path compares it.
type TopologyVersion struct {
	ProcessID string
	Counter   int64
}

// CompareTopologyVersion returns -1, 0, or 1 comparing the two versions,
// or 0 treating either nil pointer as "no useful information" so callers
// fall back to always-invalidate behavior. Grounded on
// description.CompareTopologyVersion in x/mongo/driver/topology/server.go.
func CompareTopologyVersion(a, b *TopologyVersion) int {
	if a == nil || b == nil {
		return 0
	}
	if a.ProcessID != b.ProcessID {
		return 0
	}
	switch {
	case a.Counter < b.Counter:
		return -1
	case a.Counter > b.Counter:
		return 1
	default:
		return 0
	}
}

// Server is a single server's description as of its last successful (or
// failed) heartbeat.
type Server struct {
	Endpoint address.Address
	Kind     ServerKind

	AverageRTT      time.Duration
	AverageRTTSet   bool
	LastUpdateTime  time.Time
	LastWriteDate   time.Time
	LastError       error
	TopologyVersion *TopologyVersion

	SetName        string
	SetVersion     int64
	ElectionID     [12]byte
	HasElectionID  bool
	Primary        address.Address
	Hosts          []address.Address
	Passives       []address.Address
	Arbiters       []address.Address
	Tags           map[string]string

	MaxWireVersion           int32
	MinWireVersion           int32
	MaxBSONObjectSize        int32
	MaxMessageSizeBytes      int32
	MaxWriteBatchSize        int32
	LogicalSessionTimeoutMin int32
	Compressors              []string
	SASLSupportedMechs       []string

	HeartbeatInterval time.Duration
}

// NewDefaultServer returns the zero-value Unknown description used before
// the first heartbeat completes.
func NewDefaultServer(addr address.Address) Server {
	return Server{
		Endpoint:          addr,
		Kind:              Unknown,
		MaxWriteBatchSize: 100000,
		LastUpdateTime:    time.Now(),
	}
}

// NewServerFromError returns an Unknown description carrying err as the
// reason, optionally preserving a TopologyVersion read from the error
// itself so staleness comparisons still work across repeated failures.
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) Server {
	return Server{
		Endpoint:        addr,
		Kind:            Unknown,
		LastError:       err,
		LastUpdateTime:  time.Now(),
		TopologyVersion: tv,
	}
}

// SetAverageRTT returns a copy of s with its EWMA round-trip time set.
func (s Server) SetAverageRTT(d time.Duration) Server {
	s.AverageRTT = d
	s.AverageRTTSet = true
	return s
}

// DataBearing reports whether this server kind is expected to hold data
// and therefore participates in ordinary read/write selection (excludes
// Unknown, RSArbiter, RSGhost).
func (s Server) DataBearing() bool {
	switch s.Kind {
	case Standalone, RSPrimary, RSSecondary, Mongos:
		return true
	default:
		return false
	}
}

// MatchesTags reports whether s carries every key/value pair in tagSet.
func (s Server) MatchesTags(tagSet map[string]string) bool {
	for k, v := range tagSet {
		if s.Tags[k] != v {
			return false
		}
	}
	return true
}
