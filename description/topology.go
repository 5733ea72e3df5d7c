package description

import "github.com/corewire/mongowire/address"

// TopologyKind classifies the deployment as a whole.
type TopologyKind uint32

// Topology kinds, per spec.md §3.
const (
	TopologyUnknown TopologyKind = iota
	Single
	Sharded
	ReplicaSetWithPrimary
	ReplicaSetNoPrimary
)

func (k TopologyKind) String() string {
	switch k {
	case Single:
		return "Single"
	case Sharded:
		return "Sharded"
	case ReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case ReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	default:
		return "Unknown"
	}
}

// Topology is an immutable snapshot of the deployment-level state: every
// known server's description plus aggregate replica-set metadata. A new
// Topology value is produced on every transition; nothing is mutated
// in place, matching cluster.go's Desc() atomic-swap idiom in the teacher.
type Topology struct {
	Kind                     TopologyKind
	SetName                  string
	MaxSetVersion            int64
	MaxElectionID            [12]byte
	HasMaxElectionID         bool
	Servers                  map[address.Address]Server
	LogicalSessionTimeoutMin int32
}

// Clone returns a deep-enough copy of t for producing the next topology
// snapshot from; the Servers map is always copied so past snapshots are
// never mutated by a later transition.
func (t Topology) Clone() Topology {
	out := t
	out.Servers = make(map[address.Address]Server, len(t.Servers))
	for k, v := range t.Servers {
		out.Servers[k] = v
	}
	return out
}

// New returns an initial Topology for the given seed list. A single seed
// with no replica set name starts as Single; any seed list with a
// configured replica set name starts as ReplicaSetNoPrimary; otherwise
// Unknown, deferring classification to the first heartbeat.
func New(seeds []address.Address, setName string) Topology {
	t := Topology{
		Servers: make(map[address.Address]Server, len(seeds)),
		SetName: setName,
	}
	switch {
	case len(seeds) == 1 && setName == "":
		t.Kind = Single
	case setName != "":
		t.Kind = ReplicaSetNoPrimary
	default:
		t.Kind = TopologyUnknown
	}
	for _, s := range seeds {
		t.Servers[s] = NewDefaultServer(s)
	}
	return t
}

// Primary returns the current primary's description and true, or the zero
// value and false if there is none.
func (t Topology) Primary() (Server, bool) {
	for _, s := range t.Servers {
		if s.Kind == RSPrimary {
			return s, true
		}
	}
	return Server{}, false
}

// HasServer reports whether addr is a known member of the topology.
func (t Topology) HasServer(addr address.Address) bool {
	_, ok := t.Servers[addr]
	return ok
}

// SelectedServer pairs a chosen server description with the topology kind
// it was selected from, since some injection decisions (e.g. $readPreference
// omission for `primary` reads) depend on whether the deployment is
// sharded.
type SelectedServer struct {
	Server Server
	Kind   TopologyKind
}
