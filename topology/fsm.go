package topology

import (
	"github.com/corewire/mongowire/address"
	"github.com/corewire/mongowire/description"
)

// apply merges one server's new descriptor into current, returning the
// next Topology snapshot per the transition table of spec.md §4.4. It
// never mutates current; every branch returns a Clone()'d value.
func apply(current description.Topology, endpoint address.Address, next description.Server, seedCount int) description.Topology {
	next.Endpoint = endpoint

	switch current.Kind {
	case description.Single:
		t := current.Clone()
		t.Servers[endpoint] = next
		return t

	case description.TopologyUnknown:
		return applyFromUnknown(current, endpoint, next, seedCount)

	case description.ReplicaSetNoPrimary:
		return applyFromRSNoPrimary(current, endpoint, next)

	case description.ReplicaSetWithPrimary:
		return applyFromRSWithPrimary(current, endpoint, next)

	case description.Sharded:
		return applyFromSharded(current, endpoint, next)
	}
	return current
}

func applyFromUnknown(current description.Topology, endpoint address.Address, next description.Server, seedCount int) description.Topology {
	switch next.Kind {
	case description.Standalone:
		t := current.Clone()
		if seedCount == 1 {
			t.Kind = description.Single
			t.Servers[endpoint] = next
			return t
		}
		delete(t.Servers, endpoint)
		return t

	case description.Mongos:
		t := current.Clone()
		t.Kind = description.Sharded
		t.Servers[endpoint] = next
		return t

	case description.RSPrimary:
		t := current.Clone()
		t.Servers[endpoint] = next
		t.Kind = description.ReplicaSetWithPrimary
		return applyRSFromPrimary(t, endpoint, next)

	case description.RSSecondary, description.RSArbiter, description.RSOther:
		t := current.Clone()
		t.Servers[endpoint] = next
		t.Kind = description.ReplicaSetNoPrimary
		return applyRSFromMember(t, endpoint, next)

	default:
		t := current.Clone()
		t.Servers[endpoint] = next
		return t
	}
}

func applyFromRSNoPrimary(current description.Topology, endpoint address.Address, next description.Server) description.Topology {
	switch next.Kind {
	case description.RSPrimary:
		t := current.Clone()
		t.Servers[endpoint] = next
		t.Kind = description.ReplicaSetWithPrimary
		return applyRSFromPrimary(t, endpoint, next)

	case description.Standalone, description.Mongos:
		t := current.Clone()
		delete(t.Servers, endpoint)
		return t

	case description.RSSecondary, description.RSArbiter, description.RSOther:
		t := current.Clone()
		t.Servers[endpoint] = next
		return applyRSFromMember(t, endpoint, next)

	default:
		t := current.Clone()
		t.Servers[endpoint] = next
		return t
	}
}

func applyFromRSWithPrimary(current description.Topology, endpoint address.Address, next description.Server) description.Topology {
	switch next.Kind {
	case description.RSPrimary:
		t := current.Clone()
		if prev, ok := t.Primary(); ok && prev.Endpoint != endpoint {
			invalidated := prev
			invalidated.Kind = description.Unknown
			t.Servers[prev.Endpoint] = invalidated
		}
		t.Servers[endpoint] = next
		return applyRSFromPrimary(t, endpoint, next)

	case description.RSSecondary, description.RSArbiter, description.RSOther:
		t := current.Clone()
		t.Servers[endpoint] = next
		t = applyRSFromMember(t, endpoint, next)
		if _, ok := t.Primary(); !ok {
			t.Kind = description.ReplicaSetNoPrimary
		}
		return t

	case description.Standalone, description.Mongos:
		t := current.Clone()
		delete(t.Servers, endpoint)
		if _, ok := t.Primary(); !ok {
			t.Kind = description.ReplicaSetNoPrimary
		}
		return t

	default:
		t := current.Clone()
		t.Servers[endpoint] = next
		if _, ok := t.Primary(); !ok {
			t.Kind = description.ReplicaSetNoPrimary
		}
		return t
	}
}

func applyFromSharded(current description.Topology, endpoint address.Address, next description.Server) description.Topology {
	switch next.Kind {
	case description.Mongos, description.Unknown:
		t := current.Clone()
		t.Servers[endpoint] = next
		return t
	default:
		t := current.Clone()
		delete(t.Servers, endpoint)
		return t
	}
}

// applyRSFromPrimary implements the RS-from-primary rules: set_name
// reconciliation, invalidation of stray primaries, host-set union/prune,
// and set_version/election_id staleness rejection, per spec.md §4.4.
func applyRSFromPrimary(t description.Topology, endpoint address.Address, primary description.Server) description.Topology {
	if t.SetName == "" {
		t.SetName = primary.SetName
	} else if primary.SetName != t.SetName {
		delete(t.Servers, endpoint)
		return t
	}

	if isStalePrimary(t, primary) {
		reverted := primary
		reverted.Kind = description.Unknown
		t.Servers[endpoint] = reverted
		return t
	}
	if primary.SetVersion != 0 && primary.HasElectionID {
		t.MaxSetVersion = primary.SetVersion
		t.MaxElectionID = primary.ElectionID
		t.HasMaxElectionID = true
	}

	union := memberSet(primary)
	union[endpoint] = true
	for e := range union {
		if _, exists := t.Servers[e]; !exists {
			t.Servers[e] = description.NewDefaultServer(e)
		}
	}
	for e := range t.Servers {
		if !union[e] {
			delete(t.Servers, e)
		}
	}
	return t
}

// isStalePrimary reports whether primary's set_version/election_id are
// older than the topology's max-seen, per RS-from-primary rule (e).
func isStalePrimary(t description.Topology, primary description.Server) bool {
	if !t.HasMaxElectionID || !primary.HasElectionID {
		return false
	}
	if primary.ElectionID != t.MaxElectionID {
		return primary.SetVersion < t.MaxSetVersion
	}
	return false
}

// applyRSFromMember implements the RS-from-member rules: set_name
// verification, member-set union, and PossiblePrimary promotion of the
// member's reported primary hint, per spec.md §4.4.
func applyRSFromMember(t description.Topology, endpoint address.Address, member description.Server) description.Topology {
	if t.SetName == "" {
		t.SetName = member.SetName
	} else if member.SetName != "" && member.SetName != t.SetName {
		delete(t.Servers, endpoint)
		return t
	}

	for e := range memberSet(member) {
		if _, exists := t.Servers[e]; !exists {
			t.Servers[e] = description.NewDefaultServer(e)
		}
	}

	if member.Primary != "" {
		if s, ok := t.Servers[member.Primary]; ok && s.Kind == description.Unknown {
			s.Kind = description.PossiblePrimary
			t.Servers[member.Primary] = s
		}
	}
	return t
}

func memberSet(s description.Server) map[address.Address]bool {
	set := make(map[address.Address]bool, len(s.Hosts)+len(s.Passives)+len(s.Arbiters))
	for _, h := range s.Hosts {
		set[h] = true
	}
	for _, h := range s.Passives {
		set[h] = true
	}
	for _, h := range s.Arbiters {
		set[h] = true
	}
	return set
}
