package topology

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/corewire/mongowire/description"
)

// ReadPreferenceMode names the read-preference modes of spec.md §4.5.
type ReadPreferenceMode int

// Read preference modes.
const (
	PrimaryMode ReadPreferenceMode = iota
	PrimaryPreferredMode
	SecondaryMode
	SecondaryPreferredMode
	NearestMode
)

// ReadPreference selects which servers are eligible for a read.
type ReadPreference struct {
	Mode           ReadPreferenceMode
	TagSets        []map[string]string
	MaxStaleness   time.Duration
}

// ErrServerSelectionTimeout is returned when no server could be selected
// within the deadline. It carries the last-seen topology snapshot for
// diagnostics, per spec.md §4.5.
type ErrServerSelectionTimeout struct {
	Snapshot description.Topology
	Reason   string
}

func (e *ErrServerSelectionTimeout) Error() string {
	return fmt.Sprintf("server selection timeout: %s (topology kind %s, %d known servers)", e.Reason, e.Snapshot.Kind, len(e.Snapshot.Servers))
}

// SelectForWrite selects a server eligible to receive a write: the sole
// server for Single, the primary for a replica set, or any mongos for a
// sharded cluster, retrying until ctx's deadline.
func (t *Topology) SelectForWrite(ctx context.Context) (description.SelectedServer, error) {
	return t.selectLoop(ctx, func(topo description.Topology) []description.Server {
		return writeCandidates(topo)
	})
}

// SelectForRead selects a server eligible to serve a read under pref,
// retrying until ctx's deadline.
func (t *Topology) SelectForRead(ctx context.Context, pref ReadPreference) (description.SelectedServer, error) {
	return t.selectLoop(ctx, func(topo description.Topology) []description.Server {
		return readCandidates(topo, pref)
	})
}

func (t *Topology) selectLoop(ctx context.Context, candidates func(description.Topology) []description.Server) (description.SelectedServer, error) {
	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ServerSelectionTimeout)
		defer cancel()
		deadline, _ = ctx.Deadline()
	}

	for {
		topo := t.Description()
		cands := candidates(topo)
		cands = latencyWindow(cands, t.cfg.LocalThreshold)
		if len(cands) > 0 {
			chosen := cands[rand.Intn(len(cands))]
			return description.SelectedServer{Server: chosen, Kind: topo.Kind}, nil
		}

		t.RequestImmediateCheck()
		wait := t.subscribe()

		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return description.SelectedServer{}, &ErrServerSelectionTimeout{Snapshot: topo, Reason: ctx.Err().Error()}
		case <-time.After(time.Until(deadline)):
			return description.SelectedServer{}, &ErrServerSelectionTimeout{Snapshot: topo, Reason: "deadline exceeded"}
		}
	}
}

func writeCandidates(topo description.Topology) []description.Server {
	switch topo.Kind {
	case description.Single:
		for _, s := range topo.Servers {
			if s.Kind != description.Unknown {
				return []description.Server{s}
			}
		}
		return nil
	case description.Sharded:
		return byKind(topo, description.Mongos)
	case description.ReplicaSetWithPrimary:
		return byKind(topo, description.RSPrimary)
	default:
		return nil
	}
}

func readCandidates(topo description.Topology, pref ReadPreference) []description.Server {
	if topo.Kind == description.Single {
		for _, s := range topo.Servers {
			if s.Kind != description.Unknown {
				return []description.Server{s}
			}
		}
		return nil
	}
	if topo.Kind == description.Sharded {
		return applyTagSets(byKind(topo, description.Mongos), pref.TagSets)
	}

	switch pref.Mode {
	case PrimaryMode:
		return byKind(topo, description.RSPrimary)

	case PrimaryPreferredMode:
		if p := byKind(topo, description.RSPrimary); len(p) > 0 {
			return p
		}
		return applyStaleness(topo, applyTagSets(byKind(topo, description.RSSecondary), pref.TagSets), pref)

	case SecondaryMode:
		return applyStaleness(topo, applyTagSets(byKind(topo, description.RSSecondary), pref.TagSets), pref)

	case SecondaryPreferredMode:
		secondaries := applyStaleness(topo, applyTagSets(byKind(topo, description.RSSecondary), pref.TagSets), pref)
		if len(secondaries) > 0 {
			return secondaries
		}
		return byKind(topo, description.RSPrimary)

	case NearestMode:
		cands := append(byKind(topo, description.RSPrimary), byKind(topo, description.RSSecondary)...)
		return applyStaleness(topo, applyTagSets(cands, pref.TagSets), pref)

	default:
		return byKind(topo, description.RSPrimary)
	}
}

func byKind(topo description.Topology, kind description.ServerKind) []description.Server {
	var out []description.Server
	for _, s := range topo.Servers {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// applyTagSets keeps only servers matching the first tag set (in order)
// that yields a non-empty result, per spec.md §4.5 step 4. An empty
// TagSets list matches everything.
func applyTagSets(servers []description.Server, tagSets []map[string]string) []description.Server {
	if len(tagSets) == 0 {
		return servers
	}
	for _, set := range tagSets {
		var matched []description.Server
		for _, s := range servers {
			if s.MatchesTags(set) {
				matched = append(matched, s)
			}
		}
		if len(matched) > 0 {
			return matched
		}
	}
	return nil
}

// applyStaleness drops secondaries whose estimated staleness exceeds
// pref.MaxStaleness, per spec.md §4.5 step 5. Requires wire version >= 5;
// if any candidate is below that, staleness filtering is skipped
// entirely for this selection round (the deployment as a whole doesn't
// support it yet).
func applyStaleness(topo description.Topology, servers []description.Server, pref ReadPreference) []description.Server {
	if pref.MaxStaleness <= 0 || len(servers) == 0 {
		return servers
	}
	primary, hasPrimary := topo.Primary()
	now := time.Now()

	var out []description.Server
	for _, s := range servers {
		if s.MaxWireVersion < 5 {
			return servers
		}
		var staleness time.Duration
		if hasPrimary {
			staleness = (now.Sub(s.LastWriteDate)) - (now.Sub(primary.LastWriteDate)) + s.HeartbeatInterval
		} else {
			staleness = now.Sub(s.LastWriteDate) + s.HeartbeatInterval
		}
		if staleness <= pref.MaxStaleness {
			out = append(out, s)
		}
	}
	return out
}

// latencyWindow keeps servers within localThreshold of the fastest
// candidate's RTT, per spec.md §4.5 step 6.
func latencyWindow(servers []description.Server, localThreshold time.Duration) []description.Server {
	if len(servers) == 0 {
		return nil
	}
	min := servers[0].AverageRTT
	for _, s := range servers[1:] {
		if s.AverageRTT < min {
			min = s.AverageRTT
		}
	}
	var out []description.Server
	for _, s := range servers {
		if s.AverageRTT-min <= localThreshold {
			out = append(out, s)
		}
	}
	return out
}
