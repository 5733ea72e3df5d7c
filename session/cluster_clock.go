// Package session implements spec.md §4.7: the server-session pool with
// LIFO reuse and TTL-based retirement, client sessions with causal
// consistency, and the monotonic $clusterTime gossip clock. No sampled
// file in the example pack carries the real driver's own session package,
// so the pool/clock mechanics here are grounded on the pattern the
// teacher uses elsewhere for shared, lock-protected state
// (x/mongo/driver/topology/server.go's atomic.Value description swap,
// cluster/cluster.go's map-as-registry idiom) applied to spec.md §4.7's
// concrete rules.
package session

import (
	"sync"

	"github.com/corewire/mongowire/bsoncore"
)

// ClusterTime is a signed, monotonic timestamp gossiped by the server on
// every reply.
type ClusterTime struct {
	Timestamp bsoncore.Document // the full {clusterTime, signature} document, compared by its "clusterTime" field
	T, I      uint32            // the BSON internal timestamp fields, for ordering
}

// ClusterClock tracks the most recently observed ClusterTime for one
// client and merges new values monotonically, per spec.md §4.7 and the
// invariant in spec.md §8 ("the client's value after processing has
// timestamp >= reply.timestamp").
type ClusterClock struct {
	mu      sync.Mutex
	current *ClusterTime
}

// Advance merges incoming into the clock iff it is strictly greater than
// the current value (by (T, I) ordering), and returns the resulting
// current value.
func (c *ClusterClock) Advance(incoming *ClusterTime) *ClusterTime {
	if incoming == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.current
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || greater(incoming, c.current) {
		c.current = incoming
	}
	return c.current
}

func greater(a, b *ClusterTime) bool {
	if a.T != b.T {
		return a.T > b.T
	}
	return a.I > b.I
}

// Current returns the clock's current value, or nil if nothing has been
// gossiped yet.
func (c *ClusterClock) Current() *ClusterTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ClusterTimeFromReply extracts $clusterTime from a command reply, if
// present.
func ClusterTimeFromReply(reply bsoncore.Document) *ClusterTime {
	v, err := reply.Lookup("$clusterTime")
	if err != nil {
		return nil
	}
	doc, ok := v.Document()
	if !ok {
		return nil
	}
	tsVal, err := doc.Lookup("clusterTime")
	if err != nil {
		return nil
	}
	t, i, ok := tsVal.Timestamp()
	if !ok {
		return nil
	}
	return &ClusterTime{Timestamp: doc, T: t, I: i}
}
