package session

import (
	"fmt"
	"sync"

	"github.com/corewire/mongowire/bsoncore"
)

// TransactionState tracks whether a session is mid multi-statement
// transaction; spec.md scopes this only as far as the session-ID plumbing
// a server-side transaction needs (no client-driven multi-document ACID
// transaction orchestration beyond that).
type TransactionState int

// Transaction states.
const (
	TransactionNone TransactionState = iota
	TransactionStarting
	TransactionInProgress
)

// ClientSession is the caller-facing handle to a checked-out
// ServerSession, with causal-consistency and cluster-time bookkeeping
// layered on top, per spec.md §3 ClientSession.
type ClientSession struct {
	mu sync.Mutex

	pool            *Pool
	server          *ServerSession
	owningClientID  uint64
	causalConsistency bool
	ended           bool

	clusterTime   *ClusterTime
	operationTime *struct{ T, I uint32 }
	recoveryToken bsoncore.Document
	txnState      TransactionState
}

// StartSession checks out a ServerSession from pool and wraps it for use
// by owningClientID.
func StartSession(pool *Pool, owningClientID uint64, causalConsistency bool) (*ClientSession, error) {
	ss, err := pool.Checkout()
	if err != nil {
		return nil, err
	}
	return &ClientSession{
		pool:              pool,
		server:            ss,
		owningClientID:    owningClientID,
		causalConsistency: causalConsistency,
	}, nil
}

// ErrSessionEnded is returned by any operation attempted on an ended
// session.
var ErrSessionEnded = fmt.Errorf("session: session has been ended")

// ErrWrongClient is returned when a session bound to one client is used by
// another, per spec.md's Usage error for "session from another client".
var ErrWrongClient = fmt.Errorf("session: session does not belong to this client")

// Validate checks that s may be used by client clientID.
func (s *ClientSession) Validate(clientID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	if s.owningClientID != clientID {
		return ErrWrongClient
	}
	return nil
}

// ServerSessionID returns the underlying server session's UUID for wire
// serialization (`lsid`).
func (s *ClientSession) ServerSessionID() [16]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return [16]byte(s.server.ID)
}

// NextTxnNumber returns the next retryable-write transaction number.
func (s *ClientSession) NextTxnNumber() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server.NextTxnNumber()
}

// CurrentTxnNumber returns the most recently assigned transaction number
// without advancing it, for use by a single retry attempt that must reuse
// the same txnNumber as the original attempt.
func (s *ClientSession) CurrentTxnNumber() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server.TxnNumber
}

// MarkDirty flags the underlying server session as dirty after a
// retryable-write network error, per spec.md §4.8 step 9. The pool does
// not inspect the flag: Release still pools a dirty session and Checkout
// can hand it out again.
func (s *ClientSession) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.server.Dirty = true
}

// AdvanceClusterTime merges an incoming $clusterTime into the session's
// view, keeping it monotonic.
func (s *ClientSession) AdvanceClusterTime(ct *ClusterTime) {
	if ct == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clusterTime == nil || greater(ct, s.clusterTime) {
		s.clusterTime = ct
	}
}

// ClusterTime returns the session's current view of $clusterTime.
func (s *ClientSession) ClusterTime() *ClusterTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clusterTime
}

// AdvanceOperationTime records the operationTime from a reply —
// including error replies, per spec.md §4.7 — for causal-consistency
// read injection on the session's next read.
func (s *ClientSession) AdvanceOperationTime(t, i uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.operationTime == nil || t > s.operationTime.T || (t == s.operationTime.T && i > s.operationTime.I) {
		s.operationTime = &struct{ T, I uint32 }{t, i}
	}
}

// OperationTime returns the session's current operationTime, or ok=false
// if none has been observed yet (causal consistency has nothing to inject
// on the first read of the session).
func (s *ClientSession) OperationTime() (t, i uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.operationTime == nil {
		return 0, 0, false
	}
	return s.operationTime.T, s.operationTime.I, true
}

// CausalConsistency reports whether the session was started with causal
// consistency enabled.
func (s *ClientSession) CausalConsistency() bool {
	return s.causalConsistency
}

// SetRecoveryToken stores the recoveryToken from a sharded-transaction
// reply.
func (s *ClientSession) SetRecoveryToken(tok bsoncore.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoveryToken = tok
}

// TransactionState returns the session's current transaction state.
func (s *ClientSession) TransactionState() TransactionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txnState
}

// SetTransactionState sets the session's transaction state.
func (s *ClientSession) SetTransactionState(state TransactionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txnState = state
}

// EndSession releases the underlying ServerSession back to the pool and
// marks this handle unusable.
func (s *ClientSession) EndSession() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	ss := s.server
	s.mu.Unlock()
	s.pool.Release(ss)
}
