package session

import "testing"

func TestStartSessionValidate(t *testing.T) {
	pool := NewPool(30)
	s, err := StartSession(pool, 1, false)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := s.Validate(1); err != nil {
		t.Errorf("Validate(owning client) = %v; want nil", err)
	}
	if err := s.Validate(2); err != ErrWrongClient {
		t.Errorf("Validate(other client) = %v; want ErrWrongClient", err)
	}
}

func TestClientSessionEndSessionIsIdempotent(t *testing.T) {
	pool := NewPool(30)
	s, err := StartSession(pool, 1, false)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	s.EndSession()
	s.EndSession() // must not panic or double-release

	if err := s.Validate(1); err != ErrSessionEnded {
		t.Errorf("Validate after EndSession = %v; want ErrSessionEnded", err)
	}
}

func TestClientSessionNextTxnNumberIncrements(t *testing.T) {
	pool := NewPool(30)
	s, err := StartSession(pool, 1, false)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if got := s.NextTxnNumber(); got != 1 {
		t.Errorf("NextTxnNumber() = %d; want 1", got)
	}
	if got := s.CurrentTxnNumber(); got != 1 {
		t.Errorf("CurrentTxnNumber() = %d; want 1", got)
	}
	if got := s.NextTxnNumber(); got != 2 {
		t.Errorf("NextTxnNumber() = %d; want 2", got)
	}
}

func TestClientSessionAdvanceOperationTimeKeepsMax(t *testing.T) {
	pool := NewPool(30)
	s, err := StartSession(pool, 1, false)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, _, ok := s.OperationTime(); ok {
		t.Fatalf("fresh session should report no operation time")
	}
	s.AdvanceOperationTime(5, 2)
	s.AdvanceOperationTime(3, 9) // lower T, must not regress
	tm, i, ok := s.OperationTime()
	if !ok || tm != 5 || i != 2 {
		t.Errorf("OperationTime() = %d, %d, %v; want 5, 2, true", tm, i, ok)
	}
	s.AdvanceOperationTime(5, 9) // same T, higher I must win
	tm, i, _ = s.OperationTime()
	if tm != 5 || i != 9 {
		t.Errorf("OperationTime() = %d, %d; want 5, 9", tm, i)
	}
}

func TestClientSessionAdvanceClusterTime(t *testing.T) {
	pool := NewPool(30)
	s, err := StartSession(pool, 1, false)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if s.ClusterTime() != nil {
		t.Fatalf("fresh session should have no cluster time")
	}
	low := &ClusterTime{T: 1, I: 1}
	high := &ClusterTime{T: 2, I: 1}
	s.AdvanceClusterTime(high)
	s.AdvanceClusterTime(low)
	if s.ClusterTime() != high {
		t.Errorf("AdvanceClusterTime must not regress below the highest seen value")
	}
}

func TestClientSessionMarkDirtySessionIsStillPooledOnRelease(t *testing.T) {
	pool := NewPool(30)
	s, err := StartSession(pool, 1, false)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	s.MarkDirty()
	s.EndSession()
	// The pool itself does not inspect Dirty on Release (callers are
	// expected to check Dirty before deciding whether to end or discard
	// the session outright); this test verifies Release still pools it.
	drained := pool.Drain()
	if len(drained) != 1 {
		t.Fatalf("expected the dirty session to still be pooled by Release, got %d", len(drained))
	}
}

func TestClientSessionCausalConsistency(t *testing.T) {
	pool := NewPool(30)
	s, err := StartSession(pool, 1, true)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if !s.CausalConsistency() {
		t.Errorf("CausalConsistency() = false; want true")
	}
}

func TestClientSessionTransactionState(t *testing.T) {
	pool := NewPool(30)
	s, err := StartSession(pool, 1, false)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if got := s.TransactionState(); got != TransactionNone {
		t.Fatalf("fresh session TransactionState() = %v; want TransactionNone", got)
	}
	s.SetTransactionState(TransactionInProgress)
	if got := s.TransactionState(); got != TransactionInProgress {
		t.Errorf("TransactionState() = %v; want TransactionInProgress", got)
	}
}
