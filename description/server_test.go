package description

import (
	"testing"

	"github.com/corewire/mongowire/address"
)

func TestVersionRangeIncludes(t *testing.T) {
	r := VersionRange{Min: 2, Max: 6}
	if !r.Includes(2) || !r.Includes(6) || !r.Includes(4) {
		t.Errorf("expected 2, 4, and 6 to all be included in [2,6]")
	}
	if r.Includes(1) || r.Includes(7) {
		t.Errorf("expected values outside [2,6] to be excluded")
	}
}

func TestCompareTopologyVersion(t *testing.T) {
	a := &TopologyVersion{ProcessID: "p", Counter: 1}
	b := &TopologyVersion{ProcessID: "p", Counter: 2}
	if got := CompareTopologyVersion(a, b); got != -1 {
		t.Errorf("CompareTopologyVersion(1,2) = %d; want -1", got)
	}
	if got := CompareTopologyVersion(b, a); got != 1 {
		t.Errorf("CompareTopologyVersion(2,1) = %d; want 1", got)
	}
	if got := CompareTopologyVersion(a, a); got != 0 {
		t.Errorf("CompareTopologyVersion(1,1) = %d; want 0", got)
	}
	if got := CompareTopologyVersion(nil, b); got != 0 {
		t.Errorf("CompareTopologyVersion(nil, b) = %d; want 0", got)
	}
	diffProcess := &TopologyVersion{ProcessID: "q", Counter: 99}
	if got := CompareTopologyVersion(a, diffProcess); got != 0 {
		t.Errorf("comparing across different process IDs should yield 0 (no useful information)")
	}
}

func TestNewDefaultServer(t *testing.T) {
	s := NewDefaultServer(address.Normalize("a"))
	if s.Kind != Unknown {
		t.Errorf("Kind = %v; want Unknown", s.Kind)
	}
	if s.MaxWriteBatchSize != 100000 {
		t.Errorf("MaxWriteBatchSize = %d; want 100000", s.MaxWriteBatchSize)
	}
}

func TestNewServerFromErrorPreservesTopologyVersion(t *testing.T) {
	tv := &TopologyVersion{ProcessID: "p", Counter: 1}
	s := NewServerFromError(address.Normalize("a"), errBoom{}, tv)
	if s.Kind != Unknown {
		t.Errorf("Kind = %v; want Unknown", s.Kind)
	}
	if s.TopologyVersion != tv {
		t.Errorf("TopologyVersion not preserved")
	}
	if s.LastError == nil {
		t.Errorf("LastError should be set")
	}
}

func TestServerDataBearing(t *testing.T) {
	cases := []struct {
		kind ServerKind
		want bool
	}{
		{Standalone, true},
		{RSPrimary, true},
		{RSSecondary, true},
		{Mongos, true},
		{Unknown, false},
		{RSArbiter, false},
		{RSGhost, false},
	}
	for _, c := range cases {
		s := Server{Kind: c.kind}
		if got := s.DataBearing(); got != c.want {
			t.Errorf("DataBearing() for %v = %v; want %v", c.kind, got, c.want)
		}
	}
}

func TestServerMatchesTags(t *testing.T) {
	s := Server{Tags: map[string]string{"dc": "east", "rack": "1"}}
	if !s.MatchesTags(map[string]string{"dc": "east"}) {
		t.Errorf("expected a subset tag match to succeed")
	}
	if s.MatchesTags(map[string]string{"dc": "west"}) {
		t.Errorf("expected a mismatched tag value to fail")
	}
	if s.MatchesTags(map[string]string{"missing": "x"}) {
		t.Errorf("expected a missing tag key to fail")
	}
}

func TestSetAverageRTT(t *testing.T) {
	s := Server{}
	got := s.SetAverageRTT(5)
	if !got.AverageRTTSet || got.AverageRTT != 5 {
		t.Errorf("SetAverageRTT did not record the value: %+v", got)
	}
	if s.AverageRTTSet {
		t.Errorf("SetAverageRTT must not mutate the receiver")
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
