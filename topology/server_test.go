package topology

import (
	"testing"
	"time"

	"github.com/corewire/mongowire/address"
	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
)

// newTestServer builds a Server bypassing NewServer, so no heartbeat
// goroutine is started and no network dial is ever attempted.
func newTestServer(a string) *Server {
	s := &Server{
		cfg:      ServerConfig{Address: address.Normalize(a)},
		checkNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.desc.Store(description.NewDefaultServer(address.Normalize(a)))
	s.pool = NewPool(PoolConfig{Address: address.Normalize(a)})
	return s
}

func TestServerDescriptionReturnsStoredValue(t *testing.T) {
	s := newTestServer("a")
	if s.Description().Endpoint != addr("a") {
		t.Errorf("Endpoint = %v; want a", s.Description().Endpoint)
	}
}

func TestServerUpdateRTTFirstSampleSetsExactly(t *testing.T) {
	s := newTestServer("a")
	if got := s.updateRTT(100 * time.Millisecond); got != 100*time.Millisecond {
		t.Errorf("updateRTT = %v; want the first sample unchanged", got)
	}
}

func TestServerUpdateRTTAppliesExponentialMovingAverage(t *testing.T) {
	s := newTestServer("a")
	s.updateRTT(100 * time.Millisecond)
	got := s.updateRTT(200 * time.Millisecond)
	want := time.Duration(rttAlpha*float64(200*time.Millisecond) + (1-rttAlpha)*float64(100*time.Millisecond))
	if got != want {
		t.Errorf("updateRTT = %v; want %v", got, want)
	}
}

func TestServerResetRTTAllowsNextSampleToSetExactly(t *testing.T) {
	s := newTestServer("a")
	s.updateRTT(100 * time.Millisecond)
	s.resetRTT()
	if got := s.updateRTT(50 * time.Millisecond); got != 50*time.Millisecond {
		t.Errorf("updateRTT after resetRTT = %v; want the new sample unchanged", got)
	}
}

func TestServerConnectTimeoutDefault(t *testing.T) {
	s := newTestServer("a")
	if got := s.connectTimeout(); got != 30*time.Second {
		t.Errorf("connectTimeout() = %v; want the 30s default", got)
	}
}

func TestServerConnectTimeoutOverride(t *testing.T) {
	s := newTestServer("a")
	s.cfg.ConnectTimeout = 5 * time.Second
	if got := s.connectTimeout(); got != 5*time.Second {
		t.Errorf("connectTimeout() = %v; want 5s", got)
	}
}

func TestServerCurrentTopologyVersionAccessor(t *testing.T) {
	s := newTestServer("a")
	tv := &description.TopologyVersion{ProcessID: "p", Counter: 2}
	s.mu.Lock()
	s.topologyVer = tv
	s.mu.Unlock()
	if got := s.currentTopologyVersion(); got != tv {
		t.Errorf("currentTopologyVersion() = %v; want %v", got, tv)
	}
}

func TestServerRequestImmediateCheckIsNonBlocking(t *testing.T) {
	s := newTestServer("a")
	s.RequestImmediateCheck()
	s.RequestImmediateCheck() // buffer already full; the default branch must not block
	select {
	case <-s.checkNow:
	default:
		t.Errorf("expected a pending check signal after RequestImmediateCheck")
	}
}

func TestServerCloseIsIdempotent(t *testing.T) {
	s := newTestServer("a")
	s.Close()
	s.Close()
}

func TestReadAddressArrayParsesStringArray(t *testing.T) {
	arr := bsoncore.NewDocumentBuilder().AppendString("0", "a:27017").AppendString("1", "b:27017").Build()
	wrapper := bsoncore.NewDocumentBuilder().AppendArray("hosts", arr).Build()
	v, err := wrapper.Lookup("hosts")
	if err != nil {
		t.Fatalf("lookup hosts: %v", err)
	}
	got := readAddressArray(v)
	if len(got) != 2 {
		t.Fatalf("len(got) = %d; want 2", len(got))
	}
	if got[0] != addr("a:27017") || got[1] != addr("b:27017") {
		t.Errorf("got = %v; want [a:27017 b:27017]", got)
	}
}

func TestReadAddressArrayNonDocumentValueReturnsNil(t *testing.T) {
	wrapper := bsoncore.NewDocumentBuilder().AppendInt32("hosts", 1).Build()
	v, err := wrapper.Lookup("hosts")
	if err != nil {
		t.Fatalf("lookup hosts: %v", err)
	}
	if got := readAddressArray(v); got != nil {
		t.Errorf("readAddressArray of a non-document value = %v; want nil", got)
	}
}
