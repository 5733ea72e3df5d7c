package topology

import (
	"testing"

	"github.com/corewire/mongowire/auth"
	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
)

func TestGetHandshakeCommandIncludesClientMetadata(t *testing.T) {
	h := NewHandshaker(HandshakeConfig{AppName: "myapp", Compressors: []string{"snappy"}})
	cmd := h.GetHandshakeCommand(nil)
	v, err := cmd.Lookup("client")
	if err != nil {
		t.Fatalf("lookup client: %v", err)
	}
	clientDoc, ok := v.Document()
	if !ok {
		t.Fatalf("client is not a document")
	}
	if _, err := clientDoc.Lookup("application"); err != nil {
		t.Errorf("expected application metadata to be present when AppName is set: %v", err)
	}
	if _, err := cmd.Lookup("compression"); err != nil {
		t.Errorf("expected a compression array to be present: %v", err)
	}
}

func TestGetHandshakeCommandOmitsApplicationWithoutAppName(t *testing.T) {
	h := NewHandshaker(HandshakeConfig{})
	cmd := h.GetHandshakeCommand(nil)
	v, _ := cmd.Lookup("client")
	clientDoc, _ := v.Document()
	if _, err := clientDoc.Lookup("application"); err == nil {
		t.Errorf("application metadata should be omitted without an AppName")
	}
}

func TestGetHandshakeCommandIncludesMaxAwaitTimeWithTopologyVersion(t *testing.T) {
	h := NewHandshaker(HandshakeConfig{})
	tv := &description.TopologyVersion{ProcessID: "p", Counter: 1}
	cmd := h.GetHandshakeCommand(tv)
	if _, err := cmd.Lookup("maxAwaitTimeMS"); err != nil {
		t.Errorf("expected maxAwaitTimeMS when a prior topologyVersion is supplied: %v", err)
	}
}

func TestParseHelloReplyStandalone(t *testing.T) {
	reply := bsoncore.NewDocumentBuilder().AppendDouble("ok", 1).Build()
	desc := parseHelloReply(addr("a"), reply)
	if desc.Kind.String() != "Standalone" {
		t.Errorf("Kind = %v; want Standalone", desc.Kind)
	}
}

func TestParseHelloReplyMongos(t *testing.T) {
	reply := bsoncore.NewDocumentBuilder().AppendDouble("ok", 1).AppendString("msg", "isdbgrid").Build()
	desc := parseHelloReply(addr("a"), reply)
	if desc.Kind.String() != "Mongos" {
		t.Errorf("Kind = %v; want Mongos", desc.Kind)
	}
}

func TestParseHelloReplyReplicaSetPrimary(t *testing.T) {
	reply := bsoncore.NewDocumentBuilder().
		AppendDouble("ok", 1).
		AppendString("setName", "rs0").
		AppendBoolean("ismaster", true).
		Build()
	desc := parseHelloReply(addr("a"), reply)
	if desc.Kind.String() != "RSPrimary" {
		t.Errorf("Kind = %v; want RSPrimary", desc.Kind)
	}
	if desc.SetName != "rs0" {
		t.Errorf("SetName = %q; want rs0", desc.SetName)
	}
}

func TestParseHelloReplyDefaultsWhenFieldsAbsent(t *testing.T) {
	reply := bsoncore.NewDocumentBuilder().AppendDouble("ok", 1).Build()
	desc := parseHelloReply(addr("a"), reply)
	if desc.MaxWriteBatchSize != 100000 {
		t.Errorf("MaxWriteBatchSize = %d; want default 100000", desc.MaxWriteBatchSize)
	}
	if desc.MaxBSONObjectSize != 16777216 {
		t.Errorf("MaxBSONObjectSize = %d; want default 16777216", desc.MaxBSONObjectSize)
	}
	if desc.MaxMessageSizeBytes != 48000000 {
		t.Errorf("MaxMessageSizeBytes = %d; want default 48000000", desc.MaxMessageSizeBytes)
	}
}

func TestParseHelloReplyHostsAndTags(t *testing.T) {
	hosts := bsoncore.NewDocumentBuilder().AppendString("0", "b:27017").AppendString("1", "c:27017").Build()
	tags := bsoncore.NewDocumentBuilder().AppendString("dc", "east").Build()
	reply := bsoncore.NewDocumentBuilder().
		AppendDouble("ok", 1).
		AppendArray("hosts", hosts).
		AppendDocument("tags", tags).
		Build()
	desc := parseHelloReply(addr("a"), reply)
	if len(desc.Hosts) != 2 {
		t.Fatalf("len(Hosts) = %d; want 2", len(desc.Hosts))
	}
	if desc.Tags["dc"] != "east" {
		t.Errorf("Tags[dc] = %q; want east", desc.Tags["dc"])
	}
}

func TestFinishHandshakeSkipsAuthWithoutCredential(t *testing.T) {
	h := &defaultHandshaker{cfg: HandshakeConfig{}}
	reply := bsoncore.NewDocumentBuilder().AppendDouble("ok", 1).Build()
	conn := &Connection{addr: addr("a")}
	desc, err := h.FinishHandshake(nil, reply, conn)
	if err != nil {
		t.Fatalf("FinishHandshake: %v", err)
	}
	if desc.Kind.String() != "Standalone" {
		t.Errorf("Kind = %v; want Standalone", desc.Kind)
	}
}

func TestFinishHandshakeWrapsNegotiationFailure(t *testing.T) {
	h := &defaultHandshaker{cfg: HandshakeConfig{Credential: &auth.Credential{AuthMechanism: "BOGUS"}}}
	reply := bsoncore.NewDocumentBuilder().AppendDouble("ok", 1).Build()
	conn := &Connection{addr: addr("a")}
	_, err := h.FinishHandshake(nil, reply, conn)
	if err == nil {
		t.Fatalf("expected an error for an unsupported auth mechanism")
	}
	if _, ok := err.(*ConnectionError); !ok {
		t.Errorf("error = %T; want *ConnectionError", err)
	}
}
