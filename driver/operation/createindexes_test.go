package operation

import (
	"context"
	"testing"

	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
)

func TestCreateIndexesBuildCommand(t *testing.T) {
	keys := bsoncore.NewDocumentBuilder().AppendInt32("name", 1).Build()
	ci := NewCreateIndexes("db", "coll", IndexModel{Keys: keys, Name: "name_1", Unique: true})
	cmd, err := ci.BuildCommand(context.Background(), description.Server{})
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	v, err := cmd.Lookup("createIndexes")
	if err != nil {
		t.Fatalf("lookup createIndexes: %v", err)
	}
	if s, ok := v.StringValue(); !ok || s != "coll" {
		t.Errorf("createIndexes = %v; want coll", v)
	}
	arr, err := cmd.Lookup("indexes")
	if err != nil {
		t.Fatalf("lookup indexes: %v", err)
	}
	doc, ok := arr.Document()
	if !ok {
		t.Fatalf("indexes is not array-shaped")
	}
	elems, _ := doc.Elements()
	if len(elems) != 1 {
		t.Fatalf("len(indexes) = %d; want 1", len(elems))
	}
	idxDoc, ok := elems[0].Value.Document()
	if !ok {
		t.Fatalf("index element is not a document")
	}
	uv, err := idxDoc.Lookup("unique")
	if err != nil {
		t.Fatalf("lookup unique: %v", err)
	}
	if b, ok := uv.Boolean(); !ok || !b {
		t.Errorf("unique = %v; want true", uv)
	}
}

func TestCreateIndexesBuildCommandCapturesWireVersion(t *testing.T) {
	ci := NewCreateIndexes("db", "coll")
	if _, err := ci.BuildCommand(context.Background(), description.Server{MaxWireVersion: 0}); err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if ci.wireVersion != 0 {
		t.Errorf("wireVersion = %d; want 0, captured from the selected server for the legacy fallback decision", ci.wireVersion)
	}
	if _, err := ci.BuildCommand(context.Background(), description.Server{MaxWireVersion: 8}); err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if ci.wireVersion != 8 {
		t.Errorf("wireVersion = %d; want 8", ci.wireVersion)
	}
}

func TestCreateIndexesHandleReply(t *testing.T) {
	reply := bsoncore.NewDocumentBuilder().
		AppendBoolean("createdCollectionAutomatically", true).
		AppendInt32("numIndexesBefore", 1).
		AppendInt32("numIndexesAfter", 2).
		Build()
	ci := NewCreateIndexes("db", "coll")
	if err := ci.HandleReply(reply); err != nil {
		t.Fatalf("HandleReply: %v", err)
	}
	if ci.NumIndexesAfter() != 2 {
		t.Errorf("NumIndexesAfter() = %d; want 2", ci.NumIndexesAfter())
	}
}

func TestCreateIndexesLegacyInsertBuildsSystemIndexesDoc(t *testing.T) {
	keys := bsoncore.NewDocumentBuilder().AppendInt32("name", 1).Build()
	ci := NewCreateIndexes("mydb", "coll")
	idx := IndexModel{Keys: keys, Name: "name_1", Unique: true}
	ins := ci.LegacyInsert(idx)
	if ins.Database() != "mydb" {
		t.Errorf("LegacyInsert database = %q; want mydb", ins.Database())
	}
	doc := ins.documents[0]
	nsv, err := doc.Lookup("ns")
	if err != nil {
		t.Fatalf("lookup ns: %v", err)
	}
	if s, ok := nsv.StringValue(); !ok || s != "mydb.coll" {
		t.Errorf("ns = %v; want mydb.coll", nsv)
	}
}
