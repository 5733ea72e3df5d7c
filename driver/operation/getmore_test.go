package operation

import (
	"context"
	"testing"

	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
)

func TestGetMoreBuildCommand(t *testing.T) {
	g := NewGetMore("db", "coll", 123).BatchSize(50)
	cmd, err := g.BuildCommand(context.Background(), description.Server{})
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	v, err := cmd.Lookup("getMore")
	if err != nil {
		t.Fatalf("lookup getMore: %v", err)
	}
	if n, ok := v.AsInt64(); !ok || n != 123 {
		t.Errorf("getMore = %v; want 123", v)
	}
	bv, err := cmd.Lookup("batchSize")
	if err != nil {
		t.Fatalf("lookup batchSize: %v", err)
	}
	if n, ok := bv.AsInt64(); !ok || n != 50 {
		t.Errorf("batchSize = %v; want 50", bv)
	}
}

func TestGetMoreHandleReply(t *testing.T) {
	doc := bsoncore.NewDocumentBuilder().AppendString("name", "a").Build()
	batch := bsoncore.NewDocumentBuilder().AppendDocument("0", doc).Build()
	cursor := bsoncore.NewDocumentBuilder().AppendDocument("nextBatch", batch).AppendInt64("id", 0).Build()
	reply := bsoncore.NewDocumentBuilder().AppendDocument("cursor", cursor).Build()

	g := NewGetMore("db", "coll", 123)
	if err := g.HandleReply(reply); err != nil {
		t.Fatalf("HandleReply: %v", err)
	}
	if len(g.NextBatch()) != 1 {
		t.Errorf("len(NextBatch()) = %d; want 1", len(g.NextBatch()))
	}
	if g.CursorID() != 0 {
		t.Errorf("CursorID() = %d; want 0 (exhausted)", g.CursorID())
	}
}

func TestGetMoreCommandNameAndDatabase(t *testing.T) {
	g := NewGetMore("mydb", "coll", 1)
	if g.CommandName() != "getMore" {
		t.Errorf("CommandName() = %q; want getMore", g.CommandName())
	}
	if g.Database() != "mydb" {
		t.Errorf("Database() = %q; want mydb", g.Database())
	}
}
