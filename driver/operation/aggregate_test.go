package operation

import (
	"context"
	"testing"

	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
)

func TestAggregateBuildCommand(t *testing.T) {
	stage := bsoncore.NewDocumentBuilder().AppendInt32("$match", 1).Build()
	a := NewAggregate("db", "coll", stage).BatchSize(10).AllowDiskUse(true)
	cmd, err := a.BuildCommand(context.Background(), description.Server{})
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if _, err := cmd.Lookup("pipeline"); err != nil {
		t.Errorf("expected pipeline to be set: %v", err)
	}
	cv, err := cmd.Lookup("cursor")
	if err != nil {
		t.Fatalf("lookup cursor: %v", err)
	}
	cursorDoc, ok := cv.Document()
	if !ok {
		t.Fatalf("cursor is not a document")
	}
	bv, err := cursorDoc.Lookup("batchSize")
	if err != nil {
		t.Fatalf("lookup cursor.batchSize: %v", err)
	}
	if n, ok := bv.AsInt64(); !ok || n != 10 {
		t.Errorf("cursor.batchSize = %v; want 10", bv)
	}
	dv, err := cmd.Lookup("allowDiskUse")
	if err != nil {
		t.Fatalf("lookup allowDiskUse: %v", err)
	}
	if b, ok := dv.Boolean(); !ok || !b {
		t.Errorf("allowDiskUse = %v; want true", dv)
	}
}

func TestAggregateHandleReplyCursorShape(t *testing.T) {
	doc := bsoncore.NewDocumentBuilder().AppendString("name", "a").Build()
	batch := bsoncore.NewDocumentBuilder().AppendDocument("0", doc).Build()
	cursor := bsoncore.NewDocumentBuilder().
		AppendDocument("firstBatch", batch).
		AppendInt64("id", 7).
		AppendString("ns", "db.coll").
		Build()
	reply := bsoncore.NewDocumentBuilder().AppendDocument("cursor", cursor).Build()

	a := NewAggregate("db", "coll")
	if err := a.HandleReply(reply); err != nil {
		t.Fatalf("HandleReply: %v", err)
	}
	if len(a.FirstBatch()) != 1 {
		t.Errorf("len(FirstBatch()) = %d; want 1", len(a.FirstBatch()))
	}
	if a.CursorID() != 7 {
		t.Errorf("CursorID() = %d; want 7", a.CursorID())
	}
	if a.Namespace() != "db.coll" {
		t.Errorf("Namespace() = %q; want db.coll", a.Namespace())
	}
}

func TestAggregateHandleReplyLegacyResultArray(t *testing.T) {
	doc := bsoncore.NewDocumentBuilder().AppendString("name", "a").Build()
	arr := bsoncore.NewDocumentBuilder().AppendDocument("0", doc).Build()
	reply := bsoncore.NewDocumentBuilder().AppendDocument("result", arr).Build()

	a := NewAggregate("db", "coll")
	if err := a.HandleReply(reply); err != nil {
		t.Fatalf("HandleReply: %v", err)
	}
	if len(a.FirstBatch()) != 1 {
		t.Fatalf("len(FirstBatch()) = %d; want 1", len(a.FirstBatch()))
	}
	if a.CursorID() != 0 {
		t.Errorf("CursorID() = %d; want 0 for a legacy result-array reply", a.CursorID())
	}
	if a.Namespace() != "db.coll" {
		t.Errorf("Namespace() = %q; want db.coll", a.Namespace())
	}
}
