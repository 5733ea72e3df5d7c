package operation

import (
	"context"
	"testing"

	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
	"github.com/corewire/mongowire/internal/csot"
)

func TestKillCursorsBuildCommand(t *testing.T) {
	k := NewKillCursors("db", "coll", 1, 2, 3)
	cmd, err := k.BuildCommand(context.Background(), description.Server{})
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	v, err := cmd.Lookup("killCursors")
	if err != nil {
		t.Fatalf("lookup killCursors: %v", err)
	}
	if s, ok := v.StringValue(); !ok || s != "coll" {
		t.Errorf("killCursors = %v; want coll", v)
	}
	arr, err := cmd.Lookup("cursors")
	if err != nil {
		t.Fatalf("lookup cursors: %v", err)
	}
	doc, ok := arr.Document()
	if !ok {
		t.Fatalf("cursors is not array-shaped")
	}
	elems, _ := doc.Elements()
	if len(elems) != 3 {
		t.Errorf("len(cursors) = %d; want 3", len(elems))
	}
}

func TestKillCursorsHandleReplyNotFound(t *testing.T) {
	arr := bsoncore.NewDocumentBuilder().AppendInt64("0", 9).Build()
	reply := bsoncore.NewDocumentBuilder().AppendDocument("cursorsNotFound", arr).Build()
	k := NewKillCursors("db", "coll", 9)
	if err := k.HandleReply(reply); err != nil {
		t.Fatalf("HandleReply: %v", err)
	}
	if len(k.NotFound()) != 1 || k.NotFound()[0] != 9 {
		t.Errorf("NotFound() = %v; want [9]", k.NotFound())
	}
}

func TestKillCursorsContextSkipsMaxTime(t *testing.T) {
	k := NewKillCursors("db", "coll", 1)
	ctx := k.Context(context.Background())
	if !csot.SkipMaxTime(ctx) {
		t.Errorf("expected Context to mark the context as skipping maxTimeMS")
	}
}
