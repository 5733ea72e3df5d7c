package operation

import (
	"context"
	"testing"

	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
)

func TestUpdateValidateReplacementsSkipsOperatorDocuments(t *testing.T) {
	set := bsoncore.NewDocumentBuilder().AppendInt32("$set", 1).Build()
	u := NewUpdate("db", "coll", UpdateModel{Update: set})
	if err := u.ValidateReplacements(); err != nil {
		t.Errorf("ValidateReplacements on an operator document = %v; want nil", err)
	}
}

func TestUpdateValidateReplacementsRejectsDollarKeyInReplacement(t *testing.T) {
	// first key is plain so isOperatorDocument treats this as a replacement,
	// but a later '$'-prefixed key should still be rejected.
	replacement := bsoncore.NewDocumentBuilder().AppendString("name", "a").AppendInt32("$bad", 1).Build()
	u := NewUpdate("db", "coll", UpdateModel{Update: replacement})
	if err := u.ValidateReplacements(); err == nil {
		t.Errorf("expected an error for a replacement document with a '$'-prefixed key")
	}
}

func TestUpdateValidateReplacementsRejectsDottedKey(t *testing.T) {
	replacement := bsoncore.NewDocumentBuilder().AppendString("a.b", "x").Build()
	u := NewUpdate("db", "coll", UpdateModel{Update: replacement})
	if err := u.ValidateReplacements(); err == nil {
		t.Errorf("expected an error for a replacement document with a dotted key")
	}
}

func TestUpdateValidateReplacementsAcceptsPlainDocument(t *testing.T) {
	replacement := bsoncore.NewDocumentBuilder().AppendString("name", "a").Build()
	u := NewUpdate("db", "coll", UpdateModel{Update: replacement})
	if err := u.ValidateReplacements(); err != nil {
		t.Errorf("ValidateReplacements on a plain replacement = %v; want nil", err)
	}
}

func TestUpdateBuildCommand(t *testing.T) {
	filter := bsoncore.NewDocumentBuilder().AppendInt32("_id", 1).Build()
	set := bsoncore.NewDocumentBuilder().AppendInt32("$set", 1).Build()
	u := NewUpdate("db", "coll", UpdateModel{Filter: filter, Update: set, Multi: true, Upsert: true})
	cmd, err := u.BuildCommand(context.Background(), description.Server{})
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	v, err := cmd.Lookup("update")
	if err != nil {
		t.Fatalf("lookup update: %v", err)
	}
	if s, ok := v.StringValue(); !ok || s != "coll" {
		t.Errorf("update = %v; want coll", v)
	}
}

func TestUpdateHandleReply(t *testing.T) {
	upserted := bsoncore.NewDocumentBuilder().AppendInt32("_id", 1).Build()
	reply := bsoncore.NewDocumentBuilder().
		AppendInt32("n", 3).
		AppendInt32("nModified", 2).
		AppendDocument("upserted", upserted).
		Build()
	u := NewUpdate("db", "coll")
	if err := u.HandleReply(reply); err != nil {
		t.Fatalf("HandleReply: %v", err)
	}
	if u.MatchedCount() != 3 {
		t.Errorf("MatchedCount() = %d; want 3", u.MatchedCount())
	}
	if u.ModifiedCount() != 2 {
		t.Errorf("ModifiedCount() = %d; want 2", u.ModifiedCount())
	}
	if u.UpsertedCount() != 1 {
		t.Errorf("UpsertedCount() = %d; want 1", u.UpsertedCount())
	}
}

func TestUpdateIsIdempotentWrite(t *testing.T) {
	single := NewUpdate("db", "coll", UpdateModel{Multi: false})
	if !single.IsIdempotentWrite() {
		t.Errorf("a single non-multi update should be idempotent")
	}
	multi := NewUpdate("db", "coll", UpdateModel{Multi: true})
	if multi.IsIdempotentWrite() {
		t.Errorf("a multi update should not be idempotent")
	}
	batch := NewUpdate("db", "coll", UpdateModel{}, UpdateModel{})
	if batch.IsIdempotentWrite() {
		t.Errorf("a multi-element batch should not be idempotent")
	}
}
