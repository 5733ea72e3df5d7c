package operation

import (
	"context"

	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
	"github.com/corewire/mongowire/driver"
)

// UpdateModel is one element of an Update's updates array.
type UpdateModel struct {
	Filter     bsoncore.Document
	Update     bsoncore.Document // operator document ($set, ...) or a replacement document
	Multi      bool
	Upsert     bool
	Collation  bsoncore.Document
	ArrayFilters bsoncore.Document
}

// Update performs an update command against a single collection.
type Update struct {
	collection string
	database   string
	updates    []UpdateModel
	ordered    *bool

	matchedCount  int32
	modifiedCount int32
	upsertedCount int32
}

// NewUpdate constructs an Update for db.coll.
func NewUpdate(db, coll string, updates ...UpdateModel) *Update {
	return &Update{database: db, collection: coll, updates: updates}
}

// Ordered sets the ordered flag.
func (u *Update) Ordered(ordered bool) *Update {
	if u == nil {
		u = new(Update)
	}
	u.ordered = &ordered
	return u
}

// ValidateReplacements rejects any non-operator update document (one whose
// first key does not start with '$') that contains a dotted or
// '$'-prefixed top-level key, per spec.md §4.9.
func (u *Update) ValidateReplacements() error {
	for idx, m := range u.updates {
		if isOperatorDocument(m.Update) {
			continue
		}
		if err := driver.ValidateReplacementDocument(m.Update); err != nil {
			return &driver.DocumentError{Index: idx, Wrapped: err}
		}
	}
	return nil
}

func isOperatorDocument(doc bsoncore.Document) bool {
	elems, err := doc.Elements()
	if err != nil || len(elems) == 0 {
		return false
	}
	return elems[0].Key != "" && elems[0].Key[0] == '$'
}

// CommandName implements driver.Operation.
func (u *Update) CommandName() string { return "update" }

// Database implements driver.Operation.
func (u *Update) Database() string { return u.database }

// BuildCommand implements driver.Operation.
func (u *Update) BuildCommand(ctx context.Context, desc description.Server) (bsoncore.Document, error) {
	b := bsoncore.NewDocumentBuilder().AppendString("update", u.collection)
	arr := bsoncore.NewArrayBuilder()
	for _, m := range u.updates {
		ub := bsoncore.NewDocumentBuilder().
			AppendDocument("q", m.Filter).
			AppendDocument("u", m.Update).
			AppendBoolean("multi", m.Multi).
			AppendBoolean("upsert", m.Upsert)
		if m.Collation != nil {
			ub = ub.AppendDocument("collation", m.Collation)
		}
		if m.ArrayFilters != nil {
			ub = ub.AppendArray("arrayFilters", m.ArrayFilters)
		}
		arr.AppendDocument(ub.Build())
	}
	b = b.AppendArray("updates", arr.Build())
	ordered := true
	if u.ordered != nil {
		ordered = *u.ordered
	}
	b = b.AppendBoolean("ordered", ordered)
	return b.Build(), nil
}

// HandleReply implements driver.Operation.
func (u *Update) HandleReply(reply bsoncore.Document) error {
	if v, err := reply.Lookup("n"); err == nil {
		if n, ok := v.AsInt64(); ok {
			u.matchedCount = int32(n)
		}
	}
	if v, err := reply.Lookup("nModified"); err == nil {
		if n, ok := v.AsInt64(); ok {
			u.modifiedCount = int32(n)
		}
	}
	if v, err := reply.Lookup("upserted"); err == nil {
		if doc, ok := v.Document(); ok {
			elems, _ := doc.Elements()
			u.upsertedCount = int32(len(elems))
		}
	}
	return nil
}

// MatchedCount returns the number of documents matched.
func (u *Update) MatchedCount() int32 { return u.matchedCount }

// ModifiedCount returns the number of documents actually modified.
func (u *Update) ModifiedCount() int32 { return u.modifiedCount }

// UpsertedCount returns the number of documents inserted via upsert.
func (u *Update) UpsertedCount() int32 { return u.upsertedCount }

// IsIdempotentWrite reports true only when the batch holds exactly one
// update and that update is non-multi, per spec.md §4.8 step 10.
func (u *Update) IsIdempotentWrite() bool {
	if len(u.updates) != 1 {
		return false
	}
	return !u.updates[0].Multi
}
