// Package operation holds one type per wire command this driver issues,
// each following the fluent setter-then-Execute shape of
// x/mongo/driver/operation/hello.go and x/mongo/driver/operation/drop_database.go:
// a struct of optional fields, chainable setters that allocate a zero
// value on a nil receiver, and BuildCommand/HandleReply methods satisfying
// driver.Operation so a Dispatcher can drive it.
package operation

import (
	"context"

	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
	"github.com/corewire/mongowire/driver"
)

// Insert performs an insert command against a single collection.
type Insert struct {
	collection string
	database   string
	documents  []bsoncore.Document
	ordered    *bool

	insertedCount int32
}

// NewInsert constructs an Insert for db.coll.
func NewInsert(db, coll string, documents ...bsoncore.Document) *Insert {
	return &Insert{database: db, collection: coll, documents: documents}
}

// Ordered sets the ordered flag; when it is never called, BuildCommand
// sends ordered: true.
func (i *Insert) Ordered(ordered bool) *Insert {
	if i == nil {
		i = new(Insert)
	}
	i.ordered = &ordered
	return i
}

// PrepareDocuments assigns an ObjectID "_id" to every document that is
// missing one, per spec.md §4.9's pre-encoding step. Must be called
// before BuildCommand if the caller wants generated IDs reflected back.
func (i *Insert) PrepareDocuments() error {
	for idx, doc := range i.documents {
		if _, err := doc.Lookup("_id"); err == nil {
			continue
		}
		elems, err := doc.Elements()
		if err != nil {
			return &driver.DocumentError{Index: idx, Wrapped: err}
		}
		b := bsoncore.NewDocumentBuilder().AppendObjectID("_id", bsoncore.NewObjectID())
		for _, e := range elems {
			b.AppendValue(e.Key, e.Value)
		}
		i.documents[idx] = b.Build()
	}
	return nil
}

// CommandName implements driver.Operation.
func (i *Insert) CommandName() string { return "insert" }

// Database implements driver.Operation.
func (i *Insert) Database() string { return i.database }

// BuildCommand implements driver.Operation.
func (i *Insert) BuildCommand(ctx context.Context, desc description.Server) (bsoncore.Document, error) {
	maxDoc := int(desc.MaxBSONObjectSize)
	b := bsoncore.NewDocumentBuilder().AppendString("insert", i.collection)
	arr := bsoncore.NewArrayBuilder()
	for _, d := range i.documents {
		if maxDoc > 0 && len(d) > maxDoc {
			return nil, &driver.DocumentTooLarge{Size: len(d), MaxSize: maxDoc}
		}
		arr.AppendDocument(d)
	}
	b = b.AppendArray("documents", arr.Build())
	ordered := true
	if i.ordered != nil {
		ordered = *i.ordered
	}
	b = b.AppendBoolean("ordered", ordered)
	return b.Build(), nil
}

// HandleReply implements driver.Operation.
func (i *Insert) HandleReply(reply bsoncore.Document) error {
	if v, err := reply.Lookup("n"); err == nil {
		if n, ok := v.AsInt64(); ok {
			i.insertedCount = int32(n)
		}
	}
	return nil
}

// InsertedCount returns the number of documents the server reported
// inserted.
func (i *Insert) InsertedCount() int32 { return i.insertedCount }

// IsIdempotentWrite reports true only for a single-document insert, per
// spec.md §4.8 step 10 — a multi-document batch is not safe to retry as
// a whole since a prefix may already have landed.
func (i *Insert) IsIdempotentWrite() bool { return len(i.documents) == 1 }
