package operation

import (
	"context"

	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
)

// DeleteModel is one element of a Delete's deletes array.
type DeleteModel struct {
	Filter    bsoncore.Document
	Limit     int32 // 0 = delete all matching documents, 1 = delete at most one
	Collation bsoncore.Document
}

// Delete performs a delete command against a single collection.
type Delete struct {
	collection string
	database   string
	deletes    []DeleteModel
	ordered    *bool

	deletedCount int32
}

// NewDelete constructs a Delete for db.coll.
func NewDelete(db, coll string, deletes ...DeleteModel) *Delete {
	return &Delete{database: db, collection: coll, deletes: deletes}
}

// Ordered sets the ordered flag.
func (d *Delete) Ordered(ordered bool) *Delete {
	if d == nil {
		d = new(Delete)
	}
	d.ordered = &ordered
	return d
}

// CommandName implements driver.Operation.
func (d *Delete) CommandName() string { return "delete" }

// Database implements driver.Operation.
func (d *Delete) Database() string { return d.database }

// BuildCommand implements driver.Operation.
func (d *Delete) BuildCommand(ctx context.Context, desc description.Server) (bsoncore.Document, error) {
	b := bsoncore.NewDocumentBuilder().AppendString("delete", d.collection)
	arr := bsoncore.NewArrayBuilder()
	for _, m := range d.deletes {
		db := bsoncore.NewDocumentBuilder().
			AppendDocument("q", m.Filter).
			AppendInt32("limit", m.Limit)
		if m.Collation != nil {
			db = db.AppendDocument("collation", m.Collation)
		}
		arr.AppendDocument(db.Build())
	}
	b = b.AppendArray("deletes", arr.Build())
	ordered := true
	if d.ordered != nil {
		ordered = *d.ordered
	}
	b = b.AppendBoolean("ordered", ordered)
	return b.Build(), nil
}

// HandleReply implements driver.Operation.
func (d *Delete) HandleReply(reply bsoncore.Document) error {
	if v, err := reply.Lookup("n"); err == nil {
		if n, ok := v.AsInt64(); ok {
			d.deletedCount = int32(n)
		}
	}
	return nil
}

// DeletedCount returns the number of documents deleted.
func (d *Delete) DeletedCount() int32 { return d.deletedCount }

// IsIdempotentWrite reports true only for a single delete capped at one
// match, per spec.md §4.8 step 10.
func (d *Delete) IsIdempotentWrite() bool {
	if len(d.deletes) != 1 {
		return false
	}
	return d.deletes[0].Limit == 1
}
