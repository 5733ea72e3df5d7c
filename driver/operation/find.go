package operation

import (
	"context"

	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
)

// Find performs a find command, returning the first batch and a cursor ID
// for any remaining results.
type Find struct {
	collection string
	database   string
	filter     bsoncore.Document
	sort       bsoncore.Document
	projection bsoncore.Document
	limit      *int64
	skip       *int64
	batchSize  *int32
	collation  bsoncore.Document

	firstBatch []bsoncore.Document
	cursorID   int64
	ns         string
}

// NewFind constructs a Find for db.coll with filter.
func NewFind(db, coll string, filter bsoncore.Document) *Find {
	return &Find{database: db, collection: coll, filter: filter}
}

// Sort sets the sort document.
func (f *Find) Sort(sort bsoncore.Document) *Find {
	if f == nil {
		f = new(Find)
	}
	f.sort = sort
	return f
}

// Projection sets the projection document.
func (f *Find) Projection(proj bsoncore.Document) *Find {
	if f == nil {
		f = new(Find)
	}
	f.projection = proj
	return f
}

// Limit sets the result limit.
func (f *Find) Limit(limit int64) *Find {
	if f == nil {
		f = new(Find)
	}
	f.limit = &limit
	return f
}

// Skip sets the number of matching documents to skip.
func (f *Find) Skip(skip int64) *Find {
	if f == nil {
		f = new(Find)
	}
	f.skip = &skip
	return f
}

// BatchSize sets the number of documents returned per batch.
func (f *Find) BatchSize(size int32) *Find {
	if f == nil {
		f = new(Find)
	}
	f.batchSize = &size
	return f
}

// Collation sets the collation document.
func (f *Find) Collation(collation bsoncore.Document) *Find {
	if f == nil {
		f = new(Find)
	}
	f.collation = collation
	return f
}

// CommandName implements driver.Operation.
func (f *Find) CommandName() string { return "find" }

// Database implements driver.Operation.
func (f *Find) Database() string { return f.database }

// BuildCommand implements driver.Operation.
func (f *Find) BuildCommand(ctx context.Context, desc description.Server) (bsoncore.Document, error) {
	b := bsoncore.NewDocumentBuilder().AppendString("find", f.collection)
	if f.filter != nil {
		b = b.AppendDocument("filter", f.filter)
	}
	if f.sort != nil {
		b = b.AppendDocument("sort", f.sort)
	}
	if f.projection != nil {
		b = b.AppendDocument("projection", f.projection)
	}
	if f.limit != nil {
		b = b.AppendInt64("limit", *f.limit)
	}
	if f.skip != nil {
		b = b.AppendInt64("skip", *f.skip)
	}
	if f.batchSize != nil {
		b = b.AppendInt32("batchSize", *f.batchSize)
	}
	if f.collation != nil {
		b = b.AppendDocument("collation", f.collation)
	}
	return b.Build(), nil
}

// HandleReply implements driver.Operation, unpacking the cursor
// sub-document's firstBatch, id, and namespace.
func (f *Find) HandleReply(reply bsoncore.Document) error {
	v, err := reply.Lookup("cursor")
	if err != nil {
		return nil
	}
	cursor, ok := v.Document()
	if !ok {
		return nil
	}
	if bv, err := cursor.Lookup("firstBatch"); err == nil {
		if arr, ok := bv.Document(); ok {
			elems, _ := arr.Elements()
			for _, e := range elems {
				if doc, ok := e.Value.Document(); ok {
					f.firstBatch = append(f.firstBatch, doc)
				}
			}
		}
	}
	if iv, err := cursor.Lookup("id"); err == nil {
		if id, ok := iv.AsInt64(); ok {
			f.cursorID = id
		}
	}
	if nsv, err := cursor.Lookup("ns"); err == nil {
		if ns, ok := nsv.StringValue(); ok {
			f.ns = ns
		}
	}
	return nil
}

// FirstBatch returns the documents returned in the initial reply.
func (f *Find) FirstBatch() []bsoncore.Document { return f.firstBatch }

// CursorID returns the server cursor ID, 0 if the result set was
// exhausted in the first batch.
func (f *Find) CursorID() int64 { return f.cursorID }

// Namespace returns the fully qualified namespace the cursor was opened
// against.
func (f *Find) Namespace() string { return f.ns }
