package operation

import (
	"context"

	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
)

// Aggregate performs an aggregate command. Servers old enough to predate
// cursor-returning aggregate reply with a plain {result: [...]} array
// instead of a cursor sub-document; HandleReply synthesizes a single
// exhausted-cursor batch from that shape so callers never need to special
// case it, per spec.md §9(b).
type Aggregate struct {
	database   string
	collection string
	pipeline   []bsoncore.Document
	batchSize  *int32
	allowDiskUse *bool

	firstBatch []bsoncore.Document
	cursorID   int64
	ns         string
}

// NewAggregate constructs an Aggregate for db.coll running pipeline.
func NewAggregate(db, coll string, pipeline ...bsoncore.Document) *Aggregate {
	return &Aggregate{database: db, collection: coll, pipeline: pipeline}
}

// BatchSize sets cursor.batchSize.
func (a *Aggregate) BatchSize(size int32) *Aggregate {
	if a == nil {
		a = new(Aggregate)
	}
	a.batchSize = &size
	return a
}

// AllowDiskUse sets allowDiskUse.
func (a *Aggregate) AllowDiskUse(allow bool) *Aggregate {
	if a == nil {
		a = new(Aggregate)
	}
	a.allowDiskUse = &allow
	return a
}

// CommandName implements driver.Operation.
func (a *Aggregate) CommandName() string { return "aggregate" }

// Database implements driver.Operation.
func (a *Aggregate) Database() string { return a.database }

// BuildCommand implements driver.Operation.
func (a *Aggregate) BuildCommand(ctx context.Context, desc description.Server) (bsoncore.Document, error) {
	arr := bsoncore.NewArrayBuilder()
	for _, stage := range a.pipeline {
		arr.AppendDocument(stage)
	}
	b := bsoncore.NewDocumentBuilder().
		AppendString("aggregate", a.collection).
		AppendArray("pipeline", arr.Build())

	cursorOpts := bsoncore.NewDocumentBuilder()
	if a.batchSize != nil {
		cursorOpts = cursorOpts.AppendInt32("batchSize", *a.batchSize)
	}
	b = b.AppendDocument("cursor", cursorOpts.Build())

	if a.allowDiskUse != nil {
		b = b.AppendBoolean("allowDiskUse", *a.allowDiskUse)
	}
	return b.Build(), nil
}

// HandleReply implements driver.Operation.
func (a *Aggregate) HandleReply(reply bsoncore.Document) error {
	if v, err := reply.Lookup("cursor"); err == nil {
		if cursor, ok := v.Document(); ok {
			a.handleCursorShape(cursor)
			return nil
		}
	}
	if v, err := reply.Lookup("result"); err == nil {
		if arr, ok := v.Document(); ok {
			elems, _ := arr.Elements()
			for _, e := range elems {
				if doc, ok := e.Value.Document(); ok {
					a.firstBatch = append(a.firstBatch, doc)
				}
			}
		}
		a.cursorID = 0
		a.ns = a.database + "." + a.collection
	}
	return nil
}

func (a *Aggregate) handleCursorShape(cursor bsoncore.Document) {
	if bv, err := cursor.Lookup("firstBatch"); err == nil {
		if arr, ok := bv.Document(); ok {
			elems, _ := arr.Elements()
			for _, e := range elems {
				if doc, ok := e.Value.Document(); ok {
					a.firstBatch = append(a.firstBatch, doc)
				}
			}
		}
	}
	if iv, err := cursor.Lookup("id"); err == nil {
		if id, ok := iv.AsInt64(); ok {
			a.cursorID = id
		}
	}
	if nsv, err := cursor.Lookup("ns"); err == nil {
		if ns, ok := nsv.StringValue(); ok {
			a.ns = ns
		}
	}
}

// FirstBatch returns the documents returned in the initial reply,
// whether the server spoke the cursor or the legacy result-array shape.
func (a *Aggregate) FirstBatch() []bsoncore.Document { return a.firstBatch }

// CursorID returns the server cursor ID, always 0 for a legacy
// result-array reply since that shape has no open cursor to kill.
func (a *Aggregate) CursorID() int64 { return a.cursorID }

// Namespace returns the namespace the cursor was opened against.
func (a *Aggregate) Namespace() string { return a.ns }
