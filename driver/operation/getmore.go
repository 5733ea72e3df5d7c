package operation

import (
	"context"

	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
)

// GetMore fetches the next batch from an open cursor. The cursor and the
// connection it is read on must be the same endpoint that opened it,
// enforced by the caller (driver.Cursor), not by this type.
type GetMore struct {
	database   string
	collection string
	cursorID   int64
	batchSize  *int32

	nextBatch []bsoncore.Document
	nextID    int64
}

// NewGetMore constructs a GetMore for db.coll reading cursorID's next
// batch.
func NewGetMore(db, coll string, cursorID int64) *GetMore {
	return &GetMore{database: db, collection: coll, cursorID: cursorID}
}

// BatchSize sets the number of documents requested per batch.
func (g *GetMore) BatchSize(size int32) *GetMore {
	if g == nil {
		g = new(GetMore)
	}
	g.batchSize = &size
	return g
}

// CommandName implements driver.Operation.
func (g *GetMore) CommandName() string { return "getMore" }

// Database implements driver.Operation.
func (g *GetMore) Database() string { return g.database }

// BuildCommand implements driver.Operation.
func (g *GetMore) BuildCommand(ctx context.Context, desc description.Server) (bsoncore.Document, error) {
	b := bsoncore.NewDocumentBuilder().
		AppendInt64("getMore", g.cursorID).
		AppendString("collection", g.collection)
	if g.batchSize != nil {
		b = b.AppendInt32("batchSize", *g.batchSize)
	}
	return b.Build(), nil
}

// HandleReply implements driver.Operation.
func (g *GetMore) HandleReply(reply bsoncore.Document) error {
	v, err := reply.Lookup("cursor")
	if err != nil {
		return nil
	}
	cursor, ok := v.Document()
	if !ok {
		return nil
	}
	if bv, err := cursor.Lookup("nextBatch"); err == nil {
		if arr, ok := bv.Document(); ok {
			elems, _ := arr.Elements()
			for _, e := range elems {
				if doc, ok := e.Value.Document(); ok {
					g.nextBatch = append(g.nextBatch, doc)
				}
			}
		}
	}
	if iv, err := cursor.Lookup("id"); err == nil {
		if id, ok := iv.AsInt64(); ok {
			g.nextID = id
		}
	}
	return nil
}

// NextBatch returns the documents returned in this getMore reply.
func (g *GetMore) NextBatch() []bsoncore.Document { return g.nextBatch }

// CursorID returns the cursor ID after this getMore, 0 once exhausted.
func (g *GetMore) CursorID() int64 { return g.nextID }
