package driver

import (
	"context"

	"github.com/corewire/mongowire/address"
	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
	"github.com/corewire/mongowire/session"
	"github.com/corewire/mongowire/topology"
)

// Cursor iterates a server-side cursor opened by a find/aggregate/
// listCollections/listIndexes command, enforcing the invariant that
// getMore and killCursors for a given cursor are only ever sent to the
// endpoint that opened it — the server ties a cursor to the mongod/mongos
// process that created it and any other endpoint will report
// CursorNotFound, per spec.md §4.6.
type Cursor struct {
	dispatcher *Dispatcher
	endpoint   address.Address
	session    *session.ClientSession

	database   string
	collection string

	id      int64
	current []bsoncore.Document
	pos     int

	closed bool
}

// NewCursor constructs a Cursor bound to the endpoint that produced the
// first batch, id, database, and collection of an opened find/aggregate.
// sess, if non-nil, is the session the opening command ran with and is
// carried into every getMore/killCursors this cursor issues so $clusterTime
// gossip and causal-consistency bookkeeping stay attached to the cursor's
// lifetime, per spec.md §4.7.
func NewCursor(dispatcher *Dispatcher, endpoint address.Address, database, collection string, id int64, firstBatch []bsoncore.Document, sess *session.ClientSession) *Cursor {
	return &Cursor{
		dispatcher: dispatcher,
		endpoint:   endpoint,
		session:    sess,
		database:   database,
		collection: collection,
		id:         id,
		current:    firstBatch,
	}
}

// ID returns the server cursor ID last reported by the server, 0 once
// exhausted. Close does not reset it.
func (c *Cursor) ID() int64 { return c.id }

// Next advances to the next document in the current batch, fetching a
// new batch with getMore against the cursor's original endpoint when the
// current one is exhausted and the cursor is still open.
func (c *Cursor) Next(ctx context.Context) (bsoncore.Document, bool, error) {
	for {
		if c.pos < len(c.current) {
			doc := c.current[c.pos]
			c.pos++
			return doc, true, nil
		}
		if c.id == 0 || c.closed {
			return nil, false, nil
		}
		if err := c.getMore(ctx); err != nil {
			return nil, false, err
		}
	}
}

func (c *Cursor) pin(isWrite bool) (*Dispatcher, error) {
	srv := c.dispatcher.Deployment.Server(c.endpoint)
	if srv == nil {
		return nil, &UsageError{Message: "cursor's originating server is no longer part of the topology"}
	}
	d := *c.dispatcher
	d.IsWrite = isWrite
	d.Deployment = &pinnedDeployment{inner: c.dispatcher.Deployment, endpoint: c.endpoint, server: srv.Description()}
	return &d, nil
}

func (c *Cursor) getMore(ctx context.Context) error {
	d, err := c.pin(false)
	if err != nil {
		return err
	}
	op := &getMoreOp{database: c.database, collection: c.collection, cursorID: c.id}
	result, err := d.Execute(ctx, op, c.session, false)
	if err != nil {
		return err
	}
	batch, nextID := extractCursorBatch(result.Reply, "nextBatch")
	c.current = batch
	c.id = nextID
	c.pos = 0
	return nil
}

// Close sends killCursors to the originating endpoint for a cursor that
// was not read to exhaustion, per spec.md §4.6. It is a best-effort
// cleanup call: any failure is swallowed since the server's own
// idle-cursor timeout will reclaim it eventually.
func (c *Cursor) Close(ctx context.Context) error {
	if c.closed || c.id == 0 {
		c.closed = true
		return nil
	}
	c.closed = true

	d, err := c.pin(true)
	if err != nil {
		return nil
	}
	op := &killCursorsOp{database: c.database, collection: c.collection, cursorIDs: []int64{c.id}}
	_, _ = d.Execute(ctx, op, c.session, false)
	return nil
}

// pinnedDeployment forces server selection to a single, already-known
// endpoint so a follow-up getMore/killCursors never races a topology
// change into picking a different member than the one that opened the
// cursor.
type pinnedDeployment struct {
	inner    Deployment
	endpoint address.Address
	server   description.Server
}

func (p *pinnedDeployment) SelectForWrite(ctx context.Context) (description.SelectedServer, error) {
	return description.SelectedServer{Server: p.server, Kind: selectedKind(p.server)}, nil
}

func (p *pinnedDeployment) SelectForRead(ctx context.Context, pref topology.ReadPreference) (description.SelectedServer, error) {
	return description.SelectedServer{Server: p.server, Kind: selectedKind(p.server)}, nil
}

func (p *pinnedDeployment) Server(addr address.Address) *topology.Server {
	return p.inner.Server(addr)
}

func selectedKind(srv description.Server) description.TopologyKind {
	if srv.Kind == description.Mongos {
		return description.Sharded
	}
	return description.Single
}

// getMoreOp adapts a getMore call into the Operation interface without
// depending on the operation subpackage, avoiding an import cycle
// (operation imports driver for its error and Operation types).
type getMoreOp struct {
	database   string
	collection string
	cursorID   int64
}

func (g *getMoreOp) CommandName() string { return "getMore" }
func (g *getMoreOp) Database() string    { return g.database }
func (g *getMoreOp) BuildCommand(ctx context.Context, desc description.Server) (bsoncore.Document, error) {
	return bsoncore.NewDocumentBuilder().
		AppendInt64("getMore", g.cursorID).
		AppendString("collection", g.collection).
		Build(), nil
}
func (g *getMoreOp) HandleReply(reply bsoncore.Document) error { return nil }

type killCursorsOp struct {
	database   string
	collection string
	cursorIDs  []int64
}

func (k *killCursorsOp) CommandName() string { return "killCursors" }
func (k *killCursorsOp) Database() string    { return k.database }
func (k *killCursorsOp) BuildCommand(ctx context.Context, desc description.Server) (bsoncore.Document, error) {
	arr := bsoncore.NewArrayBuilder()
	for _, id := range k.cursorIDs {
		arr.AppendInt64(id)
	}
	return bsoncore.NewDocumentBuilder().
		AppendString("killCursors", k.collection).
		AppendArray("cursors", arr.Build()).
		Build(), nil
}
func (k *killCursorsOp) HandleReply(reply bsoncore.Document) error { return nil }

// extractCursorBatch pulls the named batch array and next cursor ID out
// of a getMore reply's cursor sub-document.
func extractCursorBatch(reply bsoncore.Document, batchKey string) ([]bsoncore.Document, int64) {
	v, err := reply.Lookup("cursor")
	if err != nil {
		return nil, 0
	}
	cursor, ok := v.Document()
	if !ok {
		return nil, 0
	}
	var batch []bsoncore.Document
	if bv, err := cursor.Lookup(batchKey); err == nil {
		if arr, ok := bv.Document(); ok {
			elems, _ := arr.Elements()
			for _, e := range elems {
				if doc, ok := e.Value.Document(); ok {
					batch = append(batch, doc)
				}
			}
		}
	}
	var id int64
	if iv, err := cursor.Lookup("id"); err == nil {
		if n, ok := iv.AsInt64(); ok {
			id = n
		}
	}
	return batch, id
}
