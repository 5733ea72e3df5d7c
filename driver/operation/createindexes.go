package operation

import (
	"context"

	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
	"github.com/corewire/mongowire/driver"
	"github.com/corewire/mongowire/session"
)

// IndexModel is one index specification passed to createIndexes.
type IndexModel struct {
	Keys    bsoncore.Document
	Name    string
	Unique  bool
	Sparse  bool
	Options bsoncore.Document // additional index options merged in verbatim
}

// CreateIndexes performs a createIndexes command, or its legacy
// equivalent — an insert into system.indexes — when the server returns
// CommandNotFound, per spec.md §9(a)'s decision to keep the wire-version-0
// fallback the teacher's driverlegacy layer implements for pre-2.6 servers.
type CreateIndexes struct {
	database   string
	collection string
	indexes    []IndexModel

	wireVersion int32

	createdCollectionAutomatically bool
	numIndexesBefore               int32
	numIndexesAfter                int32
}

// NewCreateIndexes constructs a CreateIndexes for db.coll.
func NewCreateIndexes(db, coll string, indexes ...IndexModel) *CreateIndexes {
	return &CreateIndexes{database: db, collection: coll, indexes: indexes}
}

// CommandName implements driver.Operation.
func (c *CreateIndexes) CommandName() string { return "createIndexes" }

// Database implements driver.Operation.
func (c *CreateIndexes) Database() string { return c.database }

// BuildCommand implements driver.Operation.
func (c *CreateIndexes) BuildCommand(ctx context.Context, desc description.Server) (bsoncore.Document, error) {
	c.wireVersion = desc.MaxWireVersion
	arr := bsoncore.NewArrayBuilder()
	for _, idx := range c.indexes {
		b := bsoncore.NewDocumentBuilder().
			AppendDocument("key", idx.Keys).
			AppendString("name", idx.Name)
		if idx.Unique {
			b = b.AppendBoolean("unique", true)
		}
		if idx.Sparse {
			b = b.AppendBoolean("sparse", true)
		}
		if idx.Options != nil {
			elems, _ := idx.Options.Elements()
			for _, e := range elems {
				b = b.AppendValue(e.Key, e.Value)
			}
		}
		arr.AppendDocument(b.Build())
	}
	return bsoncore.NewDocumentBuilder().
		AppendString("createIndexes", c.collection).
		AppendArray("indexes", arr.Build()).
		Build(), nil
}

// HandleReply implements driver.Operation.
func (c *CreateIndexes) HandleReply(reply bsoncore.Document) error {
	if v, err := reply.Lookup("createdCollectionAutomatically"); err == nil {
		if b, ok := v.Boolean(); ok {
			c.createdCollectionAutomatically = b
		}
	}
	if v, err := reply.Lookup("numIndexesBefore"); err == nil {
		if n, ok := v.AsInt64(); ok {
			c.numIndexesBefore = int32(n)
		}
	}
	if v, err := reply.Lookup("numIndexesAfter"); err == nil {
		if n, ok := v.AsInt64(); ok {
			c.numIndexesAfter = int32(n)
		}
	}
	return nil
}

// NumIndexesAfter returns the index count the server reports after this
// call completed.
func (c *CreateIndexes) NumIndexesAfter() int32 { return c.numIndexesAfter }

// LegacyInsert builds the system.indexes insert document used as a
// fallback when the createIndexes command itself is unavailable
// (CommandNotFound, code 59/13390), per spec.md §9(a).
func (c *CreateIndexes) LegacyInsert(idx IndexModel) *Insert {
	doc := bsoncore.NewDocumentBuilder().
		AppendDocument("key", idx.Keys).
		AppendString("ns", c.database+"."+c.collection).
		AppendString("name", idx.Name)
	if idx.Unique {
		doc = doc.AppendBoolean("unique", true)
	}
	if idx.Sparse {
		doc = doc.AppendBoolean("sparse", true)
	}
	return NewInsert(c.database, "system.indexes", doc.Build())
}

// Dispatch runs the createIndexes command through d and, on a
// CommandNotFound reply from a wire-version-0 server, automatically
// falls back to inserting each index into system.indexes instead, per
// spec.md §9(a). A partial failure mid-fallback stops at the first
// LegacyInsert error rather than attempting the remaining indexes.
func (c *CreateIndexes) Dispatch(ctx context.Context, d *driver.Dispatcher, sess *session.ClientSession) error {
	_, err := d.Execute(ctx, c, sess, false)
	if err == nil {
		return nil
	}
	dbErr, ok := err.(*driver.DatabaseError)
	if !ok || !dbErr.IsCommandNotFound() || c.wireVersion != 0 {
		return err
	}
	for _, idx := range c.indexes {
		if _, err := d.Execute(ctx, c.LegacyInsert(idx), sess, false); err != nil {
			return err
		}
	}
	return nil
}
