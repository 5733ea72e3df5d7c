package operation

import (
	"context"

	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
	"github.com/corewire/mongowire/internal/csot"
)

// KillCursors closes one or more open cursors before they would
// otherwise idle out server-side, per spec.md §4.6. Grounded on
// driverlegacy/kill_cursors.go's pattern of issuing a single namespace-scoped
// command, adapted to OP_MSG-only transport (this module has no OP_KILL_CURSORS
// legacy fallback since it never negotiates a wire version that lacks
// command-form killCursors).
type KillCursors struct {
	database   string
	collection string
	cursorIDs  []int64

	notFound []int64
}

// NewKillCursors constructs a KillCursors for db.coll closing ids.
func NewKillCursors(db, coll string, ids ...int64) *KillCursors {
	return &KillCursors{database: db, collection: coll, cursorIDs: ids}
}

// CommandName implements driver.Operation.
func (k *KillCursors) CommandName() string { return "killCursors" }

// Database implements driver.Operation.
func (k *KillCursors) Database() string { return k.database }

// BuildCommand implements driver.Operation.
func (k *KillCursors) BuildCommand(ctx context.Context, desc description.Server) (bsoncore.Document, error) {
	arr := bsoncore.NewArrayBuilder()
	for _, id := range k.cursorIDs {
		arr.AppendInt64(id)
	}
	return bsoncore.NewDocumentBuilder().
		AppendString("killCursors", k.collection).
		AppendArray("cursors", arr.Build()).
		Build(), nil
}

// HandleReply implements driver.Operation.
func (k *KillCursors) HandleReply(reply bsoncore.Document) error {
	if v, err := reply.Lookup("cursorsNotFound"); err == nil {
		if arr, ok := v.Document(); ok {
			elems, _ := arr.Elements()
			for _, e := range elems {
				if id, ok := e.Value.AsInt64(); ok {
					k.notFound = append(k.notFound, id)
				}
			}
		}
	}
	return nil
}

// NotFound returns the subset of requested cursor IDs the server had
// already reaped, e.g. via its own idle timeout.
func (k *KillCursors) NotFound() []int64 { return k.notFound }

// Context wraps ctx with csot.WithSkipMaxTime, since killCursors is a
// best-effort cleanup call that should never itself be bounded by the
// operation's maxTimeMS budget.
func (k *KillCursors) Context(ctx context.Context) context.Context {
	return csot.WithSkipMaxTime(ctx)
}
