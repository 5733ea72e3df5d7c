package driver

import (
	"context"
	"time"

	"github.com/corewire/mongowire/address"
	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
	"github.com/corewire/mongowire/event"
	"github.com/corewire/mongowire/internal/csot"
	"github.com/corewire/mongowire/session"
	"github.com/corewire/mongowire/topology"
)

// WriteConcernMode distinguishes acknowledged from unacknowledged
// writes, since w:0 writes must never carry lsid per spec.md §4.7.
type WriteConcernMode int

// Write concern acknowledgement modes.
const (
	Acknowledged WriteConcernMode = iota
	Unacknowledged
)

// WriteConcern is injected into commands that accept one, gated on wire
// version per spec.md §4.8 step 4.
type WriteConcern struct {
	Mode WriteConcernMode
	Doc  bsoncore.Document // the raw {w, j, wtimeout} document; nil for the server default
}

// commandsRequiringWireVersion5 need wire version >= 5 before a write
// concern is injected, per spec.md §4.8 step 4.
var commandsRequiringWireVersion5 = map[string]bool{
	"drop": true, "dropIndexes": true, "createIndexes": true,
	"renameCollection": true, "findAndModify": true,
}

// Deployment is the capability Operation needs from the topology layer:
// select a server for an operation and obtain a checked-out connection to
// it. Kept as an interface so operation tests can substitute a fake
// single-server deployment, per x/mongo/driver/operation/hello.go's
// Deployment abstraction.
type Deployment interface {
	SelectForWrite(ctx context.Context) (description.SelectedServer, error)
	SelectForRead(ctx context.Context, pref topology.ReadPreference) (description.SelectedServer, error)
	Server(addr address.Address) *topology.Server
}

// Idempotent reports whether the operation is safe to retry once on a
// network or retryable-write error, per spec.md §4.8 step 10: single
// insert, delete with limit 1, update with multi:false, findAndModify.
type Idempotent interface {
	IsIdempotentWrite() bool
}

// Operation is the shape every command-issuing type implements: build the
// command body once server/session context is known, and interpret the
// raw reply.
type Operation interface {
	CommandName() string
	Database() string
	BuildCommand(ctx context.Context, desc description.Server) (bsoncore.Document, error)
	HandleReply(reply bsoncore.Document) error
}

// Dispatcher drives one Operation through spec.md §4.8's pipeline:
// session binding, cluster-time injection, read/write-concern injection,
// transport selection, size check, send/receive, reply classification,
// session post-update, and single retry. Grounded on
// x/mongo/driver/operation/hello.go's Execute method shape.
type Dispatcher struct {
	Deployment  Deployment
	ClusterTime func() *session.ClusterTime
	SessionPool *session.Pool
	Monitor     *event.CommandMonitor
	IsWrite     bool
	ReadPref    topology.ReadPreference
	WriteConcern *WriteConcern
}

// ExecuteResult is what Execute returns alongside any error: the raw
// reply (for callers that need fields beyond what HandleReply captured)
// and the session the operation ran with, if one was bound.
type ExecuteResult struct {
	Reply   bsoncore.Document
	Session *session.ClientSession
}

// Execute runs op to completion, including the single retry spec.md
// §4.8 step 10 allows for idempotent writes. A nil sess on an
// acknowledged write acquires an implicit session from SessionPool for
// the duration of the call, per spec.md §4.8 step 1.
func (d *Dispatcher) Execute(ctx context.Context, op Operation, sess *session.ClientSession, retryable bool) (ExecuteResult, error) {
	if sess == nil && d.SessionPool != nil && d.isAcknowledgedWrite() {
		implicit, err := session.StartSession(d.SessionPool, 0, false)
		if err == nil {
			sess = implicit
			defer sess.EndSession()
		}
	}

	result, kind, err := d.attempt(ctx, op, sess)
	if err == nil {
		return result, nil
	}
	if !d.shouldRetry(op, sess, retryable, kind, err) {
		return result, err
	}
	result, _, err = d.attempt(ctx, op, sess)
	return result, err
}

// isAcknowledgedWrite reports whether this dispatcher issues a write
// whose reply the server actually sends back, the precondition for
// binding an implicit session per spec.md §4.7 (w:0 never carries lsid).
func (d *Dispatcher) isAcknowledgedWrite() bool {
	return d.IsWrite && (d.WriteConcern == nil || d.WriteConcern.Mode != Unacknowledged)
}

func (d *Dispatcher) shouldRetry(op Operation, sess *session.ClientSession, retryable bool, kind description.TopologyKind, err error) bool {
	if !retryable || sess == nil {
		return false
	}
	if kind == description.Single {
		return false
	}
	idem, ok := op.(Idempotent)
	if !ok || !idem.IsIdempotentWrite() {
		return false
	}
	if _, isNet := err.(*NetworkError); isNet {
		return true
	}
	if dbErr, isDB := err.(*DatabaseError); isDB {
		return dbErr.HasErrorLabel("RetryableWriteError")
	}
	return false
}

func (d *Dispatcher) attempt(ctx context.Context, op Operation, sess *session.ClientSession) (ExecuteResult, description.TopologyKind, error) {
	var selected description.SelectedServer
	var err error
	if d.IsWrite {
		selected, err = d.Deployment.SelectForWrite(ctx)
	} else {
		selected, err = d.Deployment.SelectForRead(ctx, d.ReadPref)
	}
	if err != nil {
		return ExecuteResult{}, description.TopologyUnknown, err
	}

	srv := d.Deployment.Server(selected.Server.Endpoint)
	if srv == nil {
		return ExecuteResult{}, selected.Kind, &UsageError{Message: "selected server is no longer part of the topology"}
	}

	conn, err := srv.Pool().Checkout(ctx)
	if err != nil {
		return ExecuteResult{}, selected.Kind, &NetworkError{Address: selected.Server.Endpoint, Wrapped: err}
	}
	defer srv.Pool().CheckIn(conn)

	cmd, err := op.BuildCommand(ctx, selected.Server)
	if err != nil {
		return ExecuteResult{}, selected.Kind, err
	}
	cmd = d.injectSession(cmd, sess, selected.Server)
	cmd = d.injectClusterTime(cmd)
	cmd = d.injectReadPreference(cmd, selected.Kind)
	cmd = d.injectWriteConcern(cmd, op.CommandName(), selected.Server)
	cmd = d.injectMaxTimeMS(ctx, cmd)

	if int(selected.Server.MaxMessageSizeBytes) > 0 && len(cmd) > int(selected.Server.MaxMessageSizeBytes) {
		return ExecuteResult{}, selected.Kind, &CommandSizeError{Size: len(cmd), MaxSize: int(selected.Server.MaxMessageSizeBytes)}
	}

	start := time.Now()
	d.publishStarted(op, cmd, conn)
	reply, err := conn.RunCommand(ctx, op.Database(), cmd)
	duration := time.Since(start)

	if err != nil {
		d.publishFailed(op, err, duration, conn)
		if sess != nil && d.IsWrite {
			sess.MarkDirty()
		}
		if topology.IsNetworkTimeout(err) {
			return ExecuteResult{}, selected.Kind, &NetworkTimeout{Wrapped: err}
		}
		return ExecuteResult{}, selected.Kind, &NetworkError{Address: selected.Server.Endpoint, Wrapped: err}
	}
	d.publishSucceeded(op, reply, duration, conn)

	d.postUpdateSession(sess, reply)

	classifyErr := classifyReply(reply)
	wcErr := writeConcernErrorFromReply(reply)

	if classifyErr != nil {
		if dbErr, ok := classifyErr.(*DatabaseError); ok && dbErr.IsNotMaster() {
			srv.RequestImmediateCheck()
		}
		return ExecuteResult{Reply: reply, Session: sess}, selected.Kind, classifyErr
	}

	if handleErr := op.HandleReply(reply); handleErr != nil {
		return ExecuteResult{Reply: reply, Session: sess}, selected.Kind, handleErr
	}

	if wcErr != nil {
		return ExecuteResult{Reply: reply, Session: sess}, selected.Kind, wcErr
	}
	return ExecuteResult{Reply: reply, Session: sess}, selected.Kind, nil
}

// injectSession stamps lsid, per spec.md §4.8 step 1; it does not stamp a
// txnNumber, so a retried write carries none. An
// unacknowledged write never carries lsid since its reply (through which
// the server would confirm session liveness) never arrives, per §4.7.
func (d *Dispatcher) injectSession(cmd bsoncore.Document, sess *session.ClientSession, srv description.Server) bsoncore.Document {
	if sess == nil {
		return cmd
	}
	if srv.LogicalSessionTimeoutMin <= 0 {
		return cmd
	}
	if d.WriteConcern != nil && d.WriteConcern.Mode == Unacknowledged {
		return cmd
	}
	id := sess.ServerSessionID()
	lsidDoc := bsoncore.NewDocumentBuilder().AppendBinary("id", 0x04, id[:]).Build()
	return appendDocument(cmd, "lsid", lsidDoc)
}

// injectClusterTime stamps the client's current $clusterTime view, per
// spec.md §4.8 step 2.
func (d *Dispatcher) injectClusterTime(cmd bsoncore.Document) bsoncore.Document {
	if d.ClusterTime == nil {
		return cmd
	}
	ct := d.ClusterTime()
	if ct == nil {
		return cmd
	}
	return appendDocument(cmd, "$clusterTime", ct.Timestamp)
}

// injectReadPreference sets $readPreference in the command body for
// OP_MSG transport, omitting it for primary reads against a non-mongos,
// per spec.md §4.8 step 3. OP_QUERY's $query wrapping is not implemented
// since every wire version this module targets negotiates OP_MSG.
func (d *Dispatcher) injectReadPreference(cmd bsoncore.Document, kind description.TopologyKind) bsoncore.Document {
	if d.IsWrite {
		return cmd
	}
	if d.ReadPref.Mode == topology.PrimaryMode && kind != description.Sharded {
		return cmd
	}
	modeStr := readPrefModeString(d.ReadPref.Mode)
	builder := bsoncore.NewDocumentBuilder().AppendString("mode", modeStr)
	if len(d.ReadPref.TagSets) > 0 {
		arr := bsoncore.NewArrayBuilder()
		for _, set := range d.ReadPref.TagSets {
			tb := bsoncore.NewDocumentBuilder()
			for k, v := range set {
				tb = tb.AppendString(k, v)
			}
			arr.AppendDocument(tb.Build())
		}
		builder = builder.AppendArray("tags", arr.Build())
	}
	return appendDocument(cmd, "$readPreference", builder.Build())
}

func readPrefModeString(m topology.ReadPreferenceMode) string {
	switch m {
	case topology.PrimaryMode:
		return "primary"
	case topology.PrimaryPreferredMode:
		return "primaryPreferred"
	case topology.SecondaryMode:
		return "secondary"
	case topology.SecondaryPreferredMode:
		return "secondaryPreferred"
	case topology.NearestMode:
		return "nearest"
	default:
		return "primary"
	}
}

// injectWriteConcern includes the configured write concern only when the
// command accepts one and, for the commands named in spec.md §4.8 step
// 4, only on wire version >= 5.
func (d *Dispatcher) injectWriteConcern(cmd bsoncore.Document, commandName string, srv description.Server) bsoncore.Document {
	if d.WriteConcern == nil || d.WriteConcern.Doc == nil {
		return cmd
	}
	if commandsRequiringWireVersion5[commandName] && srv.MaxWireVersion < 5 {
		return cmd
	}
	return appendDocument(cmd, "writeConcern", d.WriteConcern.Doc)
}

// injectMaxTimeMS stamps the client-side timeout budget's remaining
// server-visible slice into the command, skipped when the context
// carries internal.csot.WithSkipMaxTime (e.g. killCursors).
func (d *Dispatcher) injectMaxTimeMS(ctx context.Context, cmd bsoncore.Document) bsoncore.Document {
	ms := csot.MaxTimeMS(ctx)
	if ms <= 0 {
		return cmd
	}
	elems, _ := cmd.Elements()
	b := bsoncore.NewDocumentBuilder()
	for _, e := range elems {
		b.AppendValue(e.Key, e.Value)
	}
	b.AppendInt64("maxTimeMS", ms)
	return b.Build()
}

// postUpdateSession merges $clusterTime/operationTime from the reply into
// the session, per spec.md §4.8 step 9 — applied regardless of whether
// the command ultimately succeeded, per §4.7's "including error replies".
func (d *Dispatcher) postUpdateSession(sess *session.ClientSession, reply bsoncore.Document) {
	if sess == nil {
		return
	}
	if ct := session.ClusterTimeFromReply(reply); ct != nil {
		sess.AdvanceClusterTime(ct)
	}
	if v, err := reply.Lookup("operationTime"); err == nil {
		if t, i, ok := v.Timestamp(); ok {
			sess.AdvanceOperationTime(t, i)
		}
	}
	if v, err := reply.Lookup("recoveryToken"); err == nil {
		if doc, ok := v.Document(); ok {
			sess.SetRecoveryToken(doc)
		}
	}
}

func appendDocument(cmd bsoncore.Document, key string, doc bsoncore.Document) bsoncore.Document {
	elems, _ := cmd.Elements()
	b := bsoncore.NewDocumentBuilder()
	for _, e := range elems {
		if e.Key == key {
			continue
		}
		b.AppendValue(e.Key, e.Value)
	}
	b.AppendDocument(key, doc)
	return b.Build()
}

func (d *Dispatcher) publishStarted(op Operation, cmd bsoncore.Document, conn *topology.Connection) {
	if d.Monitor == nil || d.Monitor.Started == nil {
		return
	}
	d.Monitor.Started(event.CommandStartedEvent{
		CommandName:  op.CommandName(),
		ConnectionID: conn.ID(),
		DatabaseName: op.Database(),
		Command:      event.Redact(op.CommandName(), cmd),
	})
}

func (d *Dispatcher) publishSucceeded(op Operation, reply bsoncore.Document, dur time.Duration, conn *topology.Connection) {
	if d.Monitor == nil || d.Monitor.Succeeded == nil {
		return
	}
	d.Monitor.Succeeded(event.CommandSucceededEvent{
		CommandName:  op.CommandName(),
		ConnectionID: conn.ID(),
		Duration:     dur,
		Reply:        event.Redact(op.CommandName(), reply),
	})
}

func (d *Dispatcher) publishFailed(op Operation, err error, dur time.Duration, conn *topology.Connection) {
	if d.Monitor == nil || d.Monitor.Failed == nil {
		return
	}
	d.Monitor.Failed(event.CommandFailedEvent{
		CommandName:  op.CommandName(),
		ConnectionID: conn.ID(),
		Duration:     dur,
		Failure:      err,
	})
}
