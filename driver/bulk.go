package driver

import (
	"context"
	"fmt"
	"strings"

	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
	"github.com/corewire/mongowire/session"
)

// WriteOpType distinguishes the three bulk write op kinds of spec.md §4.9.
type WriteOpType int

// Bulk write operation kinds.
const (
	InsertOp WriteOpType = iota
	UpdateOp
	DeleteOp
)

// WriteModel is one input operation to the bulk engine, carrying its
// original caller-supplied index for error-index translation.
type WriteModel struct {
	Type          WriteOpType
	OriginalIndex int

	InsertDocument bsoncore.Document

	UpdateFilter     bsoncore.Document
	UpdateDocument   bsoncore.Document // operator doc ($set, etc.) or replacement doc
	Multi            bool
	Upsert           bool
	UpdateCollation  bsoncore.Document

	DeleteFilter    bsoncore.Document
	DeleteLimit     int32 // 0 = all matching, 1 = single
	DeleteCollation bsoncore.Document
}

// IsUpdateOperatorDocument reports whether UpdateDocument's first
// top-level key begins with '$' (an operator document) as opposed to a
// replacement document, per spec.md §4.9's pre-encoding distinction. Only
// the first key is inspected.
func (m *WriteModel) IsUpdateOperatorDocument() bool {
	elems, err := m.UpdateDocument.Elements()
	if err != nil || len(elems) == 0 {
		return false
	}
	return elems[0].Key != "" && elems[0].Key[0] == '$'
}

// ValidateReplacementDocument checks a replacement document has no
// dotted or '$'-prefixed top-level keys, per spec.md §4.9.
func ValidateReplacementDocument(doc bsoncore.Document) error {
	elems, err := doc.Elements()
	if err != nil {
		return err
	}
	for _, e := range elems {
		if len(e.Key) == 0 {
			continue
		}
		if e.Key[0] == '$' {
			return &DocumentError{Wrapped: fmt.Errorf("replacement document key %q must not start with '$'", e.Key)}
		}
		if strings.Contains(e.Key, ".") {
			return &DocumentError{Wrapped: fmt.Errorf("replacement document key %q must not contain '.'", e.Key)}
		}
	}
	return nil
}

// BulkResult accumulates the outcome of a bulk write, per spec.md §4.9's
// partial-failure semantics.
type BulkResult struct {
	InsertedCount int64
	MatchedCount  int64
	ModifiedCount int64
	UpsertedCount int64
	DeletedCount  int64
	WriteErrors   []WriteError // translated to original input indices
	WriteConcernError *WriteConcernError
}

// batch is one group of same-type ops bound for a single command, plus
// the mapping from batch-local position back to the original input
// index so server-reported writeErrors[i].index translates correctly.
type batch struct {
	opType          WriteOpType
	models          []*WriteModel
	originalIndices []int
}

// BulkWriter groups a list of WriteModels into batches and dispatches
// them, handling CommandTooLarge splitting and ordered/unordered
// partial-failure semantics, per spec.md §4.9. Grounded on
// core/dispatch/insert.go's per-type command assembly pattern.
type BulkWriter struct {
	Dispatcher *Dispatcher
	Session    *session.ClientSession
	Database   string
	Collection string
	Ordered    bool
	MaxBatchCount int32
	BypassDocumentValidation *bool
}

// Execute runs every model in models to completion, returning the
// aggregated BulkResult. Models must already be pre-encoded (documents
// serialized, _id assigned for inserts).
func (w *BulkWriter) Execute(ctx context.Context, desc description.Server, models []*WriteModel) (BulkResult, error) {
	maxBatch := w.MaxBatchCount
	if maxBatch <= 0 {
		maxBatch = desc.MaxWriteBatchSize
	}
	if maxBatch <= 0 {
		maxBatch = 100000
	}

	batches := w.buildBatches(models, maxBatch)

	var result BulkResult
	for _, b := range batches {
		halted, err := w.executeBatch(ctx, desc, b, &result)
		if err != nil {
			return result, err
		}
		if halted && w.Ordered {
			break
		}
	}
	if result.WriteConcernError != nil {
		return result, result.WriteConcernError
	}
	return result, nil
}

// buildBatches implements spec.md §4.9's batching rules: ordered mode
// closes a batch whenever the op type changes or the count limit is hit;
// unordered mode keeps one open batch per type, flushing on count limit
// and emitting all remaining batches at the end.
func (w *BulkWriter) buildBatches(models []*WriteModel, maxBatch int32) []*batch {
	if w.Ordered {
		return buildOrderedBatches(models, maxBatch)
	}
	return buildUnorderedBatches(models, maxBatch)
}

func buildOrderedBatches(models []*WriteModel, maxBatch int32) []*batch {
	var batches []*batch
	var current *batch
	for _, m := range models {
		if current == nil || current.opType != m.Type || int32(len(current.models)) >= maxBatch {
			current = &batch{opType: m.Type}
			batches = append(batches, current)
		}
		current.models = append(current.models, m)
		current.originalIndices = append(current.originalIndices, m.OriginalIndex)
	}
	return batches
}

func buildUnorderedBatches(models []*WriteModel, maxBatch int32) []*batch {
	open := map[WriteOpType]*batch{}
	var batches []*batch
	for _, m := range models {
		b, ok := open[m.Type]
		if !ok || int32(len(b.models)) >= maxBatch {
			b = &batch{opType: m.Type}
			open[m.Type] = b
			batches = append(batches, b)
		}
		b.models = append(b.models, m)
		b.originalIndices = append(b.originalIndices, m.OriginalIndex)
	}
	return batches
}

// executeBatch runs one batch, splitting on CommandTooLarge and
// translating server-reported indices back to the caller's input
// positions. Returns halted=true if an ordered caller should stop.
func (w *BulkWriter) executeBatch(ctx context.Context, desc description.Server, b *batch, result *BulkResult) (bool, error) {
	cmd, err := w.buildCommand(desc, b)
	if err != nil {
		return false, err
	}

	op := &bulkOperation{db: w.Database, cmd: cmd, name: commandNameFor(b.opType), idempotent: batchIsIdempotent(b)}
	d := *w.Dispatcher
	d.IsWrite = true
	execResult, err := d.Execute(ctx, op, w.Session, op.idempotent)

	if sizeErr, ok := err.(*CommandSizeError); ok {
		if len(b.models) <= 1 {
			return true, &DocumentTooLarge{Size: sizeErr.Size, MaxSize: sizeErr.MaxSize}
		}
		first, second := splitBatch(b)
		halted, err := w.executeBatch(ctx, desc, first, result)
		if err != nil || (halted && w.Ordered) {
			return halted, err
		}
		return w.executeBatch(ctx, desc, second, result)
	}
	if err != nil {
		return false, err
	}

	reply := execResult.Reply
	applyCounts(b.opType, reply, result)

	werrs := writeErrorsFromReply(reply)
	halted := false
	for _, we := range werrs {
		translated := we
		if int(we.Index) < len(b.originalIndices) {
			translated.Index = int32(b.originalIndices[we.Index])
		}
		result.WriteErrors = append(result.WriteErrors, translated)
		if w.Ordered {
			halted = true
		}
	}
	if wce := writeConcernErrorFromReply(reply); wce != nil {
		result.WriteConcernError = wce
	}
	return halted, nil
}

// batchIsIdempotent reports whether every model in b is safe to retry
// once on a network or retryable-write error, per spec.md §4.8 step 10:
// inserts always qualify, updates only if none are multi, deletes only
// if every one is limited to a single document.
func batchIsIdempotent(b *batch) bool {
	switch b.opType {
	case InsertOp:
		return true
	case UpdateOp:
		for _, m := range b.models {
			if m.Multi {
				return false
			}
		}
		return true
	case DeleteOp:
		for _, m := range b.models {
			if m.DeleteLimit != 1 {
				return false
			}
		}
		return true
	}
	return false
}

// splitBatch halves b at its midpoint (by op count, approximating
// spec.md §4.9's "average per-op size" split since every op in a
// homogeneous batch is assumed roughly uniform in size).
func splitBatch(b *batch) (*batch, *batch) {
	mid := len(b.models) / 2
	first := &batch{opType: b.opType, models: b.models[:mid], originalIndices: b.originalIndices[:mid]}
	second := &batch{opType: b.opType, models: b.models[mid:], originalIndices: b.originalIndices[mid:]}
	return first, second
}

func commandNameFor(t WriteOpType) string {
	switch t {
	case InsertOp:
		return "insert"
	case UpdateOp:
		return "update"
	case DeleteOp:
		return "delete"
	}
	return ""
}

func (w *BulkWriter) buildCommand(desc description.Server, b *batch) (bsoncore.Document, error) {
	builder := bsoncore.NewDocumentBuilder().AppendString(commandNameFor(b.opType), w.Collection)

	maxDoc := int(desc.MaxBSONObjectSize)
	arr := bsoncore.NewArrayBuilder()
	for _, m := range b.models {
		switch b.opType {
		case InsertOp:
			if maxDoc > 0 && len(m.InsertDocument) > maxDoc {
				return nil, &DocumentTooLarge{Size: len(m.InsertDocument), MaxSize: maxDoc}
			}
			arr.AppendDocument(m.InsertDocument)
		case UpdateOp:
			ub := bsoncore.NewDocumentBuilder().
				AppendDocument("q", m.UpdateFilter).
				AppendDocument("u", m.UpdateDocument).
				AppendBoolean("multi", m.Multi).
				AppendBoolean("upsert", m.Upsert)
			if m.UpdateCollation != nil {
				ub = ub.AppendDocument("collation", m.UpdateCollation)
			}
			arr.AppendDocument(ub.Build())
		case DeleteOp:
			db := bsoncore.NewDocumentBuilder().
				AppendDocument("q", m.DeleteFilter).
				AppendInt32("limit", m.DeleteLimit)
			if m.DeleteCollation != nil {
				db = db.AppendDocument("collation", m.DeleteCollation)
			}
			arr.AppendDocument(db.Build())
		}
	}

	builder = builder.AppendArray(arrayFieldFor(b.opType), arr.Build()).AppendBoolean("ordered", w.Ordered)
	if w.BypassDocumentValidation != nil {
		builder = builder.AppendBoolean("bypassDocumentValidation", *w.BypassDocumentValidation)
	}
	return builder.Build(), nil
}

func arrayFieldFor(t WriteOpType) string {
	switch t {
	case InsertOp:
		return "documents"
	case UpdateOp:
		return "updates"
	case DeleteOp:
		return "deletes"
	}
	return ""
}

func applyCounts(t WriteOpType, reply bsoncore.Document, result *BulkResult) {
	switch t {
	case InsertOp:
		result.InsertedCount += countField(reply, "n")
	case UpdateOp:
		result.MatchedCount += countField(reply, "n")
		result.ModifiedCount += countField(reply, "nModified")
		result.UpsertedCount += int64(len(upsertedArray(reply)))
	case DeleteOp:
		result.DeletedCount += countField(reply, "n")
	}
}

func countField(reply bsoncore.Document, key string) int64 {
	v, err := reply.Lookup(key)
	if err != nil {
		return 0
	}
	i, _ := v.AsInt64()
	return i
}

func upsertedArray(reply bsoncore.Document) []bsoncore.Element {
	v, err := reply.Lookup("upserted")
	if err != nil {
		return nil
	}
	doc, ok := v.Document()
	if !ok {
		return nil
	}
	elems, _ := doc.Elements()
	return elems
}

// bulkOperation adapts a pre-built insert/update/delete command into the
// Operation interface the Dispatcher drives.
type bulkOperation struct {
	db         string
	cmd        bsoncore.Document
	name       string
	idempotent bool
}

func (o *bulkOperation) CommandName() string { return o.name }
func (o *bulkOperation) Database() string    { return o.db }
func (o *bulkOperation) BuildCommand(ctx context.Context, desc description.Server) (bsoncore.Document, error) {
	return o.cmd, nil
}
func (o *bulkOperation) HandleReply(reply bsoncore.Document) error { return nil }

// IsIdempotentWrite implements driver.Idempotent so a batch of
// single-document inserts, non-multi updates, or limit-1 deletes is
// eligible for the single retry spec.md §4.8 step 10 allows.
func (o *bulkOperation) IsIdempotentWrite() bool { return o.idempotent }
