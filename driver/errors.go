// Package driver implements spec.md §4.8's operation dispatch pipeline and
// §4.9's bulk write engine: the layer that turns a typed operation plus a
// selected server into bytes on the wire and a classified result.
// Grounded on x/mongo/driver/operation/hello.go's Operation shape and
// core/dispatch's per-type command assembly for the legacy layer.
package driver

import (
	"fmt"

	"github.com/corewire/mongowire/address"
	"github.com/corewire/mongowire/bsoncore"
)

// Well-known server error codes this dispatcher classifies specially,
// per spec.md §7.
const (
	codeNamespaceNotFound = 26
	codeIndexNotFound     = 27
	codeExceededTimeLimit = 50
	codeCommandNotFound   = 59
	codeLegacyCommandNotFound = 13390
)

var notMasterCodes = map[int32]bool{
	10107: true, // NotWritablePrimary
	13435: true, // NotPrimaryNoSecondaryOk
	13436: true, // NotPrimaryOrSecondary
	11602: true, // InterruptedDueToReplStateChange
	189:   true, // PrimarySteppedDown
	91:    true, // ShutdownInProgress
}

var notMasterMessages = []string{"not master", "node is recovering", "not primary"}

// NetworkError wraps a transport-level failure (dial, TLS, read, write)
// that occurred while attempting to run a command.
type NetworkError struct {
	Address address.Address
	Wrapped error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error(%s): %v", e.Address, e.Wrapped) }
func (e *NetworkError) Unwrap() error { return e.Wrapped }

// NetworkTimeout is a NetworkError specifically caused by a deadline
// expiring mid-read or mid-write.
type NetworkTimeout struct {
	Wrapped error
}

func (e *NetworkTimeout) Error() string { return fmt.Sprintf("network timeout: %v", e.Wrapped) }
func (e *NetworkTimeout) Unwrap() error { return e.Wrapped }

// HandshakeError wraps a failure during connection establishment
// (dial/TLS/isMaster/auth), surfaced distinctly from a NetworkError that
// occurs on an already-established link.
type HandshakeError struct {
	Wrapped error
}

func (e *HandshakeError) Error() string { return fmt.Sprintf("handshake error: %v", e.Wrapped) }
func (e *HandshakeError) Unwrap() error { return e.Wrapped }

// DatabaseError is an ok:0 server reply, classified by code/codeName per
// spec.md §7.
type DatabaseError struct {
	Code       int32
	CodeName   string
	Message    string
	Labels     []string
	Raw        bsoncore.Document
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("server error %d (%s): %s", e.Code, e.CodeName, e.Message)
}

// IsNamespaceNotFound reports the NamespaceNotFound sub-kind.
func (e *DatabaseError) IsNamespaceNotFound() bool { return e.Code == codeNamespaceNotFound }

// IsIndexNotFound reports the IndexNotFound sub-kind.
func (e *DatabaseError) IsIndexNotFound() bool { return e.Code == codeIndexNotFound }

// IsExceededTimeLimit reports the ExceededTimeLimit sub-kind, the
// server-side maxTimeMS expiry the client surfaces verbatim per spec.md §5.
func (e *DatabaseError) IsExceededTimeLimit() bool { return e.Code == codeExceededTimeLimit }

// IsCommandNotFound reports the CommandNotFound sub-kind (codes 59 and
// the legacy 13390), used by the createIndexes legacy fallback of
// spec.md §9(a).
func (e *DatabaseError) IsCommandNotFound() bool {
	return e.Code == codeCommandNotFound || e.Code == codeLegacyCommandNotFound
}

// IsNotMaster reports whether this error belongs to the NotMaster/
// NodeIsRecovering family that triggers an immediate topology rescan and
// is retry-eligible for writes, per spec.md §4.8 step 10 and §7.
func (e *DatabaseError) IsNotMaster() bool {
	if notMasterCodes[e.Code] {
		return true
	}
	for _, m := range notMasterMessages {
		if containsFold(e.Message, m) {
			return true
		}
	}
	return false
}

// HasErrorLabel reports whether the server attached label to this error
// via an errorLabels array, used for RetryableWriteError classification.
func (e *DatabaseError) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	ls, lsub := toLower(s), toLower(substr)
	for i := 0; i+len(lsub) <= len(ls); i++ {
		if ls[i:i+len(lsub)] == lsub {
			return i
		}
	}
	return -1
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// WriteError is one element of a writeErrors[] array in a bulk/insert/
// update/delete reply, carrying its batch-local index for translation
// back to the caller's original input index per spec.md §4.9.
type WriteError struct {
	Index   int32
	Code    int32
	Message string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write error at index %d: %d: %s", e.Index, e.Code, e.Message)
}

// WriteConcernError is the writeConcernError sub-document on an
// otherwise successful write, which never halts bulk processing but is
// raised once at the end, per spec.md §4.9.
type WriteConcernError struct {
	Code    int32
	Message string
}

func (e *WriteConcernError) Error() string {
	return fmt.Sprintf("write concern error %d: %s", e.Code, e.Message)
}

// CommandSizeError is returned by the size check of spec.md §4.8 step 6
// when a serialized command exceeds the server's max_message_size,
// enabling bulk batch splitting.
type CommandSizeError struct {
	Size, MaxSize int
}

func (e *CommandSizeError) Error() string {
	return fmt.Sprintf("command size %d exceeds maximum message size %d", e.Size, e.MaxSize)
}

// DocumentTooLarge is returned when a single document, not a batch,
// already exceeds the size limit and so cannot be split further.
type DocumentTooLarge struct {
	Size, MaxSize int
}

func (e *DocumentTooLarge) Error() string {
	return fmt.Sprintf("document size %d exceeds maximum document size %d", e.Size, e.MaxSize)
}

// UsageError reports a caller-side misuse: a session from another
// client, a write against a topology with no writable server, etc.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string { return "usage error: " + e.Message }

// DocumentError wraps a problem found while pre-encoding a document for
// the wire, e.g. a replacement document with a dotted or `$`-prefixed
// top-level key.
type DocumentError struct {
	Index   int
	Wrapped error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("document at index %d is invalid: %v", e.Index, e.Wrapped)
}
func (e *DocumentError) Unwrap() error { return e.Wrapped }

// classifyReply inspects a command reply and returns a *DatabaseError if
// ok is 0, or nil otherwise (including when ok is absent). A writeConcernError present alongside ok:1
// is returned separately by the caller, not folded into this check, per
// spec.md §4.8 step 8.
func classifyReply(reply bsoncore.Document) error {
	ok := true
	if v, err := reply.Lookup("ok"); err == nil {
		if f, isDouble := v.Double(); isDouble {
			ok = f != 0
		} else if i, isInt := v.AsInt64(); isInt {
			ok = i != 0
		}
	}
	if ok {
		return nil
	}

	dbErr := &DatabaseError{Raw: reply}
	if v, err := reply.Lookup("code"); err == nil {
		if i, isInt := v.AsInt64(); isInt {
			dbErr.Code = int32(i)
		}
	}
	if v, err := reply.Lookup("codeName"); err == nil {
		if s, isStr := v.StringValue(); isStr {
			dbErr.CodeName = s
		}
	}
	if v, err := reply.Lookup("errmsg"); err == nil {
		if s, isStr := v.StringValue(); isStr {
			dbErr.Message = s
		}
	}
	if v, err := reply.Lookup("errorLabels"); err == nil {
		if doc, isDoc := v.Document(); isDoc {
			elems, _ := doc.Elements()
			for _, e := range elems {
				if s, isStr := e.Value.StringValue(); isStr {
					dbErr.Labels = append(dbErr.Labels, s)
				}
			}
		}
	}
	return dbErr
}

// writeConcernErrorFromReply extracts a writeConcernError sub-document if
// present, regardless of the reply's own ok value.
func writeConcernErrorFromReply(reply bsoncore.Document) *WriteConcernError {
	v, err := reply.Lookup("writeConcernError")
	if err != nil {
		return nil
	}
	doc, ok := v.Document()
	if !ok {
		return nil
	}
	wce := &WriteConcernError{}
	if c, err := doc.Lookup("code"); err == nil {
		if i, ok := c.AsInt64(); ok {
			wce.Code = int32(i)
		}
	}
	if m, err := doc.Lookup("errmsg"); err == nil {
		if s, ok := m.StringValue(); ok {
			wce.Message = s
		}
	}
	return wce
}

// writeErrorsFromReply extracts the writeErrors[] array of a write reply.
func writeErrorsFromReply(reply bsoncore.Document) []WriteError {
	v, err := reply.Lookup("writeErrors")
	if err != nil {
		return nil
	}
	arr, ok := v.Document()
	if !ok {
		return nil
	}
	elems, _ := arr.Elements()
	out := make([]WriteError, 0, len(elems))
	for _, e := range elems {
		doc, ok := e.Value.Document()
		if !ok {
			continue
		}
		we := WriteError{}
		if idx, err := doc.Lookup("index"); err == nil {
			if i, ok := idx.AsInt64(); ok {
				we.Index = int32(i)
			}
		}
		if c, err := doc.Lookup("code"); err == nil {
			if i, ok := c.AsInt64(); ok {
				we.Code = int32(i)
			}
		}
		if m, err := doc.Lookup("errmsg"); err == nil {
			if s, ok := m.StringValue(); ok {
				we.Message = s
			}
		}
		out = append(out, we)
	}
	return out
}
