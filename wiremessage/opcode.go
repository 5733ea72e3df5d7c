// Package wiremessage implements the MongoDB wire protocol's framing: the
// seven legacy opcodes this driver still speaks (OP_QUERY, OP_INSERT,
// OP_UPDATE, OP_DELETE, OP_GET_MORE, OP_KILL_CURSORS, OP_REPLY) plus the
// modern OP_MSG and the OP_COMPRESSED envelope. It owns request-ID
// allocation and reply correlation; it knows nothing about command
// semantics or BSON codecs beyond bsoncore's raw byte assembly.
package wiremessage

import (
	"fmt"
	"sync/atomic"
)

// OpCode identifies the shape of a wire message.
type OpCode int32

// Opcodes recognized by this driver, per spec.md §6.
const (
	OpReply       OpCode = 1
	OpUpdate      OpCode = 2001
	OpInsert      OpCode = 2002
	OpQuery       OpCode = 2004
	OpGetMore     OpCode = 2005
	OpDelete      OpCode = 2006
	OpKillCursors OpCode = 2007
	OpCompressed  OpCode = 2012
	OpMsg         OpCode = 2013
)

func (c OpCode) String() string {
	switch c {
	case OpReply:
		return "OP_REPLY"
	case OpUpdate:
		return "OP_UPDATE"
	case OpInsert:
		return "OP_INSERT"
	case OpQuery:
		return "OP_QUERY"
	case OpGetMore:
		return "OP_GET_MORE"
	case OpDelete:
		return "OP_DELETE"
	case OpKillCursors:
		return "OP_KILL_CURSORS"
	case OpCompressed:
		return "OP_COMPRESSED"
	case OpMsg:
		return "OP_MSG"
	default:
		return fmt.Sprintf("OpCode(%d)", int32(c))
	}
}

var requestIDCounter int32

// NextRequestID allocates the next process-wide monotonic request ID. The
// real protocol only requires uniqueness per connection, but a process-wide
// counter is simpler and matches the teacher's msg.NextRequestID idiom.
func NextRequestID() int32 {
	return atomic.AddInt32(&requestIDCounter, 1)
}
