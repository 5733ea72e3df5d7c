package wiremessage

import (
	"fmt"

	"github.com/corewire/mongowire/bsoncore"
)

// MsgFlag are the flag bits carried by an OP_MSG message.
type MsgFlag uint32

// OP_MSG flag bits.
const (
	ChecksumPresent MsgFlag = 1 << 0
	MoreToCome      MsgFlag = 1 << 1
	ExhaustAllowed  MsgFlag = 1 << 16
)

// DocumentSequence is an OP_MSG kind-1 section: a named sequence of
// documents, used to carry bulk-write `documents`/`updates`/`deletes`
// arrays without re-embedding them inside the command body.
type DocumentSequence struct {
	Identifier string
	Documents  []bsoncore.Document
}

// Msg is an OP_MSG message: one command body plus zero or more document
// sequences.
type Msg struct {
	RequestID  int32
	ResponseTo int32
	FlagBits   MsgFlag
	Body       bsoncore.Document
	Sequences  []DocumentSequence
}

// Encode serializes the message, including its header, and returns the
// request ID that was stamped into it (allocating one if RequestID is 0).
func (m Msg) Encode() ([]byte, int32) {
	reqID := m.RequestID
	if reqID == 0 {
		reqID = NextRequestID()
	}
	buf := make([]byte, HeaderLen)
	buf = appendInt32(buf, int32(m.FlagBits))
	buf = append(buf, 0x00) // kind 0: body
	buf = append(buf, m.Body...)
	for _, seq := range m.Sequences {
		buf = append(buf, 0x01) // kind 1: document sequence
		sizePos := len(buf)
		buf = appendInt32(buf, 0)
		buf = append(buf, seq.Identifier...)
		buf = append(buf, 0x00)
		for _, doc := range seq.Documents {
			buf = append(buf, doc...)
		}
		size := int32(len(buf) - sizePos)
		putInt32(buf[sizePos:], size)
	}
	h := Header{MessageLength: int32(len(buf)), RequestID: reqID, ResponseTo: m.ResponseTo, OpCode: OpMsg}
	copy(buf, h.AppendHeader(nil))
	return buf, reqID
}

// DecodeMsg parses the body of an OP_MSG message (header already stripped
// and validated against hdr.MessageLength by the caller).
func DecodeMsg(hdr Header, payload []byte) (Msg, error) {
	if len(payload) < 4 {
		return Msg{}, fmt.Errorf("wiremessage: OP_MSG payload too short")
	}
	m := Msg{RequestID: hdr.RequestID, ResponseTo: hdr.ResponseTo, FlagBits: MsgFlag(readInt32(payload, 0))}
	rest := payload[4:]
	if m.FlagBits&ChecksumPresent != 0 {
		if len(rest) < 4 {
			return Msg{}, fmt.Errorf("wiremessage: OP_MSG missing checksum")
		}
		rest = rest[:len(rest)-4]
	}
	var gotBody bool
	for len(rest) > 0 {
		kind := rest[0]
		rest = rest[1:]
		switch kind {
		case 0x00:
			n := int(bsoncoreLen(rest))
			if n > len(rest) {
				return Msg{}, fmt.Errorf("wiremessage: OP_MSG body section truncated")
			}
			m.Body = bsoncore.Document(rest[:n])
			rest = rest[n:]
			gotBody = true
		case 0x01:
			if len(rest) < 4 {
				return Msg{}, fmt.Errorf("wiremessage: OP_MSG sequence section truncated")
			}
			size := int(readInt32(rest, 0))
			if size > len(rest) {
				return Msg{}, fmt.Errorf("wiremessage: OP_MSG sequence section length mismatch")
			}
			section := rest[4:size]
			rest = rest[size:]
			nul := indexByte(section, 0x00)
			if nul < 0 {
				return Msg{}, fmt.Errorf("wiremessage: OP_MSG sequence identifier missing terminator")
			}
			seq := DocumentSequence{Identifier: string(section[:nul])}
			docs := section[nul+1:]
			for len(docs) > 0 {
				dn := int(bsoncoreLen(docs))
				if dn > len(docs) {
					return Msg{}, fmt.Errorf("wiremessage: OP_MSG sequence document truncated")
				}
				seq.Documents = append(seq.Documents, bsoncore.Document(docs[:dn]))
				docs = docs[dn:]
			}
			m.Sequences = append(m.Sequences, seq)
		default:
			return Msg{}, fmt.Errorf("wiremessage: unknown OP_MSG section kind %#x", kind)
		}
	}
	if !gotBody {
		return Msg{}, fmt.Errorf("wiremessage: OP_MSG missing body section")
	}
	return m, nil
}

func bsoncoreLen(b []byte) int32 {
	if len(b) < 4 {
		return 0
	}
	return readInt32(b, 0)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func putInt32(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// QueryFlag are the flag bits of an OP_QUERY message.
type QueryFlag uint32

// OP_QUERY flag bits this driver sets.
const (
	SlaveOK         QueryFlag = 1 << 2
	NoCursorTimeout QueryFlag = 1 << 4
	AwaitData       QueryFlag = 1 << 5
	Exhaust         QueryFlag = 1 << 6
)

// Query is a legacy OP_QUERY message, used to send commands against
// `$cmd` on servers that predate OP_MSG.
type Query struct {
	RequestID            int32
	Flags                QueryFlag
	FullCollectionName   string
	NumberToSkip         int32
	NumberToReturn       int32
	Query                bsoncore.Document
	ReturnFieldsSelector bsoncore.Document
}

// Encode serializes the OP_QUERY message.
func (q Query) Encode() ([]byte, int32) {
	reqID := q.RequestID
	if reqID == 0 {
		reqID = NextRequestID()
	}
	buf := make([]byte, HeaderLen)
	buf = appendInt32(buf, int32(q.Flags))
	buf = append(buf, q.FullCollectionName...)
	buf = append(buf, 0x00)
	buf = appendInt32(buf, q.NumberToSkip)
	buf = appendInt32(buf, q.NumberToReturn)
	buf = append(buf, q.Query...)
	if q.ReturnFieldsSelector != nil {
		buf = append(buf, q.ReturnFieldsSelector...)
	}
	h := Header{MessageLength: int32(len(buf)), RequestID: reqID, OpCode: OpQuery}
	copy(buf, h.AppendHeader(nil))
	return buf, reqID
}

// ReplyFlag are the flag bits of an OP_REPLY message.
type ReplyFlag uint32

// OP_REPLY flag bits.
const (
	CursorNotFound   ReplyFlag = 1 << 0
	QueryFailure     ReplyFlag = 1 << 1
	AwaitCapable     ReplyFlag = 1 << 3
)

// Reply is a legacy OP_REPLY message.
type Reply struct {
	RequestID      int32
	ResponseTo     int32
	ResponseFlags  ReplyFlag
	CursorID       int64
	StartingFrom   int32
	NumberReturned int32
	Documents      []bsoncore.Document
}

// DecodeReply parses the body of an OP_REPLY message.
func DecodeReply(hdr Header, payload []byte) (Reply, error) {
	if len(payload) < 20 {
		return Reply{}, fmt.Errorf("wiremessage: OP_REPLY payload too short")
	}
	r := Reply{
		RequestID:      hdr.RequestID,
		ResponseTo:     hdr.ResponseTo,
		ResponseFlags:  ReplyFlag(readInt32(payload, 0)),
		CursorID:       readInt64(payload, 4),
		StartingFrom:   readInt32(payload, 12),
		NumberReturned: readInt32(payload, 16),
	}
	rest := payload[20:]
	for i := int32(0); i < r.NumberReturned && len(rest) > 0; i++ {
		n := int(bsoncoreLen(rest))
		if n > len(rest) || n < 5 {
			return Reply{}, fmt.Errorf("wiremessage: OP_REPLY document truncated")
		}
		r.Documents = append(r.Documents, bsoncore.Document(rest[:n]))
		rest = rest[n:]
	}
	return r, nil
}

// GetMore is a legacy OP_GET_MORE message.
type GetMore struct {
	RequestID          int32
	FullCollectionName string
	NumberToReturn     int32
	CursorID           int64
}

// Encode serializes the OP_GET_MORE message.
func (g GetMore) Encode() ([]byte, int32) {
	reqID := g.RequestID
	if reqID == 0 {
		reqID = NextRequestID()
	}
	buf := make([]byte, HeaderLen)
	buf = appendInt32(buf, 0) // reserved
	buf = append(buf, g.FullCollectionName...)
	buf = append(buf, 0x00)
	buf = appendInt32(buf, g.NumberToReturn)
	buf = appendInt64(buf, g.CursorID)
	h := Header{MessageLength: int32(len(buf)), RequestID: reqID, OpCode: OpGetMore}
	copy(buf, h.AppendHeader(nil))
	return buf, reqID
}

// KillCursors is a legacy OP_KILL_CURSORS message.
type KillCursors struct {
	RequestID int32
	CursorIDs []int64
}

// Encode serializes the OP_KILL_CURSORS message.
func (k KillCursors) Encode() ([]byte, int32) {
	reqID := k.RequestID
	if reqID == 0 {
		reqID = NextRequestID()
	}
	buf := make([]byte, HeaderLen)
	buf = appendInt32(buf, 0) // reserved
	buf = appendInt32(buf, int32(len(k.CursorIDs)))
	for _, id := range k.CursorIDs {
		buf = appendInt64(buf, id)
	}
	h := Header{MessageLength: int32(len(buf)), RequestID: reqID, OpCode: OpKillCursors}
	copy(buf, h.AppendHeader(nil))
	return buf, reqID
}

// InsertFlag are the flag bits of an OP_INSERT message.
type InsertFlag uint32

// ContinueOnError is the sole OP_INSERT flag.
const ContinueOnError InsertFlag = 1 << 0

// Insert is a legacy OP_INSERT message.
type Insert struct {
	RequestID          int32
	Flags              InsertFlag
	FullCollectionName string
	Documents          []bsoncore.Document
}

// Encode serializes the OP_INSERT message.
func (ins Insert) Encode() ([]byte, int32) {
	reqID := ins.RequestID
	if reqID == 0 {
		reqID = NextRequestID()
	}
	buf := make([]byte, HeaderLen)
	buf = appendInt32(buf, int32(ins.Flags))
	buf = append(buf, ins.FullCollectionName...)
	buf = append(buf, 0x00)
	for _, d := range ins.Documents {
		buf = append(buf, d...)
	}
	h := Header{MessageLength: int32(len(buf)), RequestID: reqID, OpCode: OpInsert}
	copy(buf, h.AppendHeader(nil))
	return buf, reqID
}

// UpdateFlag are the flag bits of an OP_UPDATE message.
type UpdateFlag uint32

// OP_UPDATE flag bits.
const (
	Upsert      UpdateFlag = 1 << 0
	MultiUpdate UpdateFlag = 1 << 1
)

// Update is a legacy OP_UPDATE message.
type Update struct {
	RequestID          int32
	FullCollectionName string
	Flags              UpdateFlag
	Selector           bsoncore.Document
	Update             bsoncore.Document
}

// Encode serializes the OP_UPDATE message.
func (u Update) Encode() ([]byte, int32) {
	reqID := u.RequestID
	if reqID == 0 {
		reqID = NextRequestID()
	}
	buf := make([]byte, HeaderLen)
	buf = appendInt32(buf, 0) // reserved
	buf = append(buf, u.FullCollectionName...)
	buf = append(buf, 0x00)
	buf = appendInt32(buf, int32(u.Flags))
	buf = append(buf, u.Selector...)
	buf = append(buf, u.Update...)
	h := Header{MessageLength: int32(len(buf)), RequestID: reqID, OpCode: OpUpdate}
	copy(buf, h.AppendHeader(nil))
	return buf, reqID
}

// DeleteFlag are the flag bits of an OP_DELETE message.
type DeleteFlag uint32

// SingleRemove is the sole OP_DELETE flag.
const SingleRemove DeleteFlag = 1 << 0

// Delete is a legacy OP_DELETE message.
type Delete struct {
	RequestID          int32
	FullCollectionName string
	Flags              DeleteFlag
	Selector           bsoncore.Document
}

// Encode serializes the OP_DELETE message.
func (d Delete) Encode() ([]byte, int32) {
	reqID := d.RequestID
	if reqID == 0 {
		reqID = NextRequestID()
	}
	buf := make([]byte, HeaderLen)
	buf = appendInt32(buf, 0) // reserved
	buf = append(buf, d.FullCollectionName...)
	buf = append(buf, 0x00)
	buf = appendInt32(buf, int32(d.Flags))
	buf = append(buf, d.Selector...)
	h := Header{MessageLength: int32(len(buf)), RequestID: reqID, OpCode: OpDelete}
	copy(buf, h.AppendHeader(nil))
	return buf, reqID
}
