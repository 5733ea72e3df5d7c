package wiremessage

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the fixed size in bytes of every wire message header.
const HeaderLen = 16

// Header is the 16-byte little-endian preamble common to every wire
// message.
type Header struct {
	MessageLength int32
	RequestID     int32
	ResponseTo    int32
	OpCode        OpCode
}

// AppendHeader appends the header's wire representation to buf.
func (h Header) AppendHeader(buf []byte) []byte {
	buf = appendInt32(buf, h.MessageLength)
	buf = appendInt32(buf, h.RequestID)
	buf = appendInt32(buf, h.ResponseTo)
	buf = appendInt32(buf, int32(h.OpCode))
	return buf
}

// ReadHeader reads a Header from the start of buf.
func ReadHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("wiremessage: header requires %d bytes, have %d", HeaderLen, len(buf))
	}
	return Header{
		MessageLength: readInt32(buf, 0),
		RequestID:     readInt32(buf, 4),
		ResponseTo:    readInt32(buf, 8),
		OpCode:        OpCode(readInt32(buf, 12)),
	}, nil
}

func appendInt32(buf []byte, v int32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	return append(buf, tmp[:]...)
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func readInt32(buf []byte, pos int) int32 {
	return int32(binary.LittleEndian.Uint32(buf[pos : pos+4]))
}

func readInt64(buf []byte, pos int) int64 {
	return int64(binary.LittleEndian.Uint64(buf[pos : pos+8]))
}
