package wiremessage

import "fmt"

// CompressorID identifies the compression algorithm used by an
// OP_COMPRESSED envelope.
type CompressorID uint8

// Compressor IDs as assigned by the wire protocol.
const (
	CompressorNoop   CompressorID = 0
	CompressorSnappy CompressorID = 1
	CompressorZLib   CompressorID = 2
	CompressorZstd   CompressorID = 3
)

// Compressed wraps an encoded OP_QUERY or OP_MSG message with a
// compressor ID and the original (uncompressed) opcode, so the receiver
// can pick the matching decompressor and reconstruct the inner message.
type Compressed struct {
	RequestID         int32
	ResponseTo        int32
	OriginalOpCode    OpCode
	UncompressedSize  int32
	CompressorID      CompressorID
	CompressedMessage []byte
}

// nonCompressibleCommands lists the commands that must always be sent
// uncompressed, per spec.md §4.1 — mostly handshake and auth commands,
// since compressing them would create a chicken-and-egg problem (the
// compressor to use is itself negotiated during the handshake).
var nonCompressibleCommands = map[string]bool{
	"isMaster":        true,
	"ismaster":        true,
	"hello":           true,
	"saslStart":       true,
	"saslContinue":    true,
	"getnonce":        true,
	"authenticate":    true,
	"createUser":      true,
	"updateUser":      true,
	"copydbSaslStart": true,
	"copydbGetNonce":  true,
	"copydb":          true,
}

// CanCompress reports whether a command with the given first-key name may
// be wrapped in OP_COMPRESSED.
func CanCompress(firstCommandKey string) bool {
	return !nonCompressibleCommands[firstCommandKey]
}

// Encode serializes the OP_COMPRESSED envelope.
func (c Compressed) Encode() []byte {
	buf := make([]byte, HeaderLen)
	buf = appendInt32(buf, int32(c.OriginalOpCode))
	buf = appendInt32(buf, c.UncompressedSize)
	buf = append(buf, byte(c.CompressorID))
	buf = append(buf, c.CompressedMessage...)
	h := Header{MessageLength: int32(len(buf)), RequestID: c.RequestID, ResponseTo: c.ResponseTo, OpCode: OpCompressed}
	copy(buf, h.AppendHeader(nil))
	return buf
}

// DecodeCompressed parses the OP_COMPRESSED envelope, leaving the payload
// still compressed; the caller decompresses with the compressor named by
// CompressorID and then re-parses the result as OriginalOpCode.
func DecodeCompressed(hdr Header, payload []byte) (Compressed, error) {
	if len(payload) < 9 {
		return Compressed{}, fmt.Errorf("wiremessage: OP_COMPRESSED payload too short")
	}
	return Compressed{
		RequestID:         hdr.RequestID,
		ResponseTo:        hdr.ResponseTo,
		OriginalOpCode:    OpCode(readInt32(payload, 0)),
		UncompressedSize:  readInt32(payload, 4),
		CompressorID:      CompressorID(payload[8]),
		CompressedMessage: payload[9:],
	}, nil
}
