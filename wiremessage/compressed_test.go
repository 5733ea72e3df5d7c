package wiremessage

import (
	"bytes"
	"testing"
)

func TestCompressedEncodeDecodeRoundTrip(t *testing.T) {
	c := Compressed{
		RequestID:         1,
		ResponseTo:        2,
		OriginalOpCode:    OpMsg,
		UncompressedSize:  100,
		CompressorID:      CompressorSnappy,
		CompressedMessage: []byte("payload"),
	}
	buf := c.Encode()
	hdr, payload, err := ReadMessage(buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if hdr.OpCode != OpCompressed {
		t.Errorf("OpCode = %v; want OpCompressed", hdr.OpCode)
	}
	got, err := DecodeCompressed(hdr, payload)
	if err != nil {
		t.Fatalf("DecodeCompressed: %v", err)
	}
	if got.OriginalOpCode != OpMsg {
		t.Errorf("OriginalOpCode = %v; want OpMsg", got.OriginalOpCode)
	}
	if got.CompressorID != CompressorSnappy {
		t.Errorf("CompressorID = %v; want CompressorSnappy", got.CompressorID)
	}
	if !bytes.Equal(got.CompressedMessage, []byte("payload")) {
		t.Errorf("CompressedMessage = %q; want %q", got.CompressedMessage, "payload")
	}
}

func TestCanCompressExcludesHandshakeCommands(t *testing.T) {
	if CanCompress("hello") {
		t.Errorf("hello must never be compressed (negotiation chicken-and-egg)")
	}
	if CanCompress("saslStart") {
		t.Errorf("saslStart must never be compressed")
	}
	if !CanCompress("find") {
		t.Errorf("ordinary commands like find should be compressible")
	}
}

func TestDecodeCompressedTooShort(t *testing.T) {
	hdr := Header{OpCode: OpCompressed}
	if _, err := DecodeCompressed(hdr, make([]byte, 3)); err == nil {
		t.Errorf("expected error decoding a too-short OP_COMPRESSED payload")
	}
}
