// Package compression implements the OP_COMPRESSED compressors this
// driver negotiates in its handshake: snappy, zlib, and zstd. Grounded on
// core/connection/connection.go's compressor.Compressor interface and
// compressorMap[wiremessage.CompressorID] dispatch in the teacher.
package compression

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/corewire/mongowire/wiremessage"
)

// Compressor compresses and decompresses OP_COMPRESSED payloads.
type Compressor interface {
	Name() string
	ID() wiremessage.CompressorID
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte, uncompressedSize int32) ([]byte, error)
}

// ByName returns the Compressor registered for a single compressor name;
// a comma-separated list is not split and yields an unknown-compressor
// error. Level only applies to zlib.
func ByName(name string, zlibLevel int) (Compressor, error) {
	switch name {
	case "snappy":
		return snappyCompressor{}, nil
	case "zlib":
		return zlibCompressor{level: zlibLevel}, nil
	case "zstd":
		return zstdCompressor{}, nil
	}
	return nil, fmt.Errorf("compression: unknown compressor %q", name)
}

// ByID returns the Compressor for a negotiated wire CompressorID, used
// when decompressing a reply: the server may reply with any compressor
// the client advertised, not necessarily the one the client last used to
// send.
func ByID(id wiremessage.CompressorID, zlibLevel int) (Compressor, error) {
	switch id {
	case wiremessage.CompressorSnappy:
		return snappyCompressor{}, nil
	case wiremessage.CompressorZLib:
		return zlibCompressor{level: zlibLevel}, nil
	case wiremessage.CompressorZstd:
		return zstdCompressor{}, nil
	}
	return nil, fmt.Errorf("compression: unknown compressor id %d", id)
}

type snappyCompressor struct{}

func (snappyCompressor) Name() string                      { return "snappy" }
func (snappyCompressor) ID() wiremessage.CompressorID       { return wiremessage.CompressorSnappy }
func (snappyCompressor) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}
func (snappyCompressor) Decompress(src []byte, uncompressedSize int32) ([]byte, error) {
	dst := make([]byte, uncompressedSize)
	return snappy.Decode(dst, src)
}

type zlibCompressor struct{ level int }

func (zlibCompressor) Name() string                { return "zlib" }
func (zlibCompressor) ID() wiremessage.CompressorID { return wiremessage.CompressorZLib }

func (z zlibCompressor) Compress(src []byte) ([]byte, error) {
	level := z.level
	if level < 0 || level > 9 {
		level = zlib.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (zlibCompressor) Decompress(src []byte, uncompressedSize int32) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	dst := make([]byte, 0, uncompressedSize)
	buf := bytes.NewBuffer(dst)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type zstdCompressor struct{}

func (zstdCompressor) Name() string                { return "zstd" }
func (zstdCompressor) ID() wiremessage.CompressorID { return wiremessage.CompressorZstd }

func (zstdCompressor) Compress(src []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(src, nil), nil
}

func (zstdCompressor) Decompress(src []byte, uncompressedSize int32) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(src, make([]byte, 0, uncompressedSize))
}
