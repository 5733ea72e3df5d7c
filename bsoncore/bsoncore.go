// Package bsoncore provides raw, allocation-conscious BSON byte
// manipulation: building documents element by element and reading them
// back without reflection. It is the lowest layer the wire codec needs and
// is deliberately not a general-purpose encode_one/decode_one document
// codec — callers that need to marshal arbitrary Go values still go
// through an external BSON codec; this package only assembles and reads
// the bytes that codec produces.
package bsoncore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Type is a BSON element type tag.
type Type byte

// BSON type tags used by the wire protocol commands this driver issues.
const (
	TypeDouble     Type = 0x01
	TypeString     Type = 0x02
	TypeDocument   Type = 0x03
	TypeArray      Type = 0x04
	TypeBinary     Type = 0x05
	TypeUndefined  Type = 0x06
	TypeObjectID   Type = 0x07
	TypeBoolean    Type = 0x08
	TypeDateTime   Type = 0x09
	TypeNull       Type = 0x0A
	TypeRegex      Type = 0x0B
	TypeInt32      Type = 0x10
	TypeTimestamp  Type = 0x11
	TypeInt64      Type = 0x12
	TypeDecimal128 Type = 0x13
	TypeMinKey     Type = 0xFF
	TypeMaxKey     Type = 0x7F
)

// ErrMissingNull is returned when a document or array is missing its
// trailing null terminator.
var ErrMissingNull = errors.New("bsoncore: document is missing null terminator")

// ErrElementNotFound is returned by Document.Lookup when a key is absent.
var ErrElementNotFound = errors.New("bsoncore: element not found")

// Document is a raw BSON document: a length-prefixed, null-terminated
// sequence of elements.
type Document []byte

// NewDocumentBuilder returns an empty builder ready to accept elements.
func NewDocumentBuilder() *DocumentBuilder {
	return &DocumentBuilder{buf: make([]byte, 4, 64)}
}

// DocumentBuilder assembles a Document one element at a time.
type DocumentBuilder struct {
	buf []byte
}

func appendType(buf []byte, t Type, key string) []byte {
	buf = append(buf, byte(t))
	buf = append(buf, key...)
	return append(buf, 0x00)
}

// AppendDouble appends a float64 element.
func (b *DocumentBuilder) AppendDouble(key string, v float64) *DocumentBuilder {
	b.buf = appendType(b.buf, TypeDouble, key)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// AppendString appends a UTF-8 string element.
func (b *DocumentBuilder) AppendString(key, v string) *DocumentBuilder {
	b.buf = appendType(b.buf, TypeString, key)
	b.buf = appendLengthPrefixedString(b.buf, v)
	return b
}

func appendLengthPrefixedString(buf []byte, v string) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(v)+1))
	buf = append(buf, tmp[:]...)
	buf = append(buf, v...)
	return append(buf, 0x00)
}

// AppendInt32 appends an int32 element.
func (b *DocumentBuilder) AppendInt32(key string, v int32) *DocumentBuilder {
	b.buf = appendType(b.buf, TypeInt32, key)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// AppendInt64 appends an int64 element.
func (b *DocumentBuilder) AppendInt64(key string, v int64) *DocumentBuilder {
	b.buf = appendType(b.buf, TypeInt64, key)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// AppendBoolean appends a boolean element.
func (b *DocumentBuilder) AppendBoolean(key string, v bool) *DocumentBuilder {
	b.buf = appendType(b.buf, TypeBoolean, key)
	if v {
		b.buf = append(b.buf, 0x01)
	} else {
		b.buf = append(b.buf, 0x00)
	}
	return b
}

// AppendDateTime appends a datetime element, in milliseconds since epoch.
func (b *DocumentBuilder) AppendDateTime(key string, millis int64) *DocumentBuilder {
	b.buf = appendType(b.buf, TypeDateTime, key)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(millis))
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// AppendNull appends a null element.
func (b *DocumentBuilder) AppendNull(key string) *DocumentBuilder {
	b.buf = appendType(b.buf, TypeNull, key)
	return b
}

// AppendTimestamp appends an internal BSON timestamp (increment, then
// seconds, per wire order).
func (b *DocumentBuilder) AppendTimestamp(key string, t, i uint32) *DocumentBuilder {
	b.buf = appendType(b.buf, TypeTimestamp, key)
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[0:4], i)
	binary.LittleEndian.PutUint32(tmp[4:8], t)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// AppendBinary appends a generic-subtype binary element.
func (b *DocumentBuilder) AppendBinary(key string, subtype byte, data []byte) *DocumentBuilder {
	b.buf = appendType(b.buf, TypeBinary, key)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(data)))
	b.buf = append(b.buf, tmp[:]...)
	b.buf = append(b.buf, subtype)
	b.buf = append(b.buf, data...)
	return b
}

// AppendObjectID appends a 12-byte ObjectID element verbatim.
func (b *DocumentBuilder) AppendObjectID(key string, id [12]byte) *DocumentBuilder {
	b.buf = appendType(b.buf, TypeObjectID, key)
	b.buf = append(b.buf, id[:]...)
	return b
}

// AppendDocument appends an already-built sub-document or raw value.
func (b *DocumentBuilder) AppendDocument(key string, doc Document) *DocumentBuilder {
	b.buf = appendType(b.buf, TypeDocument, key)
	b.buf = append(b.buf, doc...)
	return b
}

// AppendArray appends a raw array value (built with an ArrayBuilder).
func (b *DocumentBuilder) AppendArray(key string, arr Document) *DocumentBuilder {
	b.buf = appendType(b.buf, TypeArray, key)
	b.buf = append(b.buf, arr...)
	return b
}

// AppendValue appends an already-typed raw Value under key.
func (b *DocumentBuilder) AppendValue(key string, v Value) *DocumentBuilder {
	b.buf = appendType(b.buf, v.Type, key)
	b.buf = append(b.buf, v.Data...)
	return b
}

// Build finalizes the document, writing its length prefix and trailing
// null terminator, and returns the raw bytes.
func (b *DocumentBuilder) Build() Document {
	b.buf = append(b.buf, 0x00)
	binary.LittleEndian.PutUint32(b.buf, uint32(len(b.buf)))
	return Document(b.buf)
}

// Len reports the current in-progress length, useful for size-budget
// checks before Build is called (e.g. bulk batch splitting).
func (b *DocumentBuilder) Len() int {
	return len(b.buf) + 1 // buf already holds the length prefix; + trailing null
}

// ArrayBuilder assembles a Document-shaped array, where each element's key
// is its positional index.
type ArrayBuilder struct {
	inner *DocumentBuilder
	idx   int
}

// NewArrayBuilder returns an empty array builder.
func NewArrayBuilder() *ArrayBuilder {
	return &ArrayBuilder{inner: NewDocumentBuilder()}
}

// AppendDocument appends a document value to the array.
func (a *ArrayBuilder) AppendDocument(doc Document) *ArrayBuilder {
	a.inner.AppendDocument(a.key(), doc)
	return a
}

// AppendString appends a string value to the array.
func (a *ArrayBuilder) AppendString(v string) *ArrayBuilder {
	a.inner.AppendString(a.key(), v)
	return a
}

// AppendInt32 appends an int32 value to the array.
func (a *ArrayBuilder) AppendInt32(v int32) *ArrayBuilder {
	a.inner.AppendInt32(a.key(), v)
	return a
}

// AppendInt64 appends an int64 value to the array.
func (a *ArrayBuilder) AppendInt64(v int64) *ArrayBuilder {
	a.inner.AppendInt64(a.key(), v)
	return a
}

// AppendValue appends a raw Value to the array.
func (a *ArrayBuilder) AppendValue(v Value) *ArrayBuilder {
	a.inner.AppendValue(a.key(), v)
	return a
}

func (a *ArrayBuilder) key() string {
	k := fmt.Sprintf("%d", a.idx)
	a.idx++
	return k
}

// Build finalizes the array.
func (a *ArrayBuilder) Build() Document {
	return a.inner.Build()
}

// Len returns the number of elements appended so far.
func (a *ArrayBuilder) Len() int {
	return a.idx
}

// Value is a typed, raw BSON value as read from a Document.
type Value struct {
	Type Type
	Data []byte
}

// Double interprets the value as a float64. ok is false if the type tag
// does not match.
func (v Value) Double() (float64, bool) {
	if v.Type != TypeDouble || len(v.Data) < 8 {
		return 0, false
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(v.Data)), true
}

// StringValue interprets the value as a UTF-8 string.
func (v Value) StringValue() (string, bool) {
	if v.Type != TypeString || len(v.Data) < 4 {
		return "", false
	}
	n := binary.LittleEndian.Uint32(v.Data)
	if int(n) > len(v.Data)-4 || n == 0 {
		return "", false
	}
	return string(v.Data[4 : 4+n-1]), true
}

// Int32 interprets the value as an int32.
func (v Value) Int32() (int32, bool) {
	if v.Type != TypeInt32 || len(v.Data) < 4 {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(v.Data)), true
}

// Int64 interprets the value as an int64.
func (v Value) Int64() (int64, bool) {
	if v.Type != TypeInt64 || len(v.Data) < 8 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(v.Data)), true
}

// AsInt64 widens any numeric type to int64, used when reading command
// replies whose numeric fields may be encoded as double, int32, or int64
// depending on server version.
func (v Value) AsInt64() (int64, bool) {
	switch v.Type {
	case TypeInt64:
		return v.Int64()
	case TypeInt32:
		i, ok := v.Int32()
		return int64(i), ok
	case TypeDouble:
		d, ok := v.Double()
		return int64(d), ok
	}
	return 0, false
}

// DateTime interprets the value as milliseconds since the Unix epoch.
func (v Value) DateTime() (int64, bool) {
	if v.Type != TypeDateTime || len(v.Data) < 8 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(v.Data)), true
}

// Boolean interprets the value as a bool.
func (v Value) Boolean() (bool, bool) {
	if v.Type != TypeBoolean || len(v.Data) < 1 {
		return false, false
	}
	return v.Data[0] != 0x00, true
}

// Document interprets the value as an embedded document.
func (v Value) Document() (Document, bool) {
	if v.Type != TypeDocument && v.Type != TypeArray {
		return nil, false
	}
	return Document(v.Data), true
}

// Timestamp interprets the value as a BSON internal timestamp.
func (v Value) Timestamp() (t, i uint32, ok bool) {
	if v.Type != TypeTimestamp || len(v.Data) < 8 {
		return 0, 0, false
	}
	i = binary.LittleEndian.Uint32(v.Data[0:4])
	t = binary.LittleEndian.Uint32(v.Data[4:8])
	return t, i, true
}

// Binary interprets the value as binary data, returning its subtype.
func (v Value) Binary() (subtype byte, data []byte, ok bool) {
	if v.Type != TypeBinary || len(v.Data) < 5 {
		return 0, nil, false
	}
	n := binary.LittleEndian.Uint32(v.Data)
	if int(n) > len(v.Data)-5 {
		return 0, nil, false
	}
	return v.Data[4], v.Data[5 : 5+n], true
}

// Iterator walks the elements of a Document.
type Iterator struct {
	rem []byte
	err error
}

// Iterator returns an element iterator positioned before the first element.
func (d Document) Iterator() (*Iterator, error) {
	if len(d) < 5 {
		return nil, NewInsufficientBytesError(d)
	}
	length := binary.LittleEndian.Uint32(d)
	if int(length) > len(d) {
		return nil, lengthError(len(d), int(length))
	}
	if d[length-1] != 0x00 {
		return nil, ErrMissingNull
	}
	return &Iterator{rem: d[4 : length-1]}, nil
}

// Element is one (key, Value) pair from a Document.
type Element struct {
	Key   string
	Value Value
}

// Next advances the iterator, returning false at end-of-document or on
// error (check Err).
func (it *Iterator) Next() (Element, bool) {
	if it.err != nil || len(it.rem) == 0 {
		return Element{}, false
	}
	t := Type(it.rem[0])
	rest := it.rem[1:]
	nul := indexByte(rest, 0x00)
	if nul < 0 {
		it.err = errors.New("bsoncore: element key missing null terminator")
		return Element{}, false
	}
	key := string(rest[:nul])
	rest = rest[nul+1:]
	size, err := valueSize(t, rest)
	if err != nil {
		it.err = err
		return Element{}, false
	}
	if size > len(rest) {
		it.err = NewInsufficientBytesError(rest)
		return Element{}, false
	}
	val := Value{Type: t, Data: rest[:size]}
	it.rem = rest[size:]
	return Element{Key: key, Value: val}, true
}

// Err returns any error encountered during iteration.
func (it *Iterator) Err() error { return it.err }

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func valueSize(t Type, data []byte) (int, error) {
	switch t {
	case TypeDouble, TypeDateTime, TypeTimestamp, TypeInt64:
		return 8, nil
	case TypeInt32:
		return 4, nil
	case TypeBoolean:
		return 1, nil
	case TypeNull, TypeUndefined, TypeMinKey, TypeMaxKey:
		return 0, nil
	case TypeObjectID:
		return 12, nil
	case TypeString:
		if len(data) < 4 {
			return 0, NewInsufficientBytesError(data)
		}
		n := binary.LittleEndian.Uint32(data)
		return int(n) + 4, nil
	case TypeDocument, TypeArray:
		if len(data) < 4 {
			return 0, NewInsufficientBytesError(data)
		}
		n := binary.LittleEndian.Uint32(data)
		return int(n), nil
	case TypeBinary:
		if len(data) < 4 {
			return 0, NewInsufficientBytesError(data)
		}
		n := binary.LittleEndian.Uint32(data)
		return int(n) + 5, nil
	case TypeRegex:
		// two consecutive null-terminated cstrings
		first := indexByte(data, 0x00)
		if first < 0 {
			return 0, errors.New("bsoncore: malformed regex")
		}
		second := indexByte(data[first+1:], 0x00)
		if second < 0 {
			return 0, errors.New("bsoncore: malformed regex")
		}
		return first + 1 + second + 1, nil
	case TypeDecimal128:
		return 16, nil
	}
	return 0, fmt.Errorf("bsoncore: unsupported element type %#x", byte(t))
}

// Lookup finds the element named key at the top level of the document.
func (d Document) Lookup(key string) (Value, error) {
	it, err := d.Iterator()
	if err != nil {
		return Value{}, err
	}
	for {
		elem, ok := it.Next()
		if !ok {
			break
		}
		if elem.Key == key {
			return elem.Value, nil
		}
	}
	if it.Err() != nil {
		return Value{}, it.Err()
	}
	return Value{}, ErrElementNotFound
}

// LookupPath follows a dotted sequence of document keys.
func (d Document) LookupPath(keys ...string) (Value, error) {
	cur := d
	var v Value
	for i, k := range keys {
		val, err := cur.Lookup(k)
		if err != nil {
			return Value{}, err
		}
		v = val
		if i == len(keys)-1 {
			return v, nil
		}
		sub, ok := v.Document()
		if !ok {
			return Value{}, fmt.Errorf("bsoncore: %q is not a document", k)
		}
		cur = sub
	}
	return v, nil
}

// Elements returns every top-level (key, Value) pair in order.
func (d Document) Elements() ([]Element, error) {
	it, err := d.Iterator()
	if err != nil {
		return nil, err
	}
	var out []Element
	for {
		elem, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, elem)
	}
	return out, it.Err()
}

// Validate checks the document's length prefix and null terminator and
// that every element parses.
func (d Document) Validate() error {
	_, err := d.Elements()
	return err
}

// Len returns the document's declared byte length.
func (d Document) Len() int32 {
	if len(d) < 4 {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(d))
}

// NewInsufficientBytesError reports a truncated document.
func NewInsufficientBytesError(b []byte) error {
	return fmt.Errorf("bsoncore: insufficient bytes to read (have %d)", len(b))
}

func lengthError(have, want int) error {
	return fmt.Errorf("bsoncore: length mismatch: declared %d, have %d", want, have)
}
