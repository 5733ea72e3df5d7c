package bsoncore

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"
)

// processUnique is a 5-byte value derived once at process start, standing
// in for the machine+process identifier half of an ObjectID, per the
// ObjectID format MongoDB commands expect for auto-assigned "_id" fields.
var processUnique = func() [5]byte {
	var b [5]byte
	_, _ = rand.Read(b[:])
	return b
}()

var objectIDCounter = func() uint32 {
	var b [3]byte
	_, _ = rand.Read(b[:])
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}()

// NewObjectID generates a new 12-byte ObjectID: a 4-byte timestamp, the
// process-unique 5 bytes, and a 3-byte incrementing counter.
func NewObjectID() [12]byte {
	var id [12]byte
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], processUnique[:])
	c := atomic.AddUint32(&objectIDCounter, 1)
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}
