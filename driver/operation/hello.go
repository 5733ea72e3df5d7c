package operation

import (
	"context"

	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
)

// Hello runs the hello (legacy isMaster) command through the normal
// Dispatcher pipeline, for callers that want a one-off liveness probe
// distinct from the SDAM monitor's dedicated heartbeat connection built
// by topology.defaultHandshaker.
type Hello struct {
	database string

	reply bsoncore.Document
}

// NewHello constructs a Hello against the admin database.
func NewHello() *Hello {
	return &Hello{database: "admin"}
}

// CommandName implements driver.Operation.
func (h *Hello) CommandName() string { return "hello" }

// Database implements driver.Operation.
func (h *Hello) Database() string { return h.database }

// BuildCommand implements driver.Operation.
func (h *Hello) BuildCommand(ctx context.Context, desc description.Server) (bsoncore.Document, error) {
	return bsoncore.NewDocumentBuilder().AppendInt32("hello", 1).Build(), nil
}

// HandleReply implements driver.Operation.
func (h *Hello) HandleReply(reply bsoncore.Document) error {
	h.reply = reply
	return nil
}

// Reply returns the raw hello reply.
func (h *Hello) Reply() bsoncore.Document { return h.reply }
