// Package event defines the command-monitoring and SDAM event shapes
// published around every wire operation and topology change, per
// spec.md §4.10. Grounded on x/mongo/driver/topology/server.go's use of
// event.CommandMonitor and event.PoolEvent.
package event

import (
	"time"

	"github.com/corewire/mongowire/address"
	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
)

// CommandStartedEvent is published before a command is written to the
// wire.
type CommandStartedEvent struct {
	CommandName    string
	RequestID      int32
	ConnectionID   string
	DatabaseName   string
	Command        bsoncore.Document
}

// CommandSucceededEvent is published after a successful reply is parsed.
type CommandSucceededEvent struct {
	CommandName  string
	RequestID    int32
	ConnectionID string
	Duration     time.Duration
	Reply        bsoncore.Document
}

// CommandFailedEvent is published when a command fails, whether from a
// network error or a server-side ok:0 reply.
type CommandFailedEvent struct {
	CommandName  string
	RequestID    int32
	ConnectionID string
	Duration     time.Duration
	Failure      error
}

// CommandMonitor receives command lifecycle events. Any nil method is
// skipped; a monitor only interested in failures leaves Started/Succeeded
// nil.
type CommandMonitor struct {
	Started   func(CommandStartedEvent)
	Succeeded func(CommandSucceededEvent)
	Failed    func(CommandFailedEvent)
}

// sensitiveCommands get their body/reply redacted to an empty document in
// published events, per spec.md §4.10 (the non-compressible list plus
// copydb).
var sensitiveCommands = map[string]bool{
	"isMaster": true, "ismaster": true, "hello": true,
	"saslStart": true, "saslContinue": true, "getnonce": true,
	"authenticate": true, "createUser": true, "updateUser": true,
	"copydbSaslStart": true, "copydbGetNonce": true, "copydb": true,
}

// IsSensitive reports whether a command's body should be redacted before
// publication.
func IsSensitive(commandName string) bool {
	return sensitiveCommands[commandName]
}

var emptyDoc = bsoncore.NewDocumentBuilder().Build()

// Redact returns doc unchanged, or an empty document if commandName is
// sensitive.
func Redact(commandName string, doc bsoncore.Document) bsoncore.Document {
	if IsSensitive(commandName) {
		return emptyDoc
	}
	return doc
}

// PoolEventType names the kind of connection-pool lifecycle event.
type PoolEventType string

// Pool event types, a superset of the command-monitoring events that also
// covers SDAM-adjacent connection lifecycle (spec.md Supplemented
// Feature #3).
const (
	ConnectionCheckOutStarted PoolEventType = "ConnectionCheckOutStarted"
	ConnectionCreated         PoolEventType = "ConnectionCreated"
	ConnectionCheckedOut      PoolEventType = "ConnectionCheckedOut"
	ConnectionCheckedIn       PoolEventType = "ConnectionCheckedIn"
	ConnectionClosed          PoolEventType = "ConnectionClosed"
	PoolReady                 PoolEventType = "PoolReady"
	PoolCleared               PoolEventType = "PoolCleared"
)

// PoolEvent is published on connection-pool lifecycle transitions.
type PoolEvent struct {
	Type    PoolEventType
	Address string
	Reason  string
}

// PoolMonitor receives pool lifecycle events.
type PoolMonitor struct {
	Event func(*PoolEvent)
}

// publish is a nil-safe fire.
func (m *PoolMonitor) publish(e *PoolEvent) {
	if m == nil || m.Event == nil {
		return
	}
	m.Event(e)
}

// Publish fires a pool event if the monitor is configured.
func (m *PoolMonitor) Publish(t PoolEventType, addr address.Address, reason string) {
	m.publish(&PoolEvent{Type: t, Address: string(addr), Reason: reason})
}

// ServerDescriptionChangedEvent is published whenever a server's
// description changes kind or metadata after a heartbeat.
type ServerDescriptionChangedEvent struct {
	Address         address.Address
	PreviousKind    description.ServerKind
	NewKind         description.ServerKind
}

// TopologyDescriptionChangedEvent is published whenever the aggregate
// topology kind changes.
type TopologyDescriptionChangedEvent struct {
	PreviousKind description.TopologyKind
	NewKind      description.TopologyKind
}

// SDAMMonitor receives topology/server description change events.
type SDAMMonitor struct {
	ServerDescriptionChanged   func(ServerDescriptionChangedEvent)
	TopologyDescriptionChanged func(TopologyDescriptionChangedEvent)
}
