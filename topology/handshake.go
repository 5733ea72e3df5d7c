package topology

import (
	"context"
	"runtime"

	"github.com/corewire/mongowire/auth"
	"github.com/corewire/mongowire/bsoncore"
	"github.com/corewire/mongowire/description"
)

// HandshakeConfig configures the default Handshaker.
type HandshakeConfig struct {
	AppName     string
	Compressors []string
	Credential  *auth.Credential
}

// defaultHandshaker builds the client handshake command (the isMaster /
// hello document carrying client metadata and compressor offer) and, once
// the reply classifies the server, runs SASL/X.509 authentication over
// the same connection before the connection is handed to its pool. One
// handshaker instance is shared across every connection a server's pool
// dials. Grounded on core/connection/connection.go's handshake step
// composed with auth.CreateAuthenticator.
type defaultHandshaker struct {
	cfg HandshakeConfig
}

// NewHandshaker returns the Handshaker a Server's connection pool uses to
// bring up new application connections (dedicated monitoring connections
// use the cheaper GetHandshakeCommand path directly, skipping auth).
func NewHandshaker(cfg HandshakeConfig) Handshaker {
	return &defaultHandshaker{cfg: cfg}
}

// GetHandshakeCommand builds the isMaster command (servers that know
// hello accept isMaster as well), advertising client metadata and
// compressors, and including the prior heartbeat's topologyVersion with
// maxAwaitTimeMS for the server's awaitable streaming variant.
func (h *defaultHandshaker) GetHandshakeCommand(topologyVersion *description.TopologyVersion) bsoncore.Document {
	b := bsoncore.NewDocumentBuilder().
		AppendInt32("isMaster", 1).
		AppendDocument("client", clientMetadata(h.cfg.AppName))

	if len(h.cfg.Compressors) > 0 {
		arr := bsoncore.NewArrayBuilder()
		for _, c := range h.cfg.Compressors {
			arr.AppendString(c)
		}
		b = b.AppendArray("compression", arr.Build())
	}

	if h.cfg.Credential != nil && h.cfg.Credential.AuthMechanism == "" {
		b = b.AppendArray("saslSupportedMechs", bsoncore.NewArrayBuilder().
			AppendString(h.cfg.Credential.AuthSource + "." + h.cfg.Credential.Username).Build())
	}

	if topologyVersion != nil {
		b = b.AppendDocument("topologyVersion", bsoncore.NewDocumentBuilder().
			AppendString("processId", topologyVersion.ProcessID).
			AppendInt64("counter", topologyVersion.Counter).
			Build())
		b = b.AppendInt32("maxAwaitTimeMS", 10000)
	}

	return b.Build()
}

func clientMetadata(appName string) bsoncore.Document {
	b := bsoncore.NewDocumentBuilder()
	driverDoc := bsoncore.NewDocumentBuilder().
		AppendString("name", "mongowire").
		AppendString("version", "0.1.0").
		Build()
	osDoc := bsoncore.NewDocumentBuilder().
		AppendString("type", runtime.GOOS).
		AppendString("architecture", runtime.GOARCH).
		Build()
	b = b.AppendDocument("driver", driverDoc).
		AppendDocument("os", osDoc).
		AppendString("platform", runtime.Version())
	if appName != "" {
		b = b.AppendDocument("application", bsoncore.NewDocumentBuilder().AppendString("name", appName).Build())
	}
	return b.Build()
}

// FinishHandshake classifies reply into a description.Server and, if a
// credential is configured, runs the negotiated authentication mechanism
// over conn before returning.
func (h *defaultHandshaker) FinishHandshake(ctx context.Context, reply bsoncore.Document, conn *Connection) (description.Server, error) {
	desc := parseHelloReply(conn.addr, reply)

	if h.cfg.Credential == nil {
		return desc, nil
	}

	authenticator, err := auth.CreateAuthenticator(*h.cfg.Credential, desc.SASLSupportedMechs, desc.MaxWireVersion)
	if err != nil {
		return description.Server{}, &ConnectionError{Address: conn.addr, Wrapped: err, message: "failed to negotiate authentication mechanism"}
	}
	if err := authenticator.Auth(ctx, conn); err != nil {
		return description.Server{}, &ConnectionError{Address: conn.addr, Wrapped: err, message: "authentication failed"}
	}
	return desc, nil
}
