// Package auth implements the authentication mechanisms of spec.md §4.6:
// SCRAM-SHA-1, SCRAM-SHA-256 (with SASLprep), and X.509, plus mechanism
// negotiation from the handshake's saslSupportedMechs. Grounded on
// mongo/private/auth/sasl.go's ConductSaslConversation shape and
// core/auth/gssapi.go's mechanism-registration pattern.
package auth

import (
	"context"
	"fmt"

	"github.com/corewire/mongowire/bsoncore"
)

// CommandRunner is the minimal capability auth needs from a connection: run
// one command against a database and get its reply, without any of the
// session/retry/monitoring machinery the full operation pipeline adds
// (authentication happens before a link is usable for application
// commands at all).
type CommandRunner interface {
	RunCommand(ctx context.Context, db string, cmd bsoncore.Document) (bsoncore.Document, error)
}

// Credential describes how to authenticate a single connection.
type Credential struct {
	AuthMechanism   string // "SCRAM-SHA-1", "SCRAM-SHA-256", "MONGODB-X509", or "" for negotiated
	AuthSource      string
	Username        string
	Password        string
	X509Subject     string // RFC 2253 subject DN, required for MONGODB-X509
}

// Error wraps an authentication failure with the mechanism name, without
// leaking whether the failure was "wrong password" vs. "unknown user" —
// spec.md §4.6 requires both to surface identically.
type Error struct {
	Mechanism string
	Wrapped   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth error: mechanism negotiation error (%s): %v", e.Mechanism, e.Wrapped)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Authenticator runs one mechanism's conversation to completion.
type Authenticator interface {
	Auth(ctx context.Context, runner CommandRunner) error
	Mechanism() string
}

// Negotiate picks SCRAM-SHA-256 if the server advertised it, else
// SCRAM-SHA-1, else falls back to SCRAM-SHA-1 when the server omitted
// saslSupportedMechs entirely (e.g. because the user does not exist) —
// per spec.md §4.6, that fallback's eventual failure must still surface
// as a generic mechanism negotiation error, not "user not found".
func Negotiate(saslSupportedMechs []string) string {
	has256, has1 := false, false
	for _, m := range saslSupportedMechs {
		switch m {
		case "SCRAM-SHA-256":
			has256 = true
		case "SCRAM-SHA-1":
			has1 = true
		}
	}
	switch {
	case has256:
		return "SCRAM-SHA-256"
	case has1:
		return "SCRAM-SHA-1"
	default:
		return "SCRAM-SHA-1"
	}
}

// CreateAuthenticator builds the Authenticator for cred, resolving a
// negotiated mechanism when cred.AuthMechanism is empty.
func CreateAuthenticator(cred Credential, saslSupportedMechs []string, maxWireVersion int32) (Authenticator, error) {
	mech := cred.AuthMechanism
	if mech == "" {
		mech = Negotiate(saslSupportedMechs)
	}
	switch mech {
	case "SCRAM-SHA-1":
		return newScramAuthenticator(cred, "SCRAM-SHA-1")
	case "SCRAM-SHA-256":
		return newScramAuthenticator(cred, "SCRAM-SHA-256")
	case "MONGODB-X509":
		return &x509Authenticator{cred: cred, maxWireVersion: maxWireVersion}, nil
	default:
		return nil, fmt.Errorf("auth: unsupported mechanism %q", mech)
	}
}

func authSourceOrDefault(cred Credential) string {
	if cred.AuthSource != "" {
		return cred.AuthSource
	}
	return "admin"
}
