package auth

import (
	"context"

	"github.com/corewire/mongowire/bsoncore"
)

// x509Authenticator implements MONGODB-X509: the server derives the
// authenticated user from the TLS peer certificate on wire version >= 5,
// so the `user` field is only sent on older servers, per spec.md §4.6.
type x509Authenticator struct {
	cred           Credential
	maxWireVersion int32
}

func (a *x509Authenticator) Mechanism() string { return "MONGODB-X509" }

func (a *x509Authenticator) Auth(ctx context.Context, runner CommandRunner) error {
	builder := bsoncore.NewDocumentBuilder().AppendInt32("authenticate", 1).AppendString("mechanism", "MONGODB-X509")
	if a.maxWireVersion < 5 {
		builder = builder.AppendString("user", a.cred.X509Subject)
	}
	cmd := builder.Build()

	_, err := runner.RunCommand(ctx, "$external", cmd)
	if err != nil {
		return &Error{Mechanism: a.Mechanism(), Wrapped: err}
	}
	return nil
}
