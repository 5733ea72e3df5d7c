package auth

import (
	"context"
	"fmt"

	"github.com/corewire/mongowire/bsoncore"
)

// saslClient is the client side of a SASL conversation: produce the
// initial message, then react to each server challenge until done.
// Grounded on mongo/private/auth/sasl.go's SaslClient interface.
type saslClient interface {
	Start() (mechanism string, payload []byte, err error)
	Next(challenge []byte) (response []byte, err error)
	Completed() bool
}

// conductSaslConversation runs saslStart/saslContinue against db until the
// server reports done and the client agrees it has completed, or an error
// occurs. Grounded directly on
// mongo/private/auth/sasl.go:ConductSaslConversation.
func conductSaslConversation(ctx context.Context, runner CommandRunner, db string, client saslClient, mechanismName string) error {
	mech, payload, err := client.Start()
	if err != nil {
		return &Error{Mechanism: mechanismName, Wrapped: err}
	}

	startCmd := bsoncore.NewDocumentBuilder().
		AppendInt32("saslStart", 1).
		AppendString("mechanism", mech).
		AppendBinary("payload", 0x00, payload).
		Build()

	reply, err := runner.RunCommand(ctx, db, startCmd)
	if err != nil {
		return &Error{Mechanism: mechanismName, Wrapped: err}
	}

	conversationID, done, respPayload, err := parseSaslReply(reply)
	if err != nil {
		return &Error{Mechanism: mechanismName, Wrapped: err}
	}

	for {
		if done && client.Completed() {
			return nil
		}

		payload, err = client.Next(respPayload)
		if err != nil {
			return &Error{Mechanism: mechanismName, Wrapped: err}
		}

		if done && client.Completed() {
			return nil
		}

		continueCmd := bsoncore.NewDocumentBuilder().
			AppendInt32("saslContinue", 1).
			AppendInt32("conversationId", conversationID).
			AppendBinary("payload", 0x00, payload).
			Build()

		reply, err = runner.RunCommand(ctx, db, continueCmd)
		if err != nil {
			return &Error{Mechanism: mechanismName, Wrapped: err}
		}

		conversationID, done, respPayload, err = parseSaslReply(reply)
		if err != nil {
			return &Error{Mechanism: mechanismName, Wrapped: err}
		}
	}
}

func parseSaslReply(reply bsoncore.Document) (conversationID int32, done bool, payload []byte, err error) {
	if okV, lookupErr := reply.Lookup("ok"); lookupErr == nil {
		if ok, _ := okV.Double(); ok == 0 {
			return 0, false, nil, fmt.Errorf("auth: sasl step rejected")
		}
	}
	if v, lookupErr := reply.Lookup("conversationId"); lookupErr == nil {
		conversationID, _ = v.Int32()
	}
	if v, lookupErr := reply.Lookup("done"); lookupErr == nil {
		done, _ = v.Boolean()
	}
	if v, lookupErr := reply.Lookup("payload"); lookupErr == nil {
		_, payload, _ = v.Binary()
	}
	return conversationID, done, payload, nil
}
