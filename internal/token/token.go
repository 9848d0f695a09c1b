// Package token gates the WebSocket endpoint with fernet access tokens.
//
// Token auth is optional: it is active only when a fernet key is
// configured. Tokens are opaque to clients and carry no claims beyond the
// fernet timestamp, which bounds their lifetime server-side.
package token

import (
	"errors"
	"time"

	"github.com/fernet/fernet-go"
)

// payload is the fixed plaintext sealed inside every token. The token's
// value is its signature and timestamp, not its contents.
const payload = "shellgate-ws"

var ErrInvalidToken = errors.New("invalid or expired token")

// Verifier issues and checks access tokens against a single fernet key.
type Verifier struct {
	key *fernet.Key
	ttl time.Duration
}

// NewVerifier builds a Verifier from a base64 fernet key string, as
// produced by fernet.Key.Encode. Returns nil when encodedKey is empty,
// which callers treat as token auth disabled.
func NewVerifier(encodedKey string, ttl time.Duration) (*Verifier, error) {
	if encodedKey == "" {
		return nil, nil
	}
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	return &Verifier{key: key, ttl: ttl}, nil
}

// Issue creates a new access token.
func (v *Verifier) Issue() (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(payload), v.key)
	if err != nil {
		return "", err
	}
	return string(tok), nil
}

// Verify checks the token's signature and age.
func (v *Verifier) Verify(tok string) error {
	msg := fernet.VerifyAndDecrypt([]byte(tok), v.ttl, []*fernet.Key{v.key})
	if msg == nil || string(msg) != payload {
		return ErrInvalidToken
	}
	return nil
}

// GenerateKey creates a fresh fernet key in encoded form, for operators
// bootstrapping token auth.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", err
	}
	return k.Encode(), nil
}
