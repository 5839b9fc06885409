package envelope

import (
	"crypto/ecdh"
	"fmt"

	"github.com/Tyrowin/cipherchat/internal/errs"
	"github.com/Tyrowin/cipherchat/internal/protocol"
)

// Recipient is a user a message is addressed to.
type Recipient struct {
	ID        protocol.ID
	PublicKey *ecdh.PublicKey
}

// Address wraps k once per recipient.
func Address(k Key, recipients []Recipient) (protocol.Envelopes, error) {
	envs := make(protocol.Envelopes, len(recipients))
	for _, r := range recipients {
		env, err := Wrap(k, r.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("address %s: %w", r.ID, err)
		}
		envs.Put(r.ID, env)
	}
	return envs, nil
}

// Composed is an encrypted payload together with its per-recipient envelopes.
// Key is kept so callers can seal attached files under the same key.
type Composed struct {
	Key       Key
	Sealed    Sealed
	Envelopes protocol.Envelopes
}

// Compose generates a fresh message key, seals plaintext under it and wraps
// the key for every recipient. An empty plaintext yields empty ciphertext and
// nonce, which is how file-only messages are sent.
func Compose(plaintext []byte, recipients []Recipient) (Composed, error) {
	if len(recipients) == 0 {
		return Composed{}, fmt.Errorf("compose: no recipients")
	}
	k, err := NewKey()
	if err != nil {
		return Composed{}, err
	}
	var sealed Sealed
	if len(plaintext) > 0 {
		sealed, err = Seal(k, plaintext)
		if err != nil {
			return Composed{}, err
		}
	}
	envs, err := Address(k, recipients)
	if err != nil {
		return Composed{}, err
	}
	return Composed{Key: k, Sealed: sealed, Envelopes: envs}, nil
}

// Rekey produces the payload of an edit. It always draws a new key, so an edit
// never reuses the nonce space of the original message.
func Rekey(plaintext []byte, recipients []Recipient) (Composed, error) {
	return Compose(plaintext, recipients)
}

// KeyFor unwraps the message key addressed to id.
func KeyFor(envs protocol.Envelopes, id protocol.ID, priv *ecdh.PrivateKey) (Key, error) {
	env, ok := envs.For(id)
	if !ok {
		return Key{}, fmt.Errorf("%w: %s", errs.ErrNoEnvelope, id)
	}
	return Unwrap(env, priv)
}

// OpenFor decrypts a message addressed to id. It returns the plaintext and the
// message key so attached files can be opened as well.
func OpenFor(msg protocol.MessageData, id protocol.ID, priv *ecdh.PrivateKey) ([]byte, Key, error) {
	k, err := KeyFor(msg.Envelopes, id, priv)
	if err != nil {
		return nil, Key{}, err
	}
	if msg.Ciphertext == "" {
		return nil, k, nil
	}
	plaintext, err := Open(k, Sealed{Ciphertext: msg.Ciphertext, Nonce: msg.Nonce})
	if err != nil {
		return nil, Key{}, err
	}
	return plaintext, k, nil
}
