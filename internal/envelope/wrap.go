package envelope

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/Tyrowin/cipherchat/internal/protocol"
)

// ErrUnwrap is returned when an envelope cannot be opened with the given key.
var ErrUnwrap = errors.New("envelope: unwrap failed")

// Wrap encrypts k for recipient. Every call uses a new ephemeral key pair, so
// envelopes for different recipients share nothing but the wrapped key.
func Wrap(k Key, recipient *ecdh.PublicKey) (protocol.Envelope, error) {
	if recipient == nil {
		return protocol.Envelope{}, errors.New("wrap: nil recipient key")
	}
	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("wrap: ephemeral key: %w", err)
	}
	secret, err := ephemeral.ECDH(recipient)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("wrap: ecdh: %w", err)
	}
	aead, err := newGCM(secret)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("wrap: %w", err)
	}
	iv, err := Rand(NonceSize)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("wrap: iv: %w", err)
	}
	pub, err := EncodePublicKey(ephemeral.PublicKey())
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("wrap: %w", err)
	}
	return protocol.Envelope{
		Key:         base64.StdEncoding.EncodeToString(aead.Seal(nil, iv, k[:], nil)),
		EphemPubKey: pub,
		IV:          base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// Unwrap recovers the message key from env using the recipient's private key.
func Unwrap(env protocol.Envelope, priv *ecdh.PrivateKey) (Key, error) {
	if priv == nil {
		return Key{}, errors.New("unwrap: nil private key")
	}
	ephemeral, err := DecodePublicKey(env.EphemPubKey)
	if err != nil {
		return Key{}, fmt.Errorf("unwrap: %w", err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(env.Key)
	if err != nil {
		return Key{}, fmt.Errorf("unwrap: key base64: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return Key{}, fmt.Errorf("unwrap: iv base64: %w", err)
	}
	if len(iv) != NonceSize {
		return Key{}, fmt.Errorf("unwrap: iv length %d, want %d", len(iv), NonceSize)
	}
	secret, err := priv.ECDH(ephemeral)
	if err != nil {
		return Key{}, fmt.Errorf("unwrap: ecdh: %w", err)
	}
	aead, err := newGCM(secret)
	if err != nil {
		return Key{}, fmt.Errorf("unwrap: %w", err)
	}
	raw, err := aead.Open(nil, iv, wrapped, nil)
	if err != nil {
		return Key{}, ErrUnwrap
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("unwrap: key length %d, want %d", len(raw), KeySize)
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}
