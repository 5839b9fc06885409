// Package envelope implements client-side end-to-end encryption: one random
// message key per message, sealed payloads, and one wrapped copy of the key
// per recipient.
//
// The primitives match what browsers expose through WebCrypto so Go and web
// clients can read each other's messages: P-256 ECDH, AES-256-GCM with 12-byte
// nonces, SPKI public keys and PKCS#8 private keys, all base64 on the wire.
package envelope

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

// Sizes.
const (
	KeySize   = 32
	NonceSize = 12
)

// Key is a per-message symmetric key.
type Key [KeySize]byte

// NewKey returns a fresh random message key.
func NewKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("message key: %w", err)
	}
	return k, nil
}

// Rand returns n random bytes.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateKeyPair creates a long-term P-256 key pair.
func GenerateKeyPair() (*ecdh.PrivateKey, error) {
	return ecdh.P256().GenerateKey(rand.Reader)
}

// EncodePublicKey returns the base64 SPKI form of pub.
func EncodePublicKey(pub *ecdh.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// DecodePublicKey parses a base64 SPKI P-256 public key.
func DecodePublicKey(s string) (*ecdh.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("public key base64: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	switch k := parsed.(type) {
	case *ecdh.PublicKey:
		return checkCurve(k)
	case *ecdsa.PublicKey:
		pub, err := k.ECDH()
		if err != nil {
			return nil, fmt.Errorf("public key: %w", err)
		}
		return checkCurve(pub)
	default:
		return nil, fmt.Errorf("public key: unsupported type %T", parsed)
	}
}

func checkCurve(pub *ecdh.PublicKey) (*ecdh.PublicKey, error) {
	if pub.Curve() != ecdh.P256() {
		return nil, errors.New("public key: curve is not P-256")
	}
	return pub, nil
}

// EncodePrivateKey returns the base64 PKCS#8 form of priv.
func EncodePrivateKey(priv *ecdh.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// DecodePrivateKey parses a base64 PKCS#8 P-256 private key.
func DecodePrivateKey(s string) (*ecdh.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("private key base64: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	var priv *ecdh.PrivateKey
	switch k := parsed.(type) {
	case *ecdh.PrivateKey:
		priv = k
	case *ecdsa.PrivateKey:
		priv, err = k.ECDH()
		if err != nil {
			return nil, fmt.Errorf("private key: %w", err)
		}
	default:
		return nil, fmt.Errorf("private key: unsupported type %T", parsed)
	}
	if priv.Curve() != ecdh.P256() {
		return nil, errors.New("private key: curve is not P-256")
	}
	return priv, nil
}
