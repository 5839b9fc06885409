package envelope

import (
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Password sealing parameters, shared with web clients.
const (
	SaltSize         = 16
	PBKDF2Iterations = 100000
)

// ErrBadPassword is returned when a sealed private key cannot be opened.
var ErrBadPassword = errors.New("envelope: wrong password or corrupted key")

// LockedKey is a private key encrypted under a password-derived key.
// Blob is base64(iv || ciphertext) of the base64 PKCS#8 key.
type LockedKey struct {
	Blob string `json:"encryptedPrivateKeyByUser"`
	Salt string `json:"salt"`
}

// DeriveKEK derives a key-encryption key from password and salt using PBKDF2-SHA256.
func DeriveKEK(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, PBKDF2Iterations, KeySize, sha256.New)
}

// LockPrivateKey seals priv under password with a fresh salt.
func LockPrivateKey(priv *ecdh.PrivateKey, password []byte) (LockedKey, error) {
	encoded, err := EncodePrivateKey(priv)
	if err != nil {
		return LockedKey{}, err
	}
	salt, err := Rand(SaltSize)
	if err != nil {
		return LockedKey{}, fmt.Errorf("salt: %w", err)
	}
	aead, err := newGCM(DeriveKEK(password, salt))
	if err != nil {
		return LockedKey{}, err
	}
	iv, err := Rand(NonceSize)
	if err != nil {
		return LockedKey{}, fmt.Errorf("iv: %w", err)
	}
	out := make([]byte, 0, len(iv)+len(encoded)+aead.Overhead())
	out = append(out, iv...)
	out = append(out, aead.Seal(nil, iv, []byte(encoded), nil)...)
	return LockedKey{
		Blob: base64.StdEncoding.EncodeToString(out),
		Salt: base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// UnlockPrivateKey opens a key sealed by LockPrivateKey.
func UnlockPrivateKey(locked LockedKey, password []byte) (*ecdh.PrivateKey, error) {
	salt, err := base64.StdEncoding.DecodeString(locked.Salt)
	if err != nil {
		return nil, fmt.Errorf("salt base64: %w", err)
	}
	blob, err := base64.StdEncoding.DecodeString(locked.Blob)
	if err != nil {
		return nil, fmt.Errorf("blob base64: %w", err)
	}
	if len(blob) < NonceSize {
		return nil, errors.New("sealed key too short")
	}
	aead, err := newGCM(DeriveKEK(password, salt))
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, ErrBadPassword
	}
	return DecodePrivateKey(string(plain))
}
