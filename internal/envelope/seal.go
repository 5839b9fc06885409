package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
)

// Sealed is a payload encrypted under a message key, base64 encoded.
type Sealed struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SealBytes encrypts plaintext under k with a fresh random nonce.
func SealBytes(k Key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newGCM(k[:])
	if err != nil {
		return nil, nil, err
	}
	nonce, err = Rand(NonceSize)
	if err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// OpenBytes decrypts ciphertext sealed by SealBytes.
func OpenBytes(k Key, ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce length %d, want %d", len(nonce), NonceSize)
	}
	aead, err := newGCM(k[:])
	if err != nil {
		return nil, err
	}
	out, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("decrypt: authentication failed")
	}
	return out, nil
}

// Seal encrypts plaintext and returns the base64 wire form.
func Seal(k Key, plaintext []byte) (Sealed, error) {
	ct, nonce, err := SealBytes(k, plaintext)
	if err != nil {
		return Sealed{}, fmt.Errorf("seal: %w", err)
	}
	return Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// Open decrypts the base64 wire form produced by Seal.
func Open(k Key, s Sealed) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ciphertext base64: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(s.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce base64: %w", err)
	}
	return OpenBytes(k, ct, nonce)
}
