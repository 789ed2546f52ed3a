package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"
)

// keyCipherSalt is fixed so the same passphrase always derives the same key;
// the passphrase itself is the secret.
var keyCipherSalt = []byte("teehee-chat-keys")

// KeyCipher encrypts and decrypts provider API keys for storage. The cipher
// key is derived from a configured passphrase with PBKDF2 and sealing uses
// NaCl secretbox with a random nonce per encryption.
type KeyCipher struct {
	key [32]byte
}

// NewKeyCipher derives a cipher from the given passphrase.
func NewKeyCipher(passphrase string) KeyCipher {
	if passphrase == "" {
		panic("key cipher requires non-empty passphrase")
	}
	var c KeyCipher
	derived := pbkdf2.Key([]byte(passphrase), keyCipherSalt, 100000, 32, sha256.New)
	copy(c.key[:], derived)
	return c
}

// Encrypt seals a plaintext API key and returns the base64 form stored in
// the database. The nonce is prepended to the sealed box.
func (c KeyCipher) Encrypt(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It fails for ciphertexts produced with a
// different passphrase or tampered with since sealing.
func (c KeyCipher) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(sealed) < 24 {
		return "", errors.New("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &c.key)
	if !ok {
		return "", errors.New("failed to decrypt API key")
	}
	return string(plaintext), nil
}
