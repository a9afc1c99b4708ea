// Package crypto encrypts credentials at rest with AES-256-GCM. Tokens are
// the only secrets this process persists.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

var (
	// ErrInvalidCiphertext is returned when decryption or decoding fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when an empty key is supplied.
	ErrInvalidKey = errors.New("invalid key")
)

// Encrypt seals plaintext with AES-256-GCM under a key derived from the
// input via SHA-256, returning base64 for storage in a TEXT column.
func Encrypt(plaintext, key []byte) (string, error) {
	if len(key) == 0 {
		return "", ErrInvalidKey
	}
	derived := sha256.Sum256(key)

	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64 ciphertext produced by Encrypt.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrInvalidKey
	}
	derived := sha256.Sum256(key)

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// EncryptString is Encrypt over string inputs.
func EncryptString(plaintext, key string) (string, error) {
	return Encrypt([]byte(plaintext), []byte(key))
}

// DecryptString is Decrypt over string inputs.
func DecryptString(ciphertext, key string) (string, error) {
	out, err := Decrypt(ciphertext, []byte(key))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DeriveKey turns a per-installation identifier into a stable encryption
// key. The identifier is not secret by itself; this only keeps tokens from
// being readable as plain text in the database file.
func DeriveKey(installID string) []byte {
	hash := sha256.Sum256([]byte("lumen:" + installID))
	return hash[:]
}
