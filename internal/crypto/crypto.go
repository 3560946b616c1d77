// Package crypto provides the registration-secret hash used to authenticate
// peers and AES-256-GCM sealing for archived event payloads.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
)

const (
	// RegistrationIterations is the PBKDF2 cost for the registration hash.
	// Nodes compute it once at startup.
	RegistrationIterations = 10000
	// SealIterations is the PBKDF2 cost for archive passphrases.
	SealIterations = 100000

	keySize  = 32
	saltSize = 16
)

// RegistrationHash derives the hex credential a node presents in X-Sync-Auth.
// Nodes in the same cluster sharing the same secret produce the same value.
func RegistrationHash(secret, cluster string) string {
	salt := []byte("nodesync-registration:" + cluster)
	key := pbkdf2.Key([]byte(secret), salt, RegistrationIterations, keySize, sha256.New)
	return hex.EncodeToString(key)
}

// VerifyRegistration compares a presented credential with the expected one
// in constant time.
func VerifyRegistration(presented, expected string) bool {
	if presented == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// DeriveKey stretches a passphrase into an AES-256 key.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, SealIterations, keySize, sha256.New)
}

// Seal encrypts plaintext with a key derived from passphrase.
// Output layout: salt | nonce | ciphertext+tag.
func Seal(plaintext []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrInvalidKey
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	gcm, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal.
func Open(sealed []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrInvalidKey
	}
	if len(sealed) < saltSize {
		return nil, ErrInvalidCiphertext
	}

	salt, rest := sealed[:saltSize], sealed[saltSize:]
	gcm, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return nil, ErrInvalidCiphertext
	}
	nonce, cipherData := rest[:nonceSize], rest[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, cipherData, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
