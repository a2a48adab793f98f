// Package crypto seals persisted queue blobs with AES-256-GCM.
// Queued clinic payloads carry patient data, so the durable copy is encrypted when a key is set.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
)

// sealedMagic prefixes every sealed blob so plaintext data can be told apart on load.
var sealedMagic = []byte("CSQ1")

// Sealer encrypts and decrypts byte blobs with a fixed key.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a 32-byte key from passphrase using SHA-256.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrInvalidKey
	}
	return NewSealerWithKey(DeriveKey(passphrase))
}

// NewSealerWithKey creates a sealer from a raw 32-byte key.
func NewSealerWithKey(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Sealer{aead: gcm}, nil
}

// Seal encrypts plaintext. The output is magic || nonce || ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(sealedMagic)+len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, sealedMagic), nil
}

// Open decrypts data produced by Seal.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return nil, ErrInvalidCiphertext
	}
	data = data[len(sealedMagic):]

	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, cipherData := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, cipherData, sealedMagic)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	return plaintext, nil
}

// IsSealed reports whether data carries the sealed-blob prefix.
func IsSealed(data []byte) bool {
	if len(data) < len(sealedMagic) {
		return false
	}
	for i, b := range sealedMagic {
		if data[i] != b {
			return false
		}
	}
	return true
}

// DeriveKey derives a consistent 32-byte key from a passphrase.
func DeriveKey(passphrase string) []byte {
	hash := sha256.Sum256([]byte("clinicsync:" + passphrase))
	return hash[:]
}
