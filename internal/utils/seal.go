package utils

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const SealAlgorithm = "chacha20poly1305"

// Sealer encrypts device credential blobs at rest with a process-local key.
type Sealer struct {
	key []byte
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("sealer key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext with a fresh random nonce.
func (s *Sealer) Seal(plaintext []byte) (blob, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init aead: %w", err)
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func (s *Sealer) Open(blob, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to init aead: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, blob, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed blob: %w", err)
	}
	return plaintext, nil
}
