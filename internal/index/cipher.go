package index

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrDecrypt is returned when ciphertext cannot be authenticated or decoded.
var ErrDecrypt = errors.New("decryption failed")

// Cipher encrypts and decrypts the whole metadata blob. The metadata file is
// a single ciphertext; isolating the cipher behind this interface lets a
// per-record scheme be swapped in later without touching the Store contract.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESCipher implements Cipher using AES-256-GCM with a random nonce
// prepended to the ciphertext.
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher creates an AESCipher from a 32-byte key.
func NewAESCipher(key []byte) (*AESCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("metadata key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &AESCipher{aead: aead}, nil
}

// NewAESCipherFromHex creates an AESCipher from a hex-encoded 32-byte key.
func NewAESCipherFromHex(hexKey string) (*AESCipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding metadata key: %w", err)
	}
	return NewAESCipher(key)
}

// Encrypt seals the plaintext and prepends the nonce.
func (c *AESCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce-prefixed ciphertext produced by Encrypt.
func (c *AESCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// Ensure AESCipher implements Cipher interface.
var _ Cipher = (*AESCipher)(nil)
