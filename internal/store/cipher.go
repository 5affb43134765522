package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Cipher protects step payloads at the storage boundary. Decrypt must invert
// Encrypt exactly.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// PlainCipher stores payloads as-is.
type PlainCipher struct{}

func (PlainCipher) Encrypt(p []byte) ([]byte, error) { return p, nil }
func (PlainCipher) Decrypt(c []byte) ([]byte, error) { return c, nil }

// Base64Cipher is a reversible encoding, not encryption. It reads and writes
// drafts produced by clients that only obfuscated local data.
type Base64Cipher struct{}

func (Base64Cipher) Encrypt(p []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(p)))
	base64.StdEncoding.Encode(out, p)
	return out, nil
}

func (Base64Cipher) Decrypt(c []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(c)))
	n, err := base64.StdEncoding.Decode(out, c)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return out[:n], nil
}

// AESGCMCipher encrypts payloads with AES-GCM. The output is nonce || sealed.
type AESGCMCipher struct {
	aead  cipher.AEAD
	nonce io.Reader
}

// NewAESGCMCipher creates a cipher from a 16, 24 or 32 byte key.
func NewAESGCMCipher(key []byte) (*AESGCMCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESGCMCipher{aead: aead, nonce: rand.Reader}, nil
}

func (c *AESGCMCipher) Encrypt(p []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(c.nonce, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, p, nil), nil
}

func (c *AESGCMCipher) Decrypt(data []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(data) < n {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(data))
	}
	out, err := c.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return out, nil
}
