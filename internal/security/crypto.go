// Package security provides authenticated encryption for stored
// conversation content.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
)

const nonceSize = 12

var hexKeyPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Box seals and opens short records under a per-deployment master key
// using AES-256-GCM. Each Seal call uses a fresh random nonce.
type Box struct {
	aead cipher.AEAD
}

// packedRecord is the stored ciphertext envelope: ciphertext, nonce and
// auth tag, all base64. The tag is kept separate for compatibility with
// records written by earlier deployments.
type packedRecord struct {
	C string `json:"c"`
	I string `json:"i"`
	T string `json:"t"`
}

// NewBox builds a Box from a master key given as 32 raw bytes or 64 hex
// characters.
func NewBox(masterKey string) (*Box, error) {
	key, err := parseKey(masterKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

func parseKey(masterKey string) ([]byte, error) {
	if hexKeyPattern.MatchString(masterKey) {
		return hex.DecodeString(masterKey)
	}
	key := []byte(masterKey)
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes (raw or 64 hex chars)")
	}
	return key, nil
}

// Seal encrypts plaintext and returns the packed JSON envelope.
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := b.aead.Seal(nil, nonce, []byte(plaintext), nil)
	tagStart := len(sealed) - b.aead.Overhead()

	packed, err := json.Marshal(packedRecord{
		C: base64.StdEncoding.EncodeToString(sealed[:tagStart]),
		I: base64.StdEncoding.EncodeToString(nonce),
		T: base64.StdEncoding.EncodeToString(sealed[tagStart:]),
	})
	if err != nil {
		return "", fmt.Errorf("pack record: %w", err)
	}
	return string(packed), nil
}

// Open decrypts a packed envelope, verifying the auth tag. It fails on
// any tampered or foreign-key record.
func (b *Box) Open(packed string) (string, error) {
	var rec packedRecord
	if err := json.Unmarshal([]byte(packed), &rec); err != nil {
		return "", fmt.Errorf("unpack record: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(rec.C)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(rec.I)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(rec.T)
	if err != nil {
		return "", fmt.Errorf("decode tag: %w", err)
	}
	if len(nonce) != nonceSize {
		return "", fmt.Errorf("unexpected nonce length %d", len(nonce))
	}

	plaintext, err := b.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("open record: %w", err)
	}
	return string(plaintext), nil
}
