package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var ErrDecrypt = errors.New("credential cannot be decrypted")

// EncryptionService seals delegated provider tokens at rest with AES-GCM.
// Ciphertexts are base64(nonce || sealed) and may be bound to a context
// string (user and provider) so a row copied to another owner fails to open.
type EncryptionService struct {
	gcm cipher.AEAD
}

// NewEncryptionService takes a 16, 24 or 32 byte key.
func NewEncryptionService(key string) (*EncryptionService, error) {
	k := []byte(key)
	n := len(k)
	if n != 16 && n != 24 && n != 32 {
		return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes; got %d", n)
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &EncryptionService{gcm: gcm}, nil
}

func (e *EncryptionService) Encrypt(plaintext string) (string, error) {
	return e.Seal(plaintext, "")
}

func (e *EncryptionService) Decrypt(b64 string) (string, error) {
	return e.Open(b64, "")
}

// Seal encrypts plaintext bound to bindTo.
func (e *EncryptionService) Seal(plaintext, bindTo string) (string, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}
	ct := e.gcm.Seal(nonce, nonce, []byte(plaintext), []byte(bindTo))
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Open reverses Seal; bindTo must match.
func (e *EncryptionService) Open(b64, bindTo string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrDecrypt, err)
	}
	ns := e.gcm.NonceSize()
	if len(data) < ns {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	pt, err := e.gcm.Open(nil, data[:ns], data[ns:], []byte(bindTo))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(pt), nil
}

// CredentialBinding is the context string tokens are sealed with.
func CredentialBinding(userID, provider string) string {
	return userID + "/" + provider
}
