package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/hostingbot/hostingbot/pkg/log"
)

// SecretBox handles encryption and decryption of environment values
type SecretBox struct {
	encryptionKey []byte // 32 bytes for AES-256

	warnMu sync.Mutex
	warned map[string]bool
}

// NewSecretBox creates a secret box with the given encryption key.
// The key must be 32 bytes for AES-256-GCM.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	return &SecretBox{
		encryptionKey: key,
		warned:        make(map[string]bool),
	}, nil
}

// NewSecretBoxFromPassword creates a secret box using a password.
// The password is hashed with SHA-256 to derive the encryption key.
func NewSecretBoxFromPassword(password string) (*SecretBox, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}

	hash := sha256.Sum256([]byte(password))
	return NewSecretBox(hash[:])
}

// Encrypt encrypts plaintext using AES-256-GCM.
// Returns encrypted data with the nonce prepended.
func (sb *SecretBox) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(sb.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt decrypts data encrypted with Encrypt.
// Expects the nonce to be prepended to the ciphertext.
func (sb *SecretBox) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(sb.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// DecryptString decrypts an environment value. Failure degrades to the
// empty string so a stale blob never blocks a project start; the first
// failure per key is logged as a warning.
func (sb *SecretBox) DecryptString(key string, ciphertext []byte) string {
	plaintext, err := sb.Decrypt(ciphertext)
	if err != nil {
		sb.warnOnce(key, err)
		return ""
	}
	return string(plaintext)
}

func (sb *SecretBox) warnOnce(key string, err error) {
	sb.warnMu.Lock()
	defer sb.warnMu.Unlock()

	if sb.warned[key] {
		return
	}
	sb.warned[key] = true
	logger := log.WithComponent("security")
	logger.Warn().
		Str("key", key).
		Err(err).
		Msg("Failed to decrypt env value, substituting empty string")
}
