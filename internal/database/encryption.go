package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"bizmsg/internal/models"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionSecretEnv names the environment variable holding the at-rest secret.
	EncryptionSecretEnv = "BIZMSG_ENCRYPTION_SECRET"

	encryptionSalt  = "bizmsg-offline-queue-v1"
	encryptedPrefix = "enc:v1:"
	minSecretLength = 32
)

// Encryptor seals stored values with AES-256-GCM. A nil gcm means values pass through.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor returns a pass-through encryptor when enabled is false; otherwise it
// derives a key from BIZMSG_ENCRYPTION_SECRET.
func NewEncryptor(enabled bool) (*Encryptor, error) {
	if !enabled {
		return &Encryptor{}, nil
	}
	return NewEncryptorWithSecret(os.Getenv(EncryptionSecretEnv))
}

// NewEncryptorWithSecret derives the AES key from secret with PBKDF2-SHA256.
func NewEncryptorWithSecret(secret string) (*Encryptor, error) {
	if secret == "" {
		return nil, fmt.Errorf("%s environment variable is required when encryption is enabled", EncryptionSecretEnv)
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", minSecretLength)
	}

	key := pbkdf2.Key([]byte(secret), []byte(encryptionSalt), models.Iterations, models.KeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{gcm: gcm}, nil
}

// Enabled reports whether values are actually encrypted.
func (e *Encryptor) Enabled() bool {
	return e != nil && e.gcm != nil
}

// Encrypt returns plaintext unchanged when encryption is disabled.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if !e.Enabled() {
		return plaintext, nil
	}

	nonce := make([]byte, models.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

// Decrypt opens values written by Encrypt. Unprefixed values are returned as-is so a
// store written before encryption was turned on stays readable.
func (e *Encryptor) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, encryptedPrefix) {
		return value, nil
	}
	if !e.Enabled() {
		return "", fmt.Errorf("value is encrypted but encryption is not configured")
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	if len(data) < models.NonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:models.NonceSize], data[models.NonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}
