package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/prperemyshlev/mailbox-connections/internal/domain"
)

const (
	// KeySize is the AES-256 key length in bytes
	KeySize = 32
	// IVSize is the GCM nonce length in bytes
	IVSize = 12
	tagSize = 16
)

// Engine encrypts small secrets with AES-256-GCM.
// The key is decoded on first use and cached for the lifetime of the engine.
type Engine struct {
	keyMaterial string

	once    sync.Once
	aead    cipher.AEAD
	initErr error
}

// NewEngine creates an engine for the given base64 key material. The key is not validated here.
func NewEngine(keyMaterial string) *Engine {
	return &Engine{keyMaterial: keyMaterial}
}

// GenerateKey returns a fresh random 256-bit key, base64 encoded
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// NewIV returns a fresh random IV, base64 encoded
func NewIV() (string, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}
	return base64.StdEncoding.EncodeToString(iv), nil
}

func (e *Engine) aeadCipher() (cipher.AEAD, error) {
	e.once.Do(func() {
		if e.keyMaterial == "" {
			e.initErr = fmt.Errorf("encryption key is not configured: %w", domain.ErrConfiguration)
			return
		}

		key, err := base64.StdEncoding.DecodeString(e.keyMaterial)
		if err != nil {
			e.initErr = fmt.Errorf("encryption key is not valid base64: %w", domain.ErrConfiguration)
			return
		}
		if len(key) != KeySize {
			e.initErr = fmt.Errorf("encryption key must be %d bytes, got %d: %w", KeySize, len(key), domain.ErrConfiguration)
			return
		}

		block, err := aes.NewCipher(key)
		if err != nil {
			e.initErr = fmt.Errorf("failed to create cipher: %w", err)
			return
		}

		e.aead, e.initErr = cipher.NewGCM(block)
	})

	return e.aead, e.initErr
}

// Encrypt encrypts plaintext under a fresh IV and returns the ciphertext and the IV
func (e *Engine) Encrypt(plaintext string) (ciphertext string, iv string, err error) {
	iv, err = NewIV()
	if err != nil {
		return "", "", err
	}

	ciphertext, err = e.SealWithIV(plaintext, iv)
	if err != nil {
		return "", "", err
	}

	return ciphertext, iv, nil
}

// SealWithIV encrypts plaintext under the given IV.
// Callers must never reuse an IV outside of a single credential bundle.
func (e *Engine) SealWithIV(plaintext, iv string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("cannot encrypt empty value: %w", domain.ErrInvalidInput)
	}

	aead, err := e.aeadCipher()
	if err != nil {
		return "", err
	}

	nonce, err := decodeIV(iv)
	if err != nil {
		return "", err
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return base64.StdEncoding.EncodeToString(body) + ":" + base64.StdEncoding.EncodeToString(tag), nil
}

// Decrypt decrypts a "<body>:<tag>" ciphertext produced under iv
func (e *Engine) Decrypt(ciphertext, iv string) (string, error) {
	aead, err := e.aeadCipher()
	if err != nil {
		return "", err
	}

	bodyPart, tagPart, ok := strings.Cut(ciphertext, ":")
	if !ok {
		return "", fmt.Errorf("ciphertext is missing auth tag: %w", domain.ErrInvalidInput)
	}

	body, err := base64.StdEncoding.DecodeString(bodyPart)
	if err != nil {
		return "", fmt.Errorf("ciphertext body is not valid base64: %w", domain.ErrInvalidInput)
	}

	tag, err := base64.StdEncoding.DecodeString(tagPart)
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("auth tag is malformed: %w", domain.ErrInvalidInput)
	}

	nonce, err := decodeIV(iv)
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, nonce, append(body, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", domain.ErrAuthenticationFailure)
	}

	return string(plaintext), nil
}

func decodeIV(iv string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, fmt.Errorf("iv is not valid base64: %w", domain.ErrInvalidInput)
	}
	if len(nonce) != IVSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d: %w", IVSize, len(nonce), domain.ErrInvalidInput)
	}
	return nonce, nil
}
