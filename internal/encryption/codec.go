package encryption

import (
	"fmt"

	"github.com/prperemyshlev/mailbox-connections/internal/domain"
)

// Codec maps credential bundles to and from their encrypted form.
// Every field of one bundle is sealed under the same IV.
type Codec struct {
	engine *Engine
}

// NewCodec creates a new credential codec
func NewCodec(engine *Engine) *Codec {
	return &Codec{engine: engine}
}

// EncryptBundle encrypts every non-empty field of the bundle under one fresh IV.
// An empty bundle yields an EncryptedBundle with no IV.
func (c *Codec) EncryptBundle(bundle domain.CredentialBundle) (domain.EncryptedBundle, error) {
	var out domain.EncryptedBundle
	if bundle.IsEmpty() {
		return out, nil
	}

	iv, err := NewIV()
	if err != nil {
		return out, err
	}

	seal := func(plaintext, field string) (*string, error) {
		if plaintext == "" {
			return nil, nil
		}
		ciphertext, err := c.engine.SealWithIV(plaintext, iv)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt %s: %w", field, err)
		}
		return &ciphertext, nil
	}

	if out.EncryptedAccessToken, err = seal(bundle.AccessToken, "access token"); err != nil {
		return domain.EncryptedBundle{}, err
	}
	if out.EncryptedRefreshToken, err = seal(bundle.RefreshToken, "refresh token"); err != nil {
		return domain.EncryptedBundle{}, err
	}
	if out.EncryptedIMAPPassword, err = seal(bundle.IMAPPassword, "imap password"); err != nil {
		return domain.EncryptedBundle{}, err
	}

	out.IV = &iv
	return out, nil
}

// DecryptBundle decrypts whatever ciphertext fields are present.
// Without an IV it returns an empty bundle and no error.
func (c *Codec) DecryptBundle(enc domain.EncryptedBundle) (domain.CredentialBundle, error) {
	var out domain.CredentialBundle
	if enc.IV == nil || *enc.IV == "" {
		return out, nil
	}

	open := func(ciphertext *string, field string) (string, error) {
		if ciphertext == nil || *ciphertext == "" {
			return "", nil
		}
		plaintext, err := c.engine.Decrypt(*ciphertext, *enc.IV)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt %s: %w", field, err)
		}
		return plaintext, nil
	}

	var err error
	if out.AccessToken, err = open(enc.EncryptedAccessToken, "access token"); err != nil {
		return domain.CredentialBundle{}, err
	}
	if out.RefreshToken, err = open(enc.EncryptedRefreshToken, "refresh token"); err != nil {
		return domain.CredentialBundle{}, err
	}
	if out.IMAPPassword, err = open(enc.EncryptedIMAPPassword, "imap password"); err != nil {
		return domain.CredentialBundle{}, err
	}

	return out, nil
}
