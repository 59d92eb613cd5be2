package domain

import (
	"fmt"
	"time"
)

// Provider identifies a mailbox provider
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderYahoo   Provider = "yahoo"
	ProviderIMAP    Provider = "imap"
)

// TokenRefreshBuffer is how close to expiry a token may get before it is refreshed
const TokenRefreshBuffer = 5 * time.Minute

// ParseProvider converts a raw provider name into a Provider
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case ProviderGmail, ProviderOutlook, ProviderYahoo, ProviderIMAP:
		return p, nil
	}
	return "", fmt.Errorf("unknown provider %q: %w", s, ErrInvalidInput)
}

// IsOAuth reports whether the provider authenticates with OAuth tokens
func (p Provider) IsOAuth() bool {
	return p == ProviderGmail || p == ProviderOutlook || p == ProviderYahoo
}

// ConnectionState is the derived health of a connection. It is never persisted.
type ConnectionState string

const (
	StateValid        ConnectionState = "valid"
	StateExpiringSoon ConnectionState = "expiring_soon"
	StateExpired      ConnectionState = "expired"
	StateInvalid      ConnectionState = "invalid"
)

// Connection represents a mailbox credential binding between a user and a provider.
// All encrypted fields share EncryptionIV.
type Connection struct {
	ID       string   `json:"id" db:"id"`
	UserID   string   `json:"user_id" db:"user_id"`
	Provider Provider `json:"provider" db:"provider"`
	Email    string   `json:"email" db:"email"`

	EncryptedAccessToken  *string    `json:"-" db:"encrypted_access_token"`
	EncryptedRefreshToken *string    `json:"-" db:"encrypted_refresh_token"`
	TokenExpiresAt        *time.Time `json:"token_expires_at" db:"token_expires_at"`

	IMAPHost              *string `json:"imap_host" db:"imap_host"`
	IMAPPort              *int    `json:"imap_port" db:"imap_port"`
	IMAPUsername          *string `json:"imap_username" db:"imap_username"`
	EncryptedIMAPPassword *string `json:"-" db:"encrypted_imap_password"`

	// LegacyIMAPPassword holds plaintext from rows written before passwords were encrypted.
	// It is read, never written.
	LegacyIMAPPassword *string `json:"-" db:"imap_password"`

	EncryptionIV *string `json:"-" db:"encryption_iv"`

	IsActive  bool      `json:"is_active" db:"is_active"`
	Notes     *string   `json:"notes" db:"notes"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EncryptedBundle returns the ciphertext fields of the connection together with its IV
func (c *Connection) EncryptedBundle() EncryptedBundle {
	return EncryptedBundle{
		EncryptedAccessToken:  c.EncryptedAccessToken,
		EncryptedRefreshToken: c.EncryptedRefreshToken,
		EncryptedIMAPPassword: c.EncryptedIMAPPassword,
		IV:                    c.EncryptionIV,
	}
}

// SetEncryptedBundle replaces every ciphertext field and the IV at once
func (c *Connection) SetEncryptedBundle(b EncryptedBundle) {
	c.EncryptedAccessToken = b.EncryptedAccessToken
	c.EncryptedRefreshToken = b.EncryptedRefreshToken
	c.EncryptedIMAPPassword = b.EncryptedIMAPPassword
	c.EncryptionIV = b.IV
}

// NeedsRefresh reports whether the token expires within TokenRefreshBuffer of now.
// A nil expiry is treated as never expiring.
func (c *Connection) NeedsRefresh(now time.Time) bool {
	if c.TokenExpiresAt == nil {
		return false
	}
	return !c.TokenExpiresAt.After(now.Add(TokenRefreshBuffer))
}

// State derives the connection state from stored fields only (no decryption)
func (c *Connection) State(now time.Time) ConnectionState {
	if c.Provider == ProviderIMAP {
		if c.IMAPHost == nil || c.IMAPPort == nil || c.IMAPUsername == nil {
			return StateInvalid
		}
		if c.EncryptedIMAPPassword == nil && c.LegacyIMAPPassword == nil {
			return StateInvalid
		}
		return StateValid
	}

	if c.EncryptedAccessToken == nil {
		return StateInvalid
	}
	switch {
	case c.TokenExpiresAt == nil:
		return StateValid
	case !c.TokenExpiresAt.After(now):
		return StateExpired
	case c.NeedsRefresh(now):
		return StateExpiringSoon
	}
	return StateValid
}
