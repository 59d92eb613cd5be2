package domain

import "time"

// CredentialBundle holds plaintext secrets of a single connection
type CredentialBundle struct {
	AccessToken  string
	RefreshToken string
	IMAPPassword string
}

// IsEmpty reports whether no secret is present
func (b CredentialBundle) IsEmpty() bool {
	return b.AccessToken == "" && b.RefreshToken == "" && b.IMAPPassword == ""
}

// EncryptedBundle is the at-rest form of a CredentialBundle.
// IV is nil when no field was encrypted.
type EncryptedBundle struct {
	EncryptedAccessToken  *string
	EncryptedRefreshToken *string
	EncryptedIMAPPassword *string
	IV                    *string
}

// OAuthToken is the result of a code exchange or refresh against a provider
type OAuthToken struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is nil when the provider did not send expires_in
	ExpiresAt *time.Time
}

// SyncResult is returned by a manual credential sync
type SyncResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
