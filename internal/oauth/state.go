package oauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/prperemyshlev/mailbox-connections/internal/domain"
)

// State is the payload round-tripped through the provider's authorization redirect.
// Nonce makes every flow distinct, so parallel flows for one user and provider do not collide.
type State struct {
	UserID   string          `json:"userId"`
	Provider domain.Provider `json:"provider"`
	Nonce    string          `json:"nonce"`
}

// NewState returns a state for a fresh authorization flow
func NewState(userID string, provider domain.Provider) State {
	return State{UserID: userID, Provider: provider, Nonce: uuid.NewString()}
}

// Encode returns standard base64 of the JSON state. Decoding any accepted form and
// encoding again yields the same string.
func (s State) Encode() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode oauth state: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncodeState encodes a new state for userID and provider
func EncodeState(userID string, provider domain.Provider) (string, error) {
	return NewState(userID, provider).Encode()
}

// DecodeState parses a state value produced by Encode
func DecodeState(s string) (State, error) {
	var st State

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// some browsers and proxies hand the value back in URL-safe form
		raw, err = base64.URLEncoding.DecodeString(s)
		if err != nil {
			return st, fmt.Errorf("state is not base64: %w", domain.ErrInvalidInput)
		}
	}

	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("state is not valid json: %w", domain.ErrInvalidInput)
	}
	if st.UserID == "" {
		return st, fmt.Errorf("state has no user id: %w", domain.ErrInvalidInput)
	}
	if st.Nonce == "" {
		return st, fmt.Errorf("state has no nonce: %w", domain.ErrInvalidInput)
	}
	if _, err := domain.ParseProvider(string(st.Provider)); err != nil {
		return st, err
	}

	return st, nil
}
