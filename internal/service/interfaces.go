package service

import (
	"context"
	"time"

	"github.com/prperemyshlev/mailbox-connections/internal/domain"
	"github.com/prperemyshlev/mailbox-connections/internal/oauth"
	"github.com/prperemyshlev/mailbox-connections/internal/transmission"
)

// ConnectionService defines the mailbox connection lifecycle operations.
// Every user-facing method filters by owner.
type ConnectionService interface {
	StartOAuth(ctx context.Context, userID string, provider domain.Provider, redirectURI string) (string, error)
	CompleteOAuth(ctx context.Context, userID string, provider domain.Provider, code, redirectURI string) (*domain.Connection, error)
	// HandleOAuthCallback recovers the owner from state, consumes it and completes the flow
	HandleOAuthCallback(ctx context.Context, state, code, redirectURI string) (*domain.Connection, error)
	AddIMAPConnection(ctx context.Context, userID string, in IMAPConnectionInput) (*domain.Connection, error)

	GetConnection(ctx context.Context, userID, id string) (*domain.Connection, error)
	ListConnections(ctx context.Context, userID string) ([]*domain.Connection, error)
	UpdateConnection(ctx context.Context, userID, id string, upd ConnectionUpdate) (*domain.Connection, error)
	RemoveConnection(ctx context.Context, userID, id string) error

	GetConnectionWithValidToken(ctx context.Context, userID, id string) (*domain.Connection, error)
	RefreshOAuthToken(ctx context.Context, id string) error
	ValidateConnection(ctx context.Context, userID, id string) bool
	TestConnection(ctx context.Context, userID, id string) (bool, error)

	SyncCredentialsToStageUpdater(ctx context.Context, userID, id, requestID string) (*domain.SyncResult, error)
	CredentialPusher
}

// CredentialPusher sends a connection's current credentials to the Stage Updater
type CredentialPusher interface {
	PushCredentials(ctx context.Context, userID, id, requestID string) error
}

// ProviderRegistry resolves OAuth provider variants
type ProviderRegistry interface {
	Get(name domain.Provider) (oauth.Provider, error)
}

// CredentialSender forwards plaintext credentials downstream
type CredentialSender interface {
	SendCredentials(ctx context.Context, payload transmission.CredentialPayload, opts transmission.SendOptions) error
}

// Prober performs a live IMAP login
type Prober interface {
	Probe(ctx context.Context, host string, port int, username, password string, timeout time.Duration) (bool, error)
}

// StateStore records issued OAuth states so a callback can be accepted once
type StateStore interface {
	Save(ctx context.Context, state string) error
	Consume(ctx context.Context, state string) (bool, error)
}

// IMAPConnectionInput holds the fields of a new IMAP connection
type IMAPConnectionInput struct {
	Email    string
	Host     string
	Port     int
	Username string
	Password string
}

// ConnectionUpdate holds optional changes; nil fields are left untouched
type ConnectionUpdate struct {
	IsActive *bool
	Notes    *string
}
