package repository

import (
	"context"
	"time"

	"github.com/prperemyshlev/mailbox-connections/internal/domain"
)

// ConnectionRepository defines methods for mailbox connection operations
type ConnectionRepository interface {
	Create(ctx context.Context, conn *domain.Connection) error
	GetByID(ctx context.Context, id string) (*domain.Connection, error)
	GetByUserAndID(ctx context.Context, userID, id string) (*domain.Connection, error)
	GetByUserAndProvider(ctx context.Context, userID string, provider domain.Provider) (*domain.Connection, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Connection, error)
	// Update writes every mutable column of the connection
	Update(ctx context.Context, conn *domain.Connection) error
	// UpdateCredentials replaces the ciphertexts, IV and expiry in a single statement
	UpdateCredentials(ctx context.Context, id string, bundle domain.EncryptedBundle, expiresAt *time.Time) error
	// UpdateMetadata writes only is_active and notes, leaving credentials untouched
	UpdateMetadata(ctx context.Context, userID, id string, isActive bool, notes *string) error
	Delete(ctx context.Context, userID, id string) error
}

// SyncQueue defines methods for the delayed credential sync queue
type SyncQueue interface {
	Enqueue(ctx context.Context, job *SyncJob, dueAt time.Time) error
	// ClaimDue removes and returns up to limit jobs due at or before now.
	// A job is returned to exactly one caller.
	ClaimDue(ctx context.Context, now time.Time, limit int64) ([]*SyncJob, error)
	Len(ctx context.Context) (int64, error)
}
