package repository

import (
	"github.com/prperemyshlev/mailbox-connections/pkg/database"
)

// Repositories holds all repository interfaces
type Repositories struct {
	Connection ConnectionRepository
	SyncQueue  SyncQueue
}

// NewRepositories creates all repositories
func NewRepositories(db *database.Postgres, redis *database.Redis) *Repositories {
	return &Repositories{
		Connection: NewConnectionRepository(db),
		SyncQueue:  NewSyncQueue(redis),
	}
}
