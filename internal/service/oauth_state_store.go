package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/prperemyshlev/mailbox-connections/pkg/database"
)

// DefaultStateTTL is how long an authorization redirect may take
const DefaultStateTTL = 10 * time.Minute

// OAuthStateStore keeps issued OAuth states in Redis until their callback arrives
type OAuthStateStore struct {
	redis *database.Redis
	ttl   time.Duration
}

// NewOAuthStateStore creates a new state store
func NewOAuthStateStore(redis *database.Redis, ttl time.Duration) *OAuthStateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &OAuthStateStore{redis: redis, ttl: ttl}
}

// Save records an issued state
func (s *OAuthStateStore) Save(ctx context.Context, state string) error {
	if err := s.redis.Client.Set(ctx, stateKey(state), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save oauth state: %w", err)
	}
	return nil
}

// Consume deletes the state and reports whether it was outstanding
func (s *OAuthStateStore) Consume(ctx context.Context, state string) (bool, error) {
	deleted, err := s.redis.Client.Del(ctx, stateKey(state)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume oauth state: %w", err)
	}
	return deleted == 1, nil
}

func stateKey(state string) string {
	sum := sha256.Sum256([]byte(state))
	return "oauth:state:" + hex.EncodeToString(sum[:])
}
