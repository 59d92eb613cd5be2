package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prperemyshlev/mailbox-connections/pkg/database"
	"github.com/redis/go-redis/v9"
)

const syncQueueKey = "sync:credentials"

// SyncJob is a pending credential push. It carries identifiers only; secrets are
// loaded and decrypted when the job runs.
type SyncJob struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	RequestID    string    `json:"request_id,omitempty"`
	Attempt      int       `json:"attempt"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// syncQueue implements SyncQueue on a Redis sorted set scored by due time
type syncQueue struct {
	redis *database.Redis
	key   string
}

// NewSyncQueue creates a new Redis backed sync queue
func NewSyncQueue(redis *database.Redis) SyncQueue {
	return &syncQueue{redis: redis, key: syncQueueKey}
}

// Enqueue schedules the job to run at dueAt
func (q *syncQueue) Enqueue(ctx context.Context, job *SyncJob, dueAt time.Time) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal sync job: %w", err)
	}

	err = q.redis.Client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue sync job: %w", err)
	}

	return nil
}

// ClaimDue removes due jobs from the set. ZREM succeeds for one caller only, so concurrent
// workers never run the same job twice.
func (q *syncQueue) ClaimDue(ctx context.Context, now time.Time, limit int64) ([]*SyncJob, error) {
	members, err := q.redis.Client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due sync jobs: %w", err)
	}

	jobs := make([]*SyncJob, 0, len(members))
	for _, member := range members {
		removed, err := q.redis.Client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			return jobs, fmt.Errorf("failed to claim sync job: %w", err)
		}
		if removed == 0 {
			continue
		}

		job := &SyncJob{}
		if err := json.Unmarshal([]byte(member), job); err != nil {
			// a malformed member is dropped; it can never succeed
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// Len returns the number of queued jobs
func (q *syncQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.redis.Client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count sync jobs: %w", err)
	}
	return n, nil
}
