package service

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/prperemyshlev/mailbox-connections/internal/domain"
	"github.com/prperemyshlev/mailbox-connections/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BackoffConfig holds configuration for exponential backoff
type BackoffConfig struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	Randomization float64
}

// SyncWorkerConfig holds configuration for the credential sync worker
type SyncWorkerConfig struct {
	MaxAttempts  int
	PollInterval time.Duration
	BatchSize    int64
	// RatePerSecond caps outbound pushes; zero disables pacing
	RatePerSecond float64
	Backoff       BackoffConfig
}

// CredentialSyncWorker drains the sync queue and pushes credentials to the Stage Updater,
// rescheduling failed jobs with exponential backoff
type CredentialSyncWorker struct {
	queue   repository.SyncQueue
	pusher  CredentialPusher
	limiter *rate.Limiter
	config  SyncWorkerConfig
	metrics *Metrics
	logger  *zap.Logger
}

// NewCredentialSyncWorker creates a new worker
func NewCredentialSyncWorker(queue repository.SyncQueue, pusher CredentialPusher, config SyncWorkerConfig, metrics *Metrics, logger *zap.Logger) *CredentialSyncWorker {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 20
	}
	if config.Backoff.InitialDelay == 0 {
		config.Backoff.InitialDelay = 2 * time.Second
	}
	if config.Backoff.MaxDelay == 0 {
		config.Backoff.MaxDelay = 5 * time.Minute
	}
	if config.Backoff.Multiplier == 0 {
		config.Backoff.Multiplier = 2.0
	}
	if config.Backoff.Randomization == 0 {
		config.Backoff.Randomization = 0.2
	}

	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}

	return &CredentialSyncWorker{
		queue:   queue,
		pusher:  pusher,
		limiter: rate.NewLimiter(limit, 1),
		config:  config,
		metrics: metrics,
		logger:  logger.Named("credential_sync"),
	}
}

// Run polls the queue until ctx is cancelled
func (w *CredentialSyncWorker) Run(ctx context.Context) {
	w.logger.Info("Credential sync worker started", zap.Duration("poll_interval", w.config.PollInterval))

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessDue(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("Failed to process sync queue", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Credential sync worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// ProcessDue claims and runs every job due now. It returns the number of jobs attempted.
func (w *CredentialSyncWorker) ProcessDue(ctx context.Context) (int, error) {
	// a claim can fail after some jobs were already removed from the queue; those still run
	jobs, claimErr := w.queue.ClaimDue(ctx, time.Now(), w.config.BatchSize)
	if claimErr != nil && len(jobs) == 0 {
		return 0, claimErr
	}

	for i, job := range jobs {
		if err := w.limiter.Wait(ctx); err != nil {
			// put unprocessed jobs back so shutdown does not lose them
			w.requeue(jobs[i:])
			return i, err
		}
		w.process(ctx, job)
	}

	return len(jobs), claimErr
}

func (w *CredentialSyncWorker) process(ctx context.Context, job *repository.SyncJob) {
	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("connection_id", job.ConnectionID),
		zap.Int("attempt", job.Attempt+1),
	)

	err := w.pusher.PushCredentials(ctx, job.UserID, job.ConnectionID, job.RequestID)
	w.metrics.recordSync(ctx, triggerQueued, resultOf(err == nil))
	if err == nil {
		logger.Debug("Queued credential sync succeeded")
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		logger.Info("Connection no longer exists, dropping sync job")
		return
	case errors.Is(err, domain.ErrConfiguration), errors.Is(err, domain.ErrRefreshTokenMissing):
		logger.Error("Credential sync cannot succeed, dropping job", zap.Error(err))
		return
	}

	job.Attempt++
	if job.Attempt >= w.config.MaxAttempts {
		logger.Error("Credential sync failed, retries exhausted", zap.Error(err))
		return
	}

	delay := w.calculateBackoff(job.Attempt - 1)
	logger.Warn("Credential sync failed, retrying", zap.Duration("retry_in", delay), zap.Error(err))

	if err := w.queue.Enqueue(context.WithoutCancel(ctx), job, time.Now().Add(delay)); err != nil {
		logger.Error("Failed to reschedule sync job", zap.Error(err))
	}
}

func (w *CredentialSyncWorker) requeue(jobs []*repository.SyncJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, job := range jobs {
		if err := w.queue.Enqueue(ctx, job, time.Now()); err != nil {
			w.logger.Error("Failed to return sync job to queue", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

// calculateBackoff calculates the next backoff duration with jitter
func (w *CredentialSyncWorker) calculateBackoff(attempt int) time.Duration {
	b := w.config.Backoff

	multiplier := math.Pow(b.Multiplier, float64(attempt))
	delay := time.Duration(float64(b.InitialDelay) * multiplier)
	if delay > b.MaxDelay || delay <= 0 {
		delay = b.MaxDelay
	}

	jitter := time.Duration(rand.Float64() * float64(delay) * b.Randomization)
	return delay + jitter
}
