package queuectl

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the single source of truth for job state. It wraps a Backend
// with input validation, ID generation, and config snapshotting; all
// control-plane commands and worker loops go through it, never through
// the backend directly.
type Store struct {
	backend Backend
	cfg     *Config
	logger  *zap.Logger
}

// NewStore creates a Store on top of the given backend.
func NewStore(backend Backend, cfg *Config, logger *zap.Logger) *Store {
	return &Store{backend: backend, cfg: cfg, logger: logger}
}

// Enqueue validates and inserts a new PENDING job, returning its ID.
// A missing ID is filled with a generated UUID. MaxRetries is snapshotted
// from the current config so later config changes never alter the retry
// budget of jobs already queued.
func (s *Store) Enqueue(ctx context.Context, job *Job) (string, error) {
	if job == nil {
		return "", fmt.Errorf("job is nil")
	}
	if job.Command == "" {
		return "", fmt.Errorf("job command is empty")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = s.cfg.MaxRetries
	}

	if err := s.backend.CreateJob(ctx, job); err != nil {
		return "", err
	}
	s.logger.Info("job enqueued",
		zap.String("jobID", job.ID),
		zap.String("command", job.Command),
		zap.Int("maxRetries", job.MaxRetries))
	return job.ID, nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.backend.GetJob(ctx, jobID)
}

// List returns jobs in creation order, optionally filtered by state.
func (s *Store) List(ctx context.Context, state JobState) ([]*Job, error) {
	return s.backend.ListJobs(ctx, state)
}

// ListDead returns the dead-letter queue in creation order.
func (s *Store) ListDead(ctx context.Context) ([]*Job, error) {
	return s.backend.ListJobs(ctx, StateDead)
}

// ClaimNext claims the oldest PENDING job for the given worker.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	return s.backend.ClaimNext(ctx, workerID)
}

// MarkCompleted finalizes a successful attempt.
func (s *Store) MarkCompleted(ctx context.Context, jobID string) error {
	return s.backend.MarkCompleted(ctx, jobID)
}

// MarkFailed finalizes a failed attempt per the retry policy and returns
// the job's resulting state (PENDING or DEAD).
func (s *Store) MarkFailed(ctx context.Context, jobID string, errorMsg string) (JobState, error) {
	return s.backend.MarkFailed(ctx, jobID, errorMsg)
}

// MoveToDLQ forces a non-terminal job into the dead-letter queue.
func (s *Store) MoveToDLQ(ctx context.Context, jobID string) error {
	if err := s.backend.MoveToDLQ(ctx, jobID); err != nil {
		return err
	}
	s.logger.Info("job moved to DLQ", zap.String("jobID", jobID))
	return nil
}

// RetryFromDLQ re-queues a DEAD job with a fresh retry budget.
func (s *Store) RetryFromDLQ(ctx context.Context, jobID string) error {
	if err := s.backend.RetryFromDLQ(ctx, jobID); err != nil {
		return err
	}
	s.logger.Info("job re-queued from DLQ", zap.String("jobID", jobID))
	return nil
}

// RequeueOrphans recovers PROCESSING jobs stranded by crashed workers.
func (s *Store) RequeueOrphans(ctx context.Context) (int, error) {
	n, err := s.backend.RequeueOrphans(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("orphaned jobs re-queued", zap.Int("count", n))
	}
	return n, nil
}

// Stats returns per-state job counts.
func (s *Store) Stats(ctx context.Context) (*JobStats, error) {
	return s.backend.Stats(ctx)
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
