package queuectl

import (
	"context"
)

// Backend represents the interface for job queue storage backends.
// Implementations must be thread-safe; every mutating operation must be
// atomic (no caller ever observes a partially-updated job) and must bump
// the job's UpdatedAt.
type Backend interface {
	// CreateJob inserts a new PENDING job with Attempts=0.
	// Returns ErrDuplicateID if a job with the same ID already exists.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by ID. Returns ErrNotFound if absent.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// ListJobs returns jobs in creation order. An empty state lists all jobs;
	// otherwise only jobs currently in that state are returned.
	ListJobs(ctx context.Context, state JobState) ([]*Job, error)

	// ClaimNext atomically claims the oldest PENDING job for the given
	// worker: state -> PROCESSING, Attempts+1, ClaimedBy set. The select and
	// the update happen inside a single transaction so no two concurrent
	// callers can claim the same job. Returns (nil, nil) when no PENDING
	// job exists, or ErrLockTimeout when claim contention could not be
	// resolved within the backend's bounded retry budget.
	ClaimNext(ctx context.Context, workerID string) (*Job, error)

	// MarkCompleted transitions a PROCESSING job to COMPLETED.
	MarkCompleted(ctx context.Context, jobID string) error

	// MarkFailed records a failed attempt for a PROCESSING job and applies
	// the retry policy atomically: back to PENDING while Attempts is within
	// the job's MaxRetries budget, otherwise to DEAD. The resulting state is
	// returned so the caller can decide whether to back off.
	MarkFailed(ctx context.Context, jobID string, errorMsg string) (JobState, error)

	// MoveToDLQ forces a non-terminal job to DEAD (operator action).
	MoveToDLQ(ctx context.Context, jobID string) error

	// RetryFromDLQ returns a DEAD job to PENDING with Attempts reset to 0
	// and LastError cleared. Returns ErrNotDead for jobs in any other state.
	RetryFromDLQ(ctx context.Context, jobID string) error

	// RequeueOrphans returns every PROCESSING job to PENDING. Used by an
	// operator to recover jobs stranded by a crashed worker; Attempts is
	// left as-is since the claim already counted. Returns the number of
	// jobs requeued.
	RequeueOrphans(ctx context.Context) (int, error)

	// Stats returns per-state job counts.
	Stats(ctx context.Context) (*JobStats, error)

	// Close closes the backend connection.
	Close() error
}

func normalizeContext(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ctx, nil
}
