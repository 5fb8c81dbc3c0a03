package queuectl

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryBackend implements the Backend interface using in-memory storage.
// It uses a single mutex for thread-safety and is suitable for testing and
// ephemeral runs; nothing survives the process.
type InMemoryBackend struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	seq     map[string]uint64 // jobID -> insertion sequence, tie-break for FIFO
	nextSeq uint64
	closed  bool
}

// NewInMemoryBackend creates a new in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		jobs: make(map[string]*Job),
		seq:  make(map[string]uint64),
	}
}

// Close closes the backend and prevents further operations.
func (b *InMemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *InMemoryBackend) ensureOpenLocked() error {
	if b.closed {
		return ErrStoreClosed
	}
	return nil
}

func cloneJob(job *Job) *Job {
	copied := *job
	return &copied
}

// CreateJob inserts a new PENDING job.
func (b *InMemoryBackend) CreateJob(ctx context.Context, job *Job) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	now := time.Now()
	prepared := cloneJob(job)
	prepared.State = StatePending
	prepared.Attempts = 0
	if prepared.CreatedAt.IsZero() {
		prepared.CreatedAt = now
	}
	prepared.UpdatedAt = now

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}
	if _, exists := b.jobs[job.ID]; exists {
		return ErrDuplicateID
	}

	b.jobs[prepared.ID] = prepared
	b.seq[prepared.ID] = b.nextSeq
	b.nextSeq++
	return nil
}

// GetJob retrieves a job by ID.
func (b *InMemoryBackend) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}

	job, exists := b.jobs[jobID]
	if !exists {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

// ListJobs returns jobs in creation order, optionally filtered by state.
func (b *InMemoryBackend) ListJobs(ctx context.Context, state JobState) ([]*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(b.jobs))
	for _, job := range b.jobs {
		if state != "" && job.State != state {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	b.sortByCreationLocked(jobs)
	return jobs, nil
}

func (b *InMemoryBackend) sortByCreationLocked(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return b.seq[jobs[i].ID] < b.seq[jobs[j].ID]
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

// ClaimNext atomically claims the oldest PENDING job for the given worker.
// The mutex spans select through update, so concurrent claimers serialize.
func (b *InMemoryBackend) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}

	pending := make([]*Job, 0)
	for _, job := range b.jobs {
		if job.State == StatePending {
			pending = append(pending, job)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	b.sortByCreationLocked(pending)

	job := b.jobs[pending[0].ID]
	job.State = StateProcessing
	job.Attempts++
	job.ClaimedBy = workerID
	job.UpdatedAt = time.Now()
	return cloneJob(job), nil
}

// MarkCompleted transitions a PROCESSING job to COMPLETED.
func (b *InMemoryBackend) MarkCompleted(ctx context.Context, jobID string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}

	job, exists := b.jobs[jobID]
	if !exists {
		return ErrNotFound
	}
	if job.State != StateProcessing {
		return ErrInvalidState
	}

	job.State = StateCompleted
	job.ClaimedBy = ""
	job.UpdatedAt = time.Now()
	return nil
}

// MarkFailed records a failed attempt and applies the retry policy.
func (b *InMemoryBackend) MarkFailed(ctx context.Context, jobID string, errorMsg string) (JobState, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return "", err
	}

	job, exists := b.jobs[jobID]
	if !exists {
		return "", ErrNotFound
	}
	if job.State != StateProcessing {
		return "", ErrInvalidState
	}

	job.LastError = errorMsg
	job.ClaimedBy = ""
	job.UpdatedAt = time.Now()
	if job.Attempts > job.MaxRetries {
		job.State = StateDead
	} else {
		job.State = StatePending
	}
	return job.State, nil
}

// MoveToDLQ forces a non-terminal job to DEAD.
func (b *InMemoryBackend) MoveToDLQ(ctx context.Context, jobID string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}

	job, exists := b.jobs[jobID]
	if !exists {
		return ErrNotFound
	}
	if job.State.Terminal() {
		return ErrInvalidState
	}

	job.State = StateDead
	job.ClaimedBy = ""
	job.UpdatedAt = time.Now()
	return nil
}

// RetryFromDLQ returns a DEAD job to PENDING with a fresh retry budget.
func (b *InMemoryBackend) RetryFromDLQ(ctx context.Context, jobID string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}

	job, exists := b.jobs[jobID]
	if !exists {
		return ErrNotFound
	}
	if job.State != StateDead {
		return ErrNotDead
	}

	job.State = StatePending
	job.Attempts = 0
	job.LastError = ""
	job.UpdatedAt = time.Now()
	return nil
}

// RequeueOrphans returns every PROCESSING job to PENDING.
func (b *InMemoryBackend) RequeueOrphans(ctx context.Context) (int, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return 0, err
	}

	requeued := 0
	now := time.Now()
	for _, job := range b.jobs {
		if job.State != StateProcessing {
			continue
		}
		job.State = StatePending
		job.ClaimedBy = ""
		job.UpdatedAt = now
		requeued++
	}
	return requeued, nil
}

// Stats returns per-state job counts.
func (b *InMemoryBackend) Stats(ctx context.Context) (*JobStats, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}

	stats := &JobStats{}
	for _, job := range b.jobs {
		stats.Total++
		stats.TotalAttempts += job.Attempts
		switch job.State {
		case StatePending:
			stats.Pending++
		case StateProcessing:
			stats.Processing++
		case StateCompleted:
			stats.Completed++
		case StateDead:
			stats.Dead++
		}
	}
	return stats, nil
}
