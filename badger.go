package queuectl

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerBackend implements the Backend interface using BadgerDB.
// It is the default store: pure Go, no CGO, durable across restarts.
// BadgerDB holds an exclusive directory lock, so a Badger-backed queue is
// shared by worker goroutines inside one process; use the SQLite backend
// when workers must run as separate OS processes.
type BadgerBackend struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerBackend creates a new BadgerDB backend.
// The database directory will be created if it doesn't exist.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerBackend(dbPath string, logger *zap.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerBackend{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
// Conflicts are how Badger surfaces claim contention between concurrent
// callers; the fixed delay keeps retry behavior deterministic in tests.
func (b *BadgerBackend) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}

	return fmt.Errorf("%w: still conflicting after %d retries: %v", ErrLockTimeout, maxRetries, lastErr)
}

// key prefixes
const (
	keyPrefixJob     = "job:"
	keyPrefixPending = "idx:pending:"
)

// jobKey returns the key for a job record.
func jobKey(jobID string) []byte {
	return []byte(keyPrefixJob + jobID)
}

// pendingIndexKey returns the FIFO index key for a pending job. The
// big-endian creation timestamp makes lexicographic iteration oldest-first;
// the job ID breaks ties between jobs created in the same nanosecond.
func pendingIndexKey(jobID string, createdAtNanos int64) []byte {
	key := make([]byte, 0, len(keyPrefixPending)+8+len(jobID))
	key = append(key, []byte(keyPrefixPending)...)
	tsBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBytes, uint64(createdAtNanos))
	key = append(key, tsBytes...)
	key = append(key, []byte(jobID)...)
	return key
}

func (b *BadgerBackend) getJobTxn(txn *badger.Txn, jobID string) (*Job, error) {
	item, err := txn.Get(jobKey(jobID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}

	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to copy job %s: %w", jobID, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

func setJobTxn(txn *badger.Txn, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	if err := txn.Set(jobKey(job.ID), data); err != nil {
		return fmt.Errorf("failed to store job %s: %w", job.ID, err)
	}
	return nil
}

// CreateJob inserts a new PENDING job and adds it to the FIFO index.
func (b *BadgerBackend) CreateJob(ctx context.Context, job *Job) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	now := time.Now()
	prepared := *job
	prepared.State = StatePending
	prepared.Attempts = 0
	if prepared.CreatedAt.IsZero() {
		prepared.CreatedAt = now
	}
	prepared.UpdatedAt = now

	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(prepared.ID)); err == nil {
			return ErrDuplicateID
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to check for existing job: %w", err)
		}

		if err := setJobTxn(txn, &prepared); err != nil {
			return err
		}
		if err := txn.Set(pendingIndexKey(prepared.ID, prepared.CreatedAt.UnixNano()), []byte(prepared.ID)); err != nil {
			return fmt.Errorf("failed to add to pending index: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	b.logger.Debug("job created", zap.String("jobID", prepared.ID))
	return nil
}

// GetJob retrieves a job by ID.
func (b *BadgerBackend) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var job *Job
	err = b.db.View(func(txn *badger.Txn) error {
		job, err = b.getJobTxn(txn, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns jobs in creation order, optionally filtered by state.
func (b *BadgerBackend) ListJobs(ctx context.Context, state JobState) ([]*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0)
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixJob)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to copy job: %w", err)
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job: %w", err)
			}
			if state != "" && job.State != state {
				continue
			}
			jobs = append(jobs, &job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// ClaimNext atomically claims the oldest PENDING job for the given worker.
// The select and the update happen inside one Badger transaction; a
// conflicting concurrent claim aborts the transaction and is retried, so a
// job can never be handed to two workers.
func (b *BadgerBackend) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if workerID == "" {
		return nil, fmt.Errorf("workerID is required")
	}

	var claimed *Job
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		claimed = nil

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixPending)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixPending)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			jobIDBytes, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}

			job, err := b.getJobTxn(txn, string(jobIDBytes))
			if errors.Is(err, ErrNotFound) {
				// Stale index entry left by a deleted job.
				_ = txn.Delete(item.KeyCopy(nil))
				continue
			}
			if err != nil {
				return err
			}
			if job.State != StatePending {
				_ = txn.Delete(item.KeyCopy(nil))
				continue
			}

			job.State = StateProcessing
			job.Attempts++
			job.ClaimedBy = workerID
			job.UpdatedAt = time.Now()

			if err := setJobTxn(txn, job); err != nil {
				return err
			}
			if err := txn.Delete(item.KeyCopy(nil)); err != nil {
				return fmt.Errorf("failed to remove from pending index: %w", err)
			}

			claimed = job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if claimed != nil {
		b.logger.Debug("job claimed",
			zap.String("jobID", claimed.ID),
			zap.String("workerID", workerID),
			zap.Int("attempts", claimed.Attempts))
	}
	return claimed, nil
}

// MarkCompleted transitions a PROCESSING job to COMPLETED.
func (b *BadgerBackend) MarkCompleted(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := b.getJobTxn(txn, jobID)
		if err != nil {
			return err
		}
		if job.State != StateProcessing {
			return fmt.Errorf("%w: job %s is %s, not %s", ErrInvalidState, jobID, job.State, StateProcessing)
		}

		job.State = StateCompleted
		job.ClaimedBy = ""
		job.UpdatedAt = time.Now()
		return setJobTxn(txn, job)
	})
}

// MarkFailed records a failed attempt and applies the retry policy
// atomically: PENDING while the retry budget allows, DEAD otherwise.
func (b *BadgerBackend) MarkFailed(ctx context.Context, jobID string, errorMsg string) (JobState, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}

	var result JobState
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := b.getJobTxn(txn, jobID)
		if err != nil {
			return err
		}
		if job.State != StateProcessing {
			return fmt.Errorf("%w: job %s is %s, not %s", ErrInvalidState, jobID, job.State, StateProcessing)
		}

		job.LastError = errorMsg
		job.ClaimedBy = ""
		job.UpdatedAt = time.Now()
		if job.Attempts > job.MaxRetries {
			job.State = StateDead
		} else {
			job.State = StatePending
			if err := txn.Set(pendingIndexKey(job.ID, job.CreatedAt.UnixNano()), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to re-add to pending index: %w", err)
			}
		}
		result = job.State
		return setJobTxn(txn, job)
	})
	if err != nil {
		return "", err
	}

	b.logger.Debug("job failed",
		zap.String("jobID", jobID),
		zap.String("state", string(result)),
		zap.String("error", errorMsg))
	return result, nil
}

// MoveToDLQ forces a non-terminal job to DEAD.
func (b *BadgerBackend) MoveToDLQ(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := b.getJobTxn(txn, jobID)
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			return fmt.Errorf("%w: job %s is already %s", ErrInvalidState, jobID, job.State)
		}

		if job.State == StatePending {
			_ = txn.Delete(pendingIndexKey(job.ID, job.CreatedAt.UnixNano()))
		}
		job.State = StateDead
		job.ClaimedBy = ""
		job.UpdatedAt = time.Now()
		return setJobTxn(txn, job)
	})
}

// RetryFromDLQ returns a DEAD job to PENDING with a fresh retry budget.
func (b *BadgerBackend) RetryFromDLQ(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := b.getJobTxn(txn, jobID)
		if err != nil {
			return err
		}
		if job.State != StateDead {
			return fmt.Errorf("%w: job %s is %s", ErrNotDead, jobID, job.State)
		}

		job.State = StatePending
		job.Attempts = 0
		job.LastError = ""
		job.UpdatedAt = time.Now()

		if err := setJobTxn(txn, job); err != nil {
			return err
		}
		if err := txn.Set(pendingIndexKey(job.ID, job.CreatedAt.UnixNano()), []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to re-add to pending index: %w", err)
		}
		return nil
	})
}

// RequeueOrphans returns every PROCESSING job to PENDING.
func (b *BadgerBackend) RequeueOrphans(ctx context.Context) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	requeued := 0
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		requeued = 0

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		for it.Seek([]byte(keyPrefixJob)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to copy job: %w", err)
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job: %w", err)
			}
			if job.State != StateProcessing {
				continue
			}

			job.State = StatePending
			job.ClaimedBy = ""
			job.UpdatedAt = now
			if err := setJobTxn(txn, &job); err != nil {
				return err
			}
			if err := txn.Set(pendingIndexKey(job.ID, job.CreatedAt.UnixNano()), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to re-add to pending index: %w", err)
			}
			requeued++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return requeued, nil
}

// Stats returns per-state job counts.
func (b *BadgerBackend) Stats(ctx context.Context) (*JobStats, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	stats := &JobStats{}
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixJob)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to copy job: %w", err)
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job: %w", err)
			}

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
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
