// Package queuectl implements a durable, multi-worker background job queue
// with support for multiple storage backends (BadgerDB, SQLite) and a
// retry/backoff/dead-letter policy.
//
// The package supports:
//   - Multiple backend implementations (BadgerDB, SQLite, in-memory)
//   - A race-free claim protocol so concurrent workers never double-claim
//   - Exponential backoff between retries of a failing job
//   - A dead-letter queue for jobs that exhaust their retry budget
//   - Operator recovery of jobs stranded by crashed workers
//
// Example usage:
//
//	backend, _ := queuectl.NewBadgerBackend("./data/queue", logger)
//	store := queuectl.NewStore(backend, cfg, logger)
//	defer store.Close()
//
//	job := &queuectl.Job{
//	    ID:      "job-1",
//	    Command: "echo hello",
//	}
//	store.Enqueue(ctx, job)
package queuectl

import (
	"time"
)

// JobState represents the lifecycle state of a job in the queue.
type JobState string

const (
	// StatePending indicates the job is waiting to be claimed by a worker.
	StatePending JobState = "pending"
	// StateProcessing indicates the job has been claimed and is executing.
	StateProcessing JobState = "processing"
	// StateCompleted indicates the job's command exited successfully (terminal).
	StateCompleted JobState = "completed"
	// StateFailed indicates the last attempt failed. It is transient:
	// MarkFailed re-queues the job to PENDING (or promotes it to DEAD) in the
	// same atomic step, so FAILED is never observable at rest.
	StateFailed JobState = "failed"
	// StateDead indicates the job exhausted its retry budget and sits in the
	// dead-letter queue until an operator retries it (terminal).
	StateDead JobState = "dead"
)

// JobStates lists every state in stable display order.
var JobStates = []JobState{StatePending, StateProcessing, StateCompleted, StateFailed, StateDead}

// Terminal reports whether a job in this state is finished absent operator action.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateDead
}

// Job represents a single shell-command job in the queue.
type Job struct {
	ID         string    // Unique job identifier (caller-supplied or generated)
	Command    string    // Shell command to execute; immutable after creation
	State      JobState  // Current lifecycle state
	Attempts   int       // Number of claims so far; +1 on each PENDING -> PROCESSING
	MaxRetries int       // Retry budget, snapshotted from config at enqueue time
	LastError  string    // Exit status / stderr excerpt from the last failed attempt
	ClaimedBy  string    // ID of the worker holding the job while PROCESSING
	CreatedAt  time.Time // When the job was enqueued; claim order is FIFO on this
	UpdatedAt  time.Time // Bumped by every mutation
}

// JobStats represents per-state job counts.
type JobStats struct {
	Total         int // Total number of jobs in the store
	Pending       int
	Processing    int
	Completed     int
	Dead          int // Size of the dead-letter queue
	TotalAttempts int // Sum of attempts across all jobs
}

// Count returns the number of jobs in the given state.
func (s *JobStats) Count(state JobState) int {
	switch state {
	case StatePending:
		return s.Pending
	case StateProcessing:
		return s.Processing
	case StateCompleted:
		return s.Completed
	case StateDead:
		return s.Dead
	default:
		return 0
	}
}
