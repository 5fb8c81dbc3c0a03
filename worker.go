package queuectl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CommandRunner executes a job's shell command and returns nil on success
// (exit code 0) or an error describing the failure. The returned error's
// message is recorded as the job's last_error.
type CommandRunner func(ctx context.Context, command string) error

// maxStderrExcerpt bounds how much captured stderr ends up in last_error.
const maxStderrExcerpt = 512

// RunShellCommand is the default CommandRunner: it runs the command under
// `sh -c`, blocking until the subprocess exits, and reports a non-zero exit
// together with a tail of the command's stderr. No timeout is enforced; a
// hung command occupies its worker until it exits.
func RunShellCommand(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		excerpt := strings.TrimSpace(stderr.String())
		if len(excerpt) > maxStderrExcerpt {
			excerpt = excerpt[len(excerpt)-maxStderrExcerpt:]
		}
		if excerpt != "" {
			return fmt.Errorf("%v: %s", err, excerpt)
		}
		return err
	}
	return nil
}

// Worker repeatedly claims jobs from the shared store, executes their
// commands as subprocesses, and finalizes the outcome. Many workers may
// run concurrently against one store; all coordination happens through
// the store's claim transaction, never in memory.
type Worker struct {
	// Runner executes the claimed job's command. Defaults to RunShellCommand;
	// tests substitute their own.
	Runner CommandRunner
	// Backoff computes the post-failure sleep. Defaults to ExponentialBackoff
	// seeded from the config's backoff_base.
	Backoff BackoffStrategy

	id           string
	store        *Store
	pollInterval time.Duration
	logger       *zap.Logger
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// NewWorker creates a worker with the given unique ID.
func NewWorker(workerID string, store *Store, cfg *Config, logger *zap.Logger) *Worker {
	return &Worker{
		Runner:       RunShellCommand,
		Backoff:      ExponentialBackoff{Base: time.Duration(cfg.BackoffBase) * time.Second},
		id:           workerID,
		store:        store,
		pollInterval: cfg.PollInterval,
		logger:       logger.With(zap.String("workerID", workerID)),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() string {
	return w.id
}

// Start runs the worker loop in a background goroutine.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		if err := w.Run(ctx); err != nil {
			w.logger.Error("worker exited with error", zap.Error(err))
		}
	}()
}

// Stop signals the worker to shut down and blocks until it has: a claimed
// job is always executed and finalized before the loop exits, so stopping
// never strands a job in PROCESSING.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Run executes the worker loop until Stop is called or the context is
// canceled. A failing job command never makes Run return an error; only
// storage-level failures do, and those are fatal to the caller.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.doneCh)
	w.logger.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("worker stopped")
			return nil
		case <-ctx.Done():
			w.logger.Info("worker stopped", zap.Error(ctx.Err()))
			return nil
		default:
		}

		job, err := w.store.ClaimNext(ctx, w.id)
		if errors.Is(err, ErrLockTimeout) {
			// Contention exhausted the claim retries; treat like an empty
			// queue and poll again.
			w.sleep(ctx, w.pollInterval)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to claim job: %w", err)
		}
		if job == nil {
			w.sleep(ctx, w.pollInterval)
			continue
		}

		if err := w.process(ctx, job); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// process executes a claimed job and finalizes its outcome. The returned
// error is non-nil only for storage failures.
func (w *Worker) process(ctx context.Context, job *Job) error {
	w.logger.Info("processing job",
		zap.String("jobID", job.ID),
		zap.String("command", job.Command),
		zap.Int("attempt", job.Attempts),
		zap.Int("maxRetries", job.MaxRetries))

	execErr := w.Runner(ctx, job.Command)
	if execErr == nil {
		if err := w.store.MarkCompleted(ctx, job.ID); err != nil {
			return fmt.Errorf("failed to finalize job %s: %w", job.ID, err)
		}
		w.logger.Info("job completed", zap.String("jobID", job.ID))
		return nil
	}

	state, err := w.store.MarkFailed(ctx, job.ID, execErr.Error())
	if err != nil {
		return fmt.Errorf("failed to finalize job %s: %w", job.ID, err)
	}

	if state == StateDead {
		w.logger.Warn("job dead-lettered",
			zap.String("jobID", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.String("lastError", execErr.Error()))
		return nil
	}

	// The job is PENDING again and immediately claimable by other workers;
	// the backoff delays only this worker's next claim and holds no lock.
	delay := w.Backoff.Delay(job.Attempts)
	w.logger.Info("job failed, backing off",
		zap.String("jobID", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Duration("backoff", delay),
		zap.String("error", execErr.Error()))
	w.sleep(ctx, delay)
	return nil
}

// sleep waits for d unless shutdown is signaled first.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.stopCh:
	case <-ctx.Done():
	}
}
