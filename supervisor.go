package queuectl

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Pool runs a fixed number of workers inside the current process, each with
// its own Worker loop against the shared store.
type Pool struct {
	workers []*Worker
	logger  *zap.Logger
}

// NewPool creates count workers. Worker IDs embed the process ID so claims
// recorded in the store identify both the process and the slot.
func NewPool(count int, store *Store, cfg *Config, logger *zap.Logger) *Pool {
	workers := make([]*Worker, 0, count)
	for i := 1; i <= count; i++ {
		id := fmt.Sprintf("worker-%d-%d", os.Getpid(), i)
		workers = append(workers, NewWorker(id, store, cfg, logger))
	}
	return &Pool{workers: workers, logger: logger}
}

// Run starts every worker and blocks until ctx is canceled (typically by a
// termination signal), then drains: each worker finishes its in-flight job
// before the pool returns. Worker loops themselves are not canceled
// mid-execution; shutdown is cooperative.
func (p *Pool) Run(ctx context.Context) error {
	runCtx := context.Background()
	for _, w := range p.workers {
		w.Start(runCtx)
	}
	p.logger.Info("worker pool started", zap.Int("count", len(p.workers)))

	<-ctx.Done()
	p.logger.Info("worker pool shutting down")

	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

// WorkerProcess describes one tracked worker pool process.
type WorkerProcess struct {
	PID       int
	Running   bool
	CPUPct    float64
	MemoryMB  float64
	StartedAt time.Time
}

// Supervisor starts, stops, and inspects detached worker pool processes.
// Process identities are tracked in a pidfile under the data directory so a
// later CLI invocation can find and signal them.
type Supervisor struct {
	cfg    *Config
	logger *zap.Logger
}

// NewSupervisor creates a supervisor for the given config.
func NewSupervisor(cfg *Config, logger *zap.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, logger: logger}
}

// StartDetached launches a background pool process running count workers
// and records its PID. The child is a fresh invocation of this binary, so
// it opens its own store handle; nothing is inherited across the process
// boundary.
func (s *Supervisor) StartDetached(count int) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to resolve executable: %w", err)
	}

	cmd := exec.Command(exe, "worker", "run",
		"--count", strconv.Itoa(count),
		"--data-dir", s.cfg.DataDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start worker pool process: %w", err)
	}
	// Reap the child when it exits so it never lingers as a zombie while
	// this process is still alive.
	go func() { _ = cmd.Wait() }()

	pid := cmd.Process.Pid
	if err := s.appendPID(pid); err != nil {
		return 0, fmt.Errorf("failed to record worker pool PID: %w", err)
	}

	s.logger.Info("worker pool process started",
		zap.Int("pid", pid),
		zap.Int("count", count))
	return pid, nil
}

// Stop sends SIGTERM to every tracked pool process, waits up to the
// configured stop timeout for each to exit, and clears the pidfile.
// Stale PIDs (processes already gone) are dropped silently.
func (s *Supervisor) Stop(ctx context.Context) error {
	pids, err := s.readPIDs()
	if err != nil {
		return err
	}
	if len(pids) == 0 {
		return ErrNoWorkersTracked
	}

	for _, pid := range pids {
		proc, err := process.NewProcess(int32(pid))
		if err != nil {
			s.logger.Warn("stale worker PID", zap.Int("pid", pid))
			continue
		}
		if err := proc.TerminateWithContext(ctx); err != nil {
			s.logger.Warn("failed to signal worker pool process",
				zap.Int("pid", pid), zap.Error(err))
			continue
		}
		s.logger.Info("sent SIGTERM to worker pool process", zap.Int("pid", pid))

		if err := s.waitForExit(ctx, proc); err != nil {
			s.logger.Warn("worker pool process did not exit in time",
				zap.Int("pid", pid), zap.Error(err))
		}
	}

	return s.clearPIDFile()
}

// waitForExit polls until the process is gone or the stop timeout elapses.
func (s *Supervisor) waitForExit(ctx context.Context, proc *process.Process) error {
	deadline := time.Now().Add(s.cfg.StopTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		running, err := proc.IsRunningWithContext(ctx)
		if err != nil || !running {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("still running after %s", s.cfg.StopTimeout)
}

// Status reports every tracked pool process. Stale PIDs are reported with
// Running=false and pruned from the pidfile.
func (s *Supervisor) Status(ctx context.Context) ([]WorkerProcess, error) {
	pids, err := s.readPIDs()
	if err != nil {
		return nil, err
	}

	statuses := make([]WorkerProcess, 0, len(pids))
	live := make([]int, 0, len(pids))
	for _, pid := range pids {
		status := WorkerProcess{PID: pid}
		proc, err := process.NewProcess(int32(pid))
		if err == nil {
			if running, _ := proc.IsRunningWithContext(ctx); running {
				status.Running = true
				live = append(live, pid)
				if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
					status.CPUPct = pct
				}
				if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
					status.MemoryMB = float64(mem.RSS) / (1024 * 1024)
				}
				if created, err := proc.CreateTimeWithContext(ctx); err == nil {
					status.StartedAt = time.UnixMilli(created)
				}
			}
		}
		statuses = append(statuses, status)
	}

	if len(live) != len(pids) {
		if err := s.writePIDs(live); err != nil {
			return statuses, err
		}
	}
	return statuses, nil
}

func (s *Supervisor) readPIDs() ([]int, error) {
	data, err := os.ReadFile(s.cfg.PIDFile())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pidfile: %w", err)
	}

	pids := make([]int, 0)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("corrupt pidfile entry %q: %w", line, err)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func (s *Supervisor) writePIDs(pids []int) error {
	if len(pids) == 0 {
		return s.clearPIDFile()
	}
	var b strings.Builder
	for _, pid := range pids {
		fmt.Fprintf(&b, "%d\n", pid)
	}
	if err := os.WriteFile(s.cfg.PIDFile(), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

func (s *Supervisor) appendPID(pid int) error {
	pids, err := s.readPIDs()
	if err != nil {
		return err
	}
	return s.writePIDs(append(pids, pid))
}

func (s *Supervisor) clearPIDFile() error {
	err := os.Remove(s.cfg.PIDFile())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}
