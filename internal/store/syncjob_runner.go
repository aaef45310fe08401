// Package store provides the SyncJobRunner for executing durable sync jobs.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SyncJobHandler is a function that executes a job's work. It receives the
// job's payload JSON and returns an error if the execution failed.
type SyncJobHandler func(ctx context.Context, payload string) error

// SyncJobTerminalHandler is invoked once when a job exhausts its attempts and
// goes permanently failed. It must not block for long.
type SyncJobTerminalHandler func(ctx context.Context, payload string, errMsg string)

// SyncJobRunner periodically claims due jobs from the database and dispatches
// them to registered handlers.
type SyncJobRunner struct {
	repo           SyncJobRepo
	handlers       map[string]SyncJobHandler
	terminal       map[string]SyncJobTerminalHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// NewSyncJobRunner creates a new SyncJobRunner.
func NewSyncJobRunner(repo SyncJobRepo, pollInterval time.Duration) *SyncJobRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &SyncJobRunner{
		repo:           repo,
		handlers:       make(map[string]SyncJobHandler),
		terminal:       make(map[string]SyncJobTerminalHandler),
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
	}
}

// RegisterHandler registers a handler for a given job kind.
func (r *SyncJobRunner) RegisterHandler(kind string, handler SyncJobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("SyncJobRunner.RegisterHandler", "kind", kind)
}

// RegisterTerminalHandler registers a callback fired when a job of the given
// kind fails for the last time.
func (r *SyncJobRunner) RegisterTerminalHandler(kind string, handler SyncJobTerminalHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminal[kind] = handler
	slog.Debug("SyncJobRunner.RegisterTerminalHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when the process crashed.
// Should be called once at startup.
func (r *SyncJobRunner) RecoverStaleJobs() error {
	staleBefore := time.Now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningSyncJobs(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("SyncJobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (r *SyncJobRunner) Run(ctx context.Context) {
	slog.Info("SyncJobRunner.Run: starting job runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("SyncJobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *SyncJobRunner) poll(ctx context.Context) {
	now := time.Now()
	jobs, err := r.repo.ClaimDueSyncJobs(now, r.claimLimit)
	if err != nil {
		slog.Error("SyncJobRunner.poll: claim failed", "error", err)
		return
	}

	for _, job := range jobs {
		r.mu.RLock()
		handler, ok := r.handlers[job.Kind]
		r.mu.RUnlock()

		if !ok {
			slog.Warn("SyncJobRunner.poll: no handler for job kind", "kind", job.Kind, "id", job.ID)
			nextRun := now.Add(time.Minute)
			if err := r.repo.FailSyncJob(job.ID, "no handler registered for kind: "+job.Kind, nextRun); err != nil {
				slog.Error("SyncJobRunner.poll: fail job error", "id", job.ID, "error", err)
			}
			continue
		}

		slog.Debug("SyncJobRunner.poll: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		if err := handler(ctx, job.PayloadJSON); err != nil {
			slog.Error("SyncJobRunner.poll: job execution failed", "id", job.ID, "kind", job.Kind, "error", err)
			// Exponential backoff: 30s, 60s, 120s, ...
			backoff := time.Duration(30*(1<<job.Attempt)) * time.Second
			nextRun := now.Add(backoff)
			if failErr := r.repo.FailSyncJob(job.ID, err.Error(), nextRun); failErr != nil {
				slog.Error("SyncJobRunner.poll: fail job error", "id", job.ID, "error", failErr)
			}
			if job.Attempt+1 >= job.MaxAttempts {
				r.mu.RLock()
				terminal, hasTerminal := r.terminal[job.Kind]
				r.mu.RUnlock()
				if hasTerminal {
					slog.Warn("SyncJobRunner.poll: job permanently failed", "id", job.ID, "kind", job.Kind)
					terminal(ctx, job.PayloadJSON, err.Error())
				}
			}
		} else {
			if err := r.repo.CompleteSyncJob(job.ID); err != nil {
				slog.Error("SyncJobRunner.poll: complete job error", "id", job.ID, "error", err)
			}
			slog.Debug("SyncJobRunner.poll: job completed", "id", job.ID, "kind", job.Kind)
		}
	}
}
