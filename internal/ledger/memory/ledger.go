// Package memory provides an in-memory job ledger for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

// Ledger keeps dispatched jobs in a map.
type Ledger struct {
	mu   sync.RWMutex
	jobs map[string]scheduler.Job
}

// NewLedger constructs an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{jobs: make(map[string]scheduler.Job)}
}

// Record stores a newly dispatched job in started status.
func (l *Ledger) Record(_ context.Context, job scheduler.Job) error {
	if job.ID == "" {
		return fmt.Errorf("record job: %w: job id is required", scheduler.ErrValidation)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.jobs[job.ID]; exists {
		return fmt.Errorf("record job %s: %w: already exists", job.ID, scheduler.ErrStorage)
	}
	job.Params = job.Params.Clone()
	if job.Status == "" {
		job.Status = scheduler.JobStatusStarted
	}
	l.jobs[job.ID] = job
	return nil
}

// Finalize closes the job once; repeated calls leave the first values intact.
func (l *Ledger) Finalize(_ context.Context, jobID, reason, log string, finishedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return fmt.Errorf("finalize job %s: %w", jobID, scheduler.ErrNotFound)
	}
	if job.Finished() {
		return nil
	}
	job.Status = scheduler.JobStatusFinished
	job.Reason = reason
	job.Log = log
	finished := finishedAt
	job.Finish = &finished
	l.jobs[jobID] = job
	return nil
}

// Lookup returns the job directory recorded for jobID.
func (l *Ledger) Lookup(ctx context.Context, jobID string) (string, error) {
	job, err := l.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.JobDir, nil
}

// Get fetches a job by id.
func (l *Ledger) Get(_ context.Context, jobID string) (scheduler.Job, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return scheduler.Job{}, fmt.Errorf("get job %s: %w", jobID, scheduler.ErrNotFound)
	}
	job.Params = job.Params.Clone()
	return job, nil
}

// Jobs returns every recorded job ordered by start time.
func (l *Ledger) Jobs() []scheduler.Job {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]scheduler.Job, 0, len(l.jobs))
	for _, job := range l.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}
