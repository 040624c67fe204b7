// Package memory is an in-process execution backend for local development
// and tests. Submitted jobs stay running until Finish or Cancel is called.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

// JobIDGenerator issues backend job ids.
type JobIDGenerator interface {
	NewJobID() (string, error)
}

// Submission is a recorded Submit call.
type Submission struct {
	JobID  string
	Spider string
	Params scheduler.Params
}

// Backend implements scheduler.Backend in memory.
type Backend struct {
	mu          sync.Mutex
	ids         JobIDGenerator
	clock       scheduler.Clock
	running     []scheduler.BackendJob
	finished    []scheduler.BackendJob
	logs        map[string]string
	submissions []Submission

	listErr   error
	submitErr error
}

// New constructs an empty Backend.
func New(ids JobIDGenerator, clock scheduler.Clock) *Backend {
	return &Backend{ids: ids, clock: clock, logs: make(map[string]string)}
}

// FailListing makes ListJobs return err until reset with nil.
func (b *Backend) FailListing(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listErr = err
}

// FailSubmit makes Submit return err until reset with nil.
func (b *Backend) FailSubmit(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitErr = err
}

// ListJobs returns a snapshot of running and finished jobs.
func (b *Backend) ListJobs(ctx context.Context) (scheduler.Listing, error) {
	if err := ctx.Err(); err != nil {
		return scheduler.Listing{}, fmt.Errorf("listjobs: %w: %w", scheduler.ErrBackendUnavailable, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return scheduler.Listing{}, b.listErr
	}
	return scheduler.Listing{
		Pending:  []scheduler.BackendJob{},
		Running:  append([]scheduler.BackendJob{}, b.running...),
		Finished: append([]scheduler.BackendJob{}, b.finished...),
	}, nil
}

// Submit starts a job immediately.
func (b *Backend) Submit(ctx context.Context, spider string, params scheduler.Params) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("schedule %s: %w: %w", spider, scheduler.ErrBackendUnavailable, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return "", b.submitErr
	}
	id, err := b.ids.NewJobID()
	if err != nil {
		return "", fmt.Errorf("schedule %s: %w", spider, err)
	}
	b.running = append(b.running, scheduler.BackendJob{
		ID:        id,
		Spider:    spider,
		StartTime: b.clock.Now().Format(time.DateTime),
	})
	b.submissions = append(b.submissions, Submission{JobID: id, Spider: spider, Params: params.Clone()})
	return id, nil
}

// Cancel stops a running job.
func (b *Backend) Cancel(_ context.Context, jobID string) (bool, error) {
	return b.finish(jobID, "cancelled"), nil
}

// Finish marks a running job done with the given log text.
func (b *Backend) Finish(jobID, log string) bool {
	return b.finish(jobID, log)
}

func (b *Backend) finish(jobID, log string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, job := range b.running {
		if job.ID != jobID {
			continue
		}
		b.running = append(b.running[:i], b.running[i+1:]...)
		b.finished = append(b.finished, job)
		b.logs[jobID] = log
		return true
	}
	return false
}

// FetchLog returns the log saved at finish time.
func (b *Backend) FetchLog(_ context.Context, _ string, jobID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	log, ok := b.logs[jobID]
	if !ok {
		return "", fmt.Errorf("fetch log %s: %w", jobID, scheduler.ErrNotFound)
	}
	return log, nil
}

// Submissions returns every accepted Submit call in order.
func (b *Backend) Submissions() []Submission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Submission(nil), b.submissions...)
}
