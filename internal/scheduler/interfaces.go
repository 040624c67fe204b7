package scheduler

import (
	"context"
	"time"
)

// QueueStore is the durable per-spider FIFO of deferred requests.
type QueueStore interface {
	Push(ctx context.Context, spider string, params Params) (QueueEntry, error)
	// Pop atomically removes and returns the lowest-id entry. ok is false when
	// the queue is empty.
	Pop(ctx context.Context, spider string) (entry QueueEntry, ok bool, err error)
	Delete(ctx context.Context, spider string, id int64) (bool, error)
	Count(ctx context.Context, spider string) (int, error)
	ListAll(ctx context.Context) (map[string][]QueueEntry, error)
}

// Ledger records dispatched jobs.
type Ledger interface {
	Record(ctx context.Context, job Job) error
	// Finalize closes a job once. A second call for a finished job is a no-op;
	// a missing id returns ErrNotFound.
	Finalize(ctx context.Context, jobID, reason, log string, finishedAt time.Time) error
	Lookup(ctx context.Context, jobID string) (string, error)
	Get(ctx context.Context, jobID string) (Job, error)
}

// Backend is the execution backend RPC surface.
type Backend interface {
	ListJobs(ctx context.Context) (Listing, error)
	Submit(ctx context.Context, spider string, params Params) (string, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	FetchLog(ctx context.Context, spider, jobID string) (string, error)
}

// Publisher pushes lifecycle notifications (Pub/Sub or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// LogArchive stores finalized job logs and returns a URI.
type LogArchive interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Event is the payload published on job lifecycle transitions.
type Event struct {
	Type       string    `json:"type"`
	SpiderType string    `json:"spider"`
	JobID      string    `json:"job_id"`
	Reason     string    `json:"reason,omitempty"`
	JobDir     string    `json:"jobdir,omitempty"`
	LogURI     string    `json:"log_uri,omitempty"`
	At         time.Time `json:"at"`
}

// Event types.
const (
	EventDispatched = "dispatched"
	EventFinished   = "finished"
)
