package scheduler

import (
	"time"
)

// JobStatus represents the lifecycle state of a dispatched crawl job.
type JobStatus string

// Job status values persisted in the ledger.
const (
	JobStatusStarted  JobStatus = "started"
	JobStatusFinished JobStatus = "finished"
)

// DateAddedLayout is the textual form used for QueueEntry.DateAdded.
const DateAddedLayout = "2006-01-02 15:04:05"

// QueueEntry is one deferred crawl request waiting for a free slot.
type QueueEntry struct {
	ID         int64     `json:"id"`
	SpiderType string    `json:"spider_type"`
	Params     Params    `json:"input_param"`
	DateAdded  time.Time `json:"date_added"`
}

// Job is the ledger row written for each dispatched execution.
type Job struct {
	ID         string     `json:"id"`
	SpiderType string     `json:"spider"`
	Params     Params     `json:"input_param"`
	Status     JobStatus  `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	Start      time.Time  `json:"start"`
	Finish     *time.Time `json:"finish,omitempty"`
	Log        string     `json:"log,omitempty"`
	JobDir     string     `json:"jobdir"`
}

// Finished reports whether the job has been finalized.
func (j Job) Finished() bool {
	return j.Status == JobStatusFinished
}

// BackendJob is one entry of the execution backend's job listing.
type BackendJob struct {
	ID        string `json:"id"`
	Spider    string `json:"spider"`
	StartTime string `json:"start_time,omitempty"`
	PID       int    `json:"pid,omitempty"`
}

// Listing is the backend's view of active work.
type Listing struct {
	Pending  []BackendJob `json:"pending"`
	Running  []BackendJob `json:"running"`
	Finished []BackendJob `json:"finished,omitempty"`
}

// Active returns pending and running jobs together.
func (l Listing) Active() []BackendJob {
	out := make([]BackendJob, 0, len(l.Pending)+len(l.Running))
	out = append(out, l.Pending...)
	out = append(out, l.Running...)
	return out
}

// HasSpider reports whether any pending or running job belongs to spider.
func (l Listing) HasSpider(spider string) bool {
	for _, job := range l.Active() {
		if job.Spider == spider {
			return true
		}
	}
	return false
}

// Outcome is the admission decision reported to callers.
type Outcome string

// Admission outcomes.
const (
	OutcomeScheduled Outcome = "scheduled"
	OutcomeQueued    Outcome = "queued"
	OutcomeIdle      Outcome = "idle"
	OutcomeError     Outcome = "error"
)

// Result is the structured response for submit and drain operations.
type Result struct {
	Success bool    `json:"success"`
	Status  Outcome `json:"status"`
	Message string  `json:"message"`
	JobID   string  `json:"job_id,omitempty"`
	QueueID int64   `json:"queue_id,omitempty"`
}
