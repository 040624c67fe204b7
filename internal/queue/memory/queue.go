// Package memory provides a queue store for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/sparepart-scheduler/internal/queue"
	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

// Queue is an in-memory per-spider FIFO. It is not durable.
type Queue struct {
	mu      sync.Mutex
	spiders queue.SpiderSet
	entries map[string][]scheduler.QueueEntry
	nextID  int64
	clock   scheduler.Clock
}

// NewQueue constructs a queue accepting the given spider types.
func NewQueue(spiders []string, clock scheduler.Clock) *Queue {
	set := queue.NewSpiderSet(spiders)
	return &Queue{
		spiders: set,
		entries: set.EmptyListing(),
		clock:   clock,
	}
}

// Push appends an entry with the next id.
func (q *Queue) Push(ctx context.Context, spider string, params scheduler.Params) (scheduler.QueueEntry, error) {
	if err := q.spiders.Check(spider); err != nil {
		return scheduler.QueueEntry{}, err
	}
	if err := ctx.Err(); err != nil {
		return scheduler.QueueEntry{}, fmt.Errorf("push canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	entry := scheduler.QueueEntry{
		ID:         q.nextID,
		SpiderType: spider,
		Params:     params.Clone(),
		DateAdded:  q.clock.Now().Truncate(time.Second),
	}
	q.entries[spider] = append(q.entries[spider], entry)
	return entry, nil
}

// Pop removes and returns the oldest entry.
func (q *Queue) Pop(ctx context.Context, spider string) (scheduler.QueueEntry, bool, error) {
	if err := q.spiders.Check(spider); err != nil {
		return scheduler.QueueEntry{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return scheduler.QueueEntry{}, false, fmt.Errorf("pop canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.entries[spider]
	if len(pending) == 0 {
		return scheduler.QueueEntry{}, false, nil
	}
	head := pending[0]
	q.entries[spider] = pending[1:]
	return head, true, nil
}

// Delete removes the entry with id, reporting whether it existed.
func (q *Queue) Delete(_ context.Context, spider string, id int64) (bool, error) {
	if err := q.spiders.Check(spider); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.entries[spider]
	for i, entry := range pending {
		if entry.ID == id {
			q.entries[spider] = append(pending[:i:i], pending[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Count returns the number of queued entries for spider.
func (q *Queue) Count(_ context.Context, spider string) (int, error) {
	if err := q.spiders.Check(spider); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries[spider]), nil
}

// ListAll returns a copy of every queue.
func (q *Queue) ListAll(_ context.Context) (map[string][]scheduler.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.spiders.EmptyListing()
	for spider, pending := range q.entries {
		for _, entry := range pending {
			entry.Params = entry.Params.Clone()
			out[spider] = append(out[spider], entry)
		}
	}
	return out, nil
}
