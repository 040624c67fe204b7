// Package memory records lifecycle notifications in memory. It backs the
// scheduler when no Pub/Sub project is configured and doubles as a test spy.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

// DefaultHistory is how many notifications New keeps.
const DefaultHistory = 1024

// Publisher keeps the most recent notifications, oldest first.
type Publisher struct {
	mu      sync.RWMutex
	limit   int
	seq     int
	history []Notification
}

// Notification is one recorded publish call.
type Notification struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a Publisher that retains DefaultHistory notifications.
func New() *Publisher {
	return NewWithHistory(DefaultHistory)
}

// NewWithHistory returns a Publisher that drops the oldest notification once
// limit is reached. A non-positive limit keeps everything.
func NewWithHistory(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Publish records the notification and returns a sequential pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	n := Notification{ID: fmt.Sprintf("memory-%d", p.seq), Topic: topic, Payload: payload}
	p.history = append(p.history, n)
	if p.limit > 0 && len(p.history) > p.limit {
		p.history = append(p.history[:0:0], p.history[len(p.history)-p.limit:]...)
	}
	return n.ID, nil
}

// Messages returns a copy of the retained notifications.
func (p *Publisher) Messages() []Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Notification(nil), p.history...)
}

// Events returns the retained scheduler events of the given type, in order.
func (p *Publisher) Events(eventType string) []scheduler.Event {
	return p.filter(func(ev scheduler.Event) bool { return ev.Type == eventType })
}

// JobEvents returns the retained lifecycle of one job.
func (p *Publisher) JobEvents(jobID string) []scheduler.Event {
	return p.filter(func(ev scheduler.Event) bool { return ev.JobID == jobID })
}

func (p *Publisher) filter(keep func(scheduler.Event) bool) []scheduler.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []scheduler.Event
	for _, n := range p.history {
		if ev, ok := n.Payload.(scheduler.Event); ok && keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}
