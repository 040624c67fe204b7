// Package queue holds helpers shared by the durable queue store
// implementations (sqlite for production, memory for tests).
package queue

import (
	"fmt"

	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

// SpiderSet is the fixed set of spider types a store accepts.
type SpiderSet struct {
	names []string
	set   map[string]struct{}
}

// NewSpiderSet builds a SpiderSet from the configured spider names.
func NewSpiderSet(names []string) SpiderSet {
	s := SpiderSet{set: make(map[string]struct{}, len(names))}
	for _, name := range names {
		if _, dup := s.set[name]; dup {
			continue
		}
		s.set[name] = struct{}{}
		s.names = append(s.names, name)
	}
	return s
}

// Check returns a wrapped scheduler.ErrUnknownSpider for unconfigured types.
func (s SpiderSet) Check(spider string) error {
	if _, ok := s.set[spider]; !ok {
		return fmt.Errorf("queue for %q: %w", spider, scheduler.ErrUnknownSpider)
	}
	return nil
}

// Names returns the spider types in configuration order.
func (s SpiderSet) Names() []string {
	return append([]string(nil), s.names...)
}

// EmptyListing returns a map with an empty slice for every spider type.
func (s SpiderSet) EmptyListing() map[string][]scheduler.QueueEntry {
	out := make(map[string][]scheduler.QueueEntry, len(s.names))
	for _, name := range s.names {
		out[name] = []scheduler.QueueEntry{}
	}
	return out
}
