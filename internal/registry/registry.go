// Package registry maps spider types to their declared capabilities. The
// scheduler only uses it to validate spider types and fill defaults; it never
// executes a spider.
package registry

import (
	"fmt"
	"sort"
	"strings"
)

// Capability describes what a spider type offers to the crawl executor.
type Capability struct {
	Name            string   `mapstructure:"name"`
	ParseEntrypoint string   `mapstructure:"entrypoint"`
	Fields          []string `mapstructure:"fields"`
	DefaultDelay    string   `mapstructure:"delay"`
}

// Registry is an immutable lookup of spider capabilities.
type Registry struct {
	spiders map[string]Capability
	names   []string
}

// New builds a Registry, rejecting blank or duplicated names.
func New(caps []Capability) (*Registry, error) {
	r := &Registry{spiders: make(map[string]Capability, len(caps))}
	for _, c := range caps {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("spider name is required")
		}
		if _, dup := r.spiders[name]; dup {
			return nil, fmt.Errorf("duplicate spider %q", name)
		}
		c.Name = name
		if c.DefaultDelay == "" {
			c.DefaultDelay = "1"
		}
		r.spiders[name] = c
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Default returns the registry of the five sparepart spiders.
func Default() *Registry {
	r, err := New(DefaultCapabilities())
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultCapabilities lists the built-in spiders and their download delays.
func DefaultCapabilities() []Capability {
	return []Capability{
		{Name: "isuzu", ParseEntrypoint: "parse", Fields: []string{"part_number", "description", "qty"}, DefaultDelay: "1"},
		{Name: "daihatsu", ParseEntrypoint: "parse", Fields: []string{"part_number", "part_name", "price"}, DefaultDelay: "1"},
		{Name: "suzuki", ParseEntrypoint: "parse", Fields: []string{"part_number", "part_name", "price"}, DefaultDelay: "1"},
		{Name: "megazip", ParseEntrypoint: "parse", Fields: []string{"part_number", "part_name", "price"}, DefaultDelay: "15"},
		{Name: "parts.com", ParseEntrypoint: "parse", Fields: []string{"part_number", "part_name", "price"}, DefaultDelay: "15"},
	}
}

// Lookup returns the capability for spider.
func (r *Registry) Lookup(spider string) (Capability, bool) {
	c, ok := r.spiders[spider]
	return c, ok
}

// Known reports whether spider is configured.
func (r *Registry) Known(spider string) bool {
	_, ok := r.spiders[spider]
	return ok
}

// Names returns the configured spider types in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// DefaultDelay returns the configured download delay for spider.
func (r *Registry) DefaultDelay(spider string) string {
	return r.spiders[spider].DefaultDelay
}
