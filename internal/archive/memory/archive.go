// Package memory keeps archived job logs in memory for development.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Archive stores objects in a map and returns memory:// URIs.
type Archive struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an empty Archive.
func New() *Archive {
	return &Archive{data: make(map[string][]byte)}
}

// PutObject stores a copy of data under path.
func (a *Archive) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[path] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", path), nil
}

// Object returns the stored bytes for path, or nil.
func (a *Archive) Object(path string) []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]byte(nil), a.data[path]...)
}
