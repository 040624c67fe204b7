// Package local archives job logs on a filesystem.
package local

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Config captures the parameters for the filesystem archive.
type Config struct {
	// BaseDir is the root directory where logs will be stored.
	BaseDir string `mapstructure:"base_dir"`
}

// Archive writes logs below BaseDir.
type Archive struct {
	fs      afero.Fs
	baseDir string
}

// New creates the base directory on fs and checks it is writable.
func New(fs afero.Fs, cfg Config) (*Archive, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	baseDir := filepath.Clean(cfg.BaseDir)
	info, err := fs.Stat(baseDir)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	case err != nil:
		if mkErr := fs.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	}

	probe := filepath.Join(baseDir, ".writable_test")
	if err := afero.WriteFile(fs, probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := fs.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}
	return &Archive{fs: fs, baseDir: baseDir}, nil
}

// PutObject writes data to path below the base directory and returns a
// file:// URI.
func (a *Archive) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Clean(filepath.Join(a.baseDir, path))
	if !strings.HasPrefix(fullPath, a.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	if err := a.fs.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	if err := afero.WriteFile(a.fs, fullPath, data, 0o600); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("file://%s", fullPath), nil
}
