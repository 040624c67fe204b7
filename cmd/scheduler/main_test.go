package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFailsOnMissingConfig(t *testing.T) {
	assert.Equal(t, 1, run([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}))
}

func TestRunFailsOnBadFlag(t *testing.T) {
	assert.Equal(t, 2, run([]string{"-no-such-flag"}))
}

func TestRunFailsWhenServicesCannotStart(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfgFile := filepath.Join(dir, "config.yaml")
	cfg := "backend:\n  provider: memory\n" +
		"queue:\n  provider: sqlite\n  path: " + filepath.Join(blocker, "queue.db") + "\n" +
		"housekeeping:\n  job_dir: " + filepath.Join(dir, "jobs") + "\n"
	require.NoError(t, os.WriteFile(cfgFile, []byte(cfg), 0o600))

	assert.Equal(t, 1, run([]string{"-config", cfgFile}))
}
