// Package housekeeping allocates crawl job directories and prunes old ones.
//
// A job directory is named <spider>_<merk>_<model>_<timestamp> where the
// timestamp uses JobDirLayout. Retention keeps the newest MaxJobDirs
// directories per spider and removes the rest.
package housekeeping

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/sparepart-scheduler/internal/logging"
	"github.com/JakeFAU/sparepart-scheduler/internal/metrics"
)

// JobDirLayout is the timestamp suffix of every job directory name.
const JobDirLayout = "2006_01_02_15_04_05"

// DefaultMaxJobDirs is the retention count when none is configured.
const DefaultMaxJobDirs = 10

var invalidFilenameChars = regexp.MustCompile(`[^\p{L}\p{N}_.-]`)

// ValidFilename turns s into a single safe path segment.
func ValidFilename(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "_")
	return strings.Trim(invalidFilenameChars.ReplaceAllString(s, ""), ".")
}

// Config controls directory placement and retention.
type Config struct {
	Root       string
	MaxJobDirs int
}

// Keeper owns the job directory root.
type Keeper struct {
	fs     afero.Fs
	root   string
	max    int
	logger *zap.Logger
}

// New builds a Keeper on fs.
func New(fs afero.Fs, cfg Config, logger *zap.Logger) *Keeper {
	maxDirs := cfg.MaxJobDirs
	if maxDirs <= 0 {
		maxDirs = DefaultMaxJobDirs
	}
	root := cfg.Root
	if root == "" {
		root = "data/crawljobs"
	}
	return &Keeper{fs: fs, root: path.Clean(root), max: maxDirs, logger: logging.Named(logger, "housekeeping")}
}

// Root returns the job directory root.
func (k *Keeper) Root() string {
	return k.root
}

// JobDir returns the directory path for a new job. Every component is
// reduced to a single path segment so the result always sits directly under
// Root. Nothing is created.
func (k *Keeper) JobDir(spider, merk, model string, now time.Time) string {
	name := fmt.Sprintf("%s_%s_%s_%s",
		ValidFilename(spider), ValidFilename(merk), ValidFilename(model), now.Format(JobDirLayout))
	return path.Join(k.root, name)
}

type jobDir struct {
	name string
	at   time.Time
}

// Prune removes the oldest directories of spider beyond the retention count
// and returns how many were removed. Errors are logged, never returned.
func (k *Keeper) Prune(spider string) int {
	if err := k.fs.MkdirAll(k.root, 0o750); err != nil {
		k.logger.Warn("create job dir root failed", zap.String("root", k.root), zap.Error(err))
		return 0
	}
	entries, err := afero.ReadDir(k.fs, k.root)
	if err != nil {
		k.logger.Warn("list job dirs failed", zap.String("root", k.root), zap.Error(err))
		return 0
	}

	var dirs []jobDir
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		owner, _, _ := strings.Cut(name, "_")
		if owner != spider {
			continue
		}
		at, ok := dirTimestamp(name)
		if !ok {
			k.logger.Debug("skipping job dir without timestamp", zap.String("dir", name))
			continue
		}
		dirs = append(dirs, jobDir{name: name, at: at})
	}
	if len(dirs) <= k.max {
		return 0
	}

	sort.SliceStable(dirs, func(i, j int) bool { return dirs[i].at.After(dirs[j].at) })
	removed := 0
	for _, dir := range dirs[k.max:] {
		target := path.Join(k.root, dir.name)
		if err := k.fs.RemoveAll(target); err != nil {
			k.logger.Warn("remove job dir failed", zap.String("spider", spider), zap.String("dir", target), zap.Error(err))
			continue
		}
		removed++
		k.logger.Info("removed job dir", zap.String("spider", spider), zap.String("dir", target))
	}
	metrics.ObserveHousekeepingRemovals(spider, removed)
	return removed
}

// dirTimestamp parses the last six "_" separated tokens of name.
func dirTimestamp(name string) (time.Time, bool) {
	parts := strings.Split(name, "_")
	if len(parts) < 7 {
		return time.Time{}, false
	}
	at, err := time.Parse(JobDirLayout, strings.Join(parts[len(parts)-6:], "_"))
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}
