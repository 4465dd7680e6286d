// Package fileops resolves branch-specific filesystem locations and
// inspects build output: artifact discovery, directory sizing and disk
// space checks. All externally supplied path components are validated
// against their expected roots before use.
package fileops

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildbot/internal/logfields"
	"git.home.luguber.info/inful/buildbot/internal/task"
)

// artifactSlack tolerates filesystem timestamp granularity when matching
// an artifact against the task start time.
const artifactSlack = 5 * time.Second

const maxBranchNameLen = 100

// Options configure a Manager.
type Options struct {
	// WorkspaceRoot contains one checkout per branch.
	WorkspaceRoot string
	// PublishRoot is the base directory build artifacts land under.
	PublishRoot string
	// DiskWarnThreshold is the free-space floor in bytes below which
	// CheckDiskSpace returns a warning.
	DiskWarnThreshold uint64
	// SizeCacheTTL bounds how long computed directory sizes are reused.
	// Zero means 5 minutes.
	SizeCacheTTL time.Duration
}

// Manager performs all filesystem work on behalf of the orchestrator.
type Manager struct {
	opts Options

	mu        sync.Mutex
	sizeCache map[string]sizeEntry
}

type sizeEntry struct {
	at       time.Time
	sizeStr  string
	sizeByte int64
}

// NewManager creates a manager rooted at the configured directories.
func NewManager(opts Options) *Manager {
	if opts.SizeCacheTTL <= 0 {
		opts.SizeCacheTTL = 5 * time.Minute
	}
	return &Manager{opts: opts, sizeCache: make(map[string]sizeEntry)}
}

// GetBranchPaths resolves the script directory and publish root for a
// branch. Both resolved paths must stay inside their configured roots.
func (m *Manager) GetBranchPaths(branch string) (scriptDir, publishRoot string, err error) {
	if err := validateBranchName(branch); err != nil {
		return "", "", err
	}

	scriptDir = filepath.Join(m.opts.WorkspaceRoot, branch, "bat")
	publishRoot = filepath.Join(m.opts.PublishRoot, branch)

	if err := ensureWithin(scriptDir, m.opts.WorkspaceRoot); err != nil {
		return "", "", err
	}
	if err := ensureWithin(publishRoot, m.opts.PublishRoot); err != nil {
		return "", "", err
	}
	return scriptDir, publishRoot, nil
}

// GetLatestBuildInfo finds the most recently modified artifact directory
// under root. When after is non-zero, artifacts older than it (minus a
// small slack) are ignored: they belong to a previous build.
func (m *Manager) GetLatestBuildInfo(root string, after time.Time) (task.BuildInfo, bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to list publish root", logfields.Path(root), logfields.Error(err))
		}
		return task.BuildInfo{}, false
	}

	var (
		latest      string
		latestMtime time.Time
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if latest == "" || info.ModTime().After(latestMtime) {
			latest = entry.Name()
			latestMtime = info.ModTime()
		}
	}
	if latest == "" {
		return task.BuildInfo{}, false
	}

	if !after.IsZero() && latestMtime.Before(after.Add(-artifactSlack)) {
		return task.BuildInfo{}, false
	}

	artifactPath := filepath.Join(root, latest)
	sizeStr, sizeBytes := m.DirSize(artifactPath)
	return task.ParseBuildInfo(artifactPath, latest, sizeStr, sizeBytes), true
}

// DirSize computes the total size of regular files under path, with a TTL
// cache since artifact directories are large and immutable once written.
// Symlinks are not followed.
func (m *Manager) DirSize(path string) (string, int64) {
	key, err := filepath.Abs(path)
	if err != nil {
		key = path
	}

	m.mu.Lock()
	if entry, ok := m.sizeCache[key]; ok && time.Since(entry.at) < m.opts.SizeCacheTTL {
		m.mu.Unlock()
		return entry.sizeStr, entry.sizeByte
	}
	m.mu.Unlock()

	var total int64
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		slog.Warn("Failed to walk directory for sizing", logfields.Path(path), logfields.Error(err))
	}

	sizeStr := FormatSize(total)

	m.mu.Lock()
	m.sizeCache[key] = sizeEntry{at: time.Now(), sizeStr: sizeStr, sizeByte: total}
	m.mu.Unlock()

	return sizeStr, total
}

// FindBuildLog returns the conventional build log location under an
// artifact directory, if it exists.
func (m *Manager) FindBuildLog(artifactPath string) (string, bool) {
	logPath := filepath.Join(artifactPath, "buildlog", "build.log")
	if _, err := os.Stat(logPath); err != nil {
		return "", false
	}
	return logPath, true
}

// CheckDiskSpace reports a human-readable warning when free space on the
// publish volume drops below the configured threshold.
func (m *Manager) CheckDiskSpace() (string, bool) {
	free, err := freeBytes(m.opts.PublishRoot)
	if err != nil {
		slog.Warn("Failed to check disk space", logfields.Path(m.opts.PublishRoot), logfields.Error(err))
		return "", false
	}
	if free >= m.opts.DiskWarnThreshold {
		return "", false
	}
	return fmt.Sprintf("low disk space on publish volume: %s free", FormatSize(int64(free))), true
}

// FormatSize renders a byte count as MB or GB with two decimals.
func FormatSize(bytes int64) string {
	const (
		mb = 1 << 20
		gb = 1 << 30
	)
	if bytes >= gb {
		return fmt.Sprintf("%.2f GB", float64(bytes)/gb)
	}
	return fmt.Sprintf("%.2f MB", float64(bytes)/mb)
}

// validateBranchName rejects names that could traverse or break out of
// the workspace layout.
func validateBranchName(branch string) error {
	if branch == "" || len(branch) > maxBranchNameLen {
		return &SecurityError{Path: branch, Reason: "branch name empty or too long"}
	}
	if strings.ContainsAny(branch, `<>:"|?*/\`) || strings.ContainsRune(branch, 0) {
		return &SecurityError{Path: branch, Reason: "branch name contains forbidden characters"}
	}
	if strings.Contains(branch, "..") {
		return &SecurityError{Path: branch, Reason: "branch name attempts directory traversal"}
	}
	return nil
}

// ensureWithin verifies that path resolves inside root.
func ensureWithin(path, root string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return &SecurityError{Path: path, Reason: err.Error()}
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return &SecurityError{Path: root, Reason: err.Error()}
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &SecurityError{Path: path, Reason: fmt.Sprintf("resolves outside %s", root)}
	}
	return nil
}
