// Package history persists build outcomes and durations in SQLite and
// answers duration estimates and trend statistics per (branch, strategy)
// key.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/buildbot/internal/task"
)

// Trend classifies how recent build durations compare to older ones.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

const defaultMaxEntries = 50

// Record is one completed build as stored.
type Record struct {
	ID         int64         `json:"id"`
	Key        string        `json:"key"`
	Branch     string        `json:"branch"`
	Strategy   string        `json:"strategy"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// KeyStats summarizes recent builds for one key.
type KeyStats struct {
	Count       int           `json:"count"`
	Average     time.Duration `json:"average"`
	Min         time.Duration `json:"min"`
	Max         time.Duration `json:"max"`
	Latest      time.Duration `json:"latest"`
	Trend       string        `json:"trend"`
	SuccessRate float64       `json:"success_rate"`
}

// Store is a SQLite-backed build history.
type Store struct {
	db         *sql.DB
	mu         sync.RWMutex
	maxEntries int
}

// NewStore opens (or creates) the history database. Use ":memory:" for an
// ephemeral store. maxEntries bounds how many recent builds per key feed
// estimates and statistics; zero picks a default.
func NewStore(dbPath string, maxEntries int) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	s := &Store{db: db, maxEntries: maxEntries}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS builds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		branch TEXT NOT NULL,
		strategy TEXT NOT NULL,
		success INTEGER NOT NULL,
		duration_seconds REAL NOT NULL,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_builds_key ON builds(key);
	CREATE INDEX IF NOT EXISTS idx_builds_branch ON builds(branch);
	CREATE INDEX IF NOT EXISTS idx_builds_recorded_at ON builds(recorded_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordResult stores the outcome of a finished build.
func (s *Store) RecordResult(ctx context.Context, result *task.BuildResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := result.Task
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO builds (key, branch, strategy, success, duration_seconds, recorded_at) VALUES (?, ?, ?, ?, ?, ?)",
		t.Key(), t.Branch, string(t.Strategy), boolToInt(result.Success),
		result.Duration.Seconds(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert build record: %w", err)
	}
	return nil
}

// EstimatedDuration averages the most recent builds for a key. The second
// return is false when no history exists yet.
func (s *Store) EstimatedDuration(ctx context.Context, key string) (time.Duration, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	durations, _, err := s.recentForKey(ctx, key)
	if err != nil {
		return 0, false, err
	}
	if len(durations) == 0 {
		return 0, false, nil
	}

	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return total / time.Duration(len(durations)), true, nil
}

// Stats returns per-key summaries over each key's recent builds.
func (s *Store) Stats(ctx context.Context) (map[string]KeyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT key FROM builds ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("query history keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan history key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history keys: %w", err)
	}

	stats := make(map[string]KeyStats, len(keys))
	for _, key := range keys {
		durations, successes, err := s.recentForKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(durations) == 0 {
			continue
		}
		stats[key] = summarize(durations, successes)
	}
	return stats, nil
}

// LastSuccess returns when the branch last completed a successful build.
func (s *Store) LastSuccess(ctx context.Context, branch string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recordedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT recorded_at FROM builds WHERE branch = ? AND success = 1 ORDER BY recorded_at DESC LIMIT 1",
		branch,
	).Scan(&recordedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last success: %w", err)
	}
	return time.Unix(recordedAt, 0), true, nil
}

// Recent lists the newest records across all keys, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, key, branch, strategy, success, duration_seconds, recorded_at FROM builds ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent builds: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r           Record
			success     int
			durationSec float64
			recordedAt  int64
		)
		if err := rows.Scan(&r.ID, &r.Key, &r.Branch, &r.Strategy, &success, &durationSec, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan build record: %w", err)
		}
		r.Success = success != 0
		r.Duration = time.Duration(durationSec * float64(time.Second))
		r.RecordedAt = time.Unix(recordedAt, 0)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate build records: %w", err)
	}
	return records, nil
}

// Clear removes history for one key, or everything when key is empty.
func (s *Store) Clear(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if key == "" {
		_, err = s.db.ExecContext(ctx, "DELETE FROM builds")
	} else {
		_, err = s.db.ExecContext(ctx, "DELETE FROM builds WHERE key = ?", key)
	}
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// recentForKey returns the newest maxEntries durations for a key in
// chronological order, alongside their success flags.
func (s *Store) recentForKey(ctx context.Context, key string) ([]time.Duration, []bool, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT duration_seconds, success FROM builds WHERE key = ? ORDER BY id DESC LIMIT ?",
		key, s.maxEntries,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query builds for key: %w", err)
	}
	defer rows.Close()

	var (
		durations []time.Duration
		successes []bool
	)
	for rows.Next() {
		var (
			durationSec float64
			success     int
		)
		if err := rows.Scan(&durationSec, &success); err != nil {
			return nil, nil, fmt.Errorf("scan build duration: %w", err)
		}
		durations = append(durations, time.Duration(durationSec*float64(time.Second)))
		successes = append(successes, success != 0)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate build durations: %w", err)
	}

	// Rows came newest-first; flip to chronological for trend analysis.
	for i, j := 0, len(durations)-1; i < j; i, j = i+1, j-1 {
		durations[i], durations[j] = durations[j], durations[i]
		successes[i], successes[j] = successes[j], successes[i]
	}
	return durations, successes, nil
}

func summarize(durations []time.Duration, successes []bool) KeyStats {
	stats := KeyStats{
		Count:  len(durations),
		Min:    durations[0],
		Max:    durations[0],
		Latest: durations[len(durations)-1],
		Trend:  calculateTrend(durations),
	}

	var total time.Duration
	succeeded := 0
	for i, d := range durations {
		total += d
		if d < stats.Min {
			stats.Min = d
		}
		if d > stats.Max {
			stats.Max = d
		}
		if successes[i] {
			succeeded++
		}
	}
	stats.Average = total / time.Duration(len(durations))
	stats.SuccessRate = float64(succeeded) / float64(len(durations))
	return stats
}

// calculateTrend compares the recent half against the older half; a shift
// of more than 10% either way counts as a trend.
func calculateTrend(durations []time.Duration) string {
	if len(durations) < 2 {
		return TrendStable
	}

	mid := len(durations) / 2
	olderAvg := average(durations[:mid])
	recentAvg := average(durations[mid:])
	if olderAvg == 0 {
		return TrendStable
	}

	change := (recentAvg - olderAvg) / olderAvg * 100
	switch {
	case change > 10:
		return TrendIncreasing
	case change < -10:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func average(durations []time.Duration) float64 {
	if len(durations) == 0 {
		return 0
	}
	var total float64
	for _, d := range durations {
		total += d.Seconds()
	}
	return total / float64(len(durations))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// FormatDuration renders a duration the way build estimates are shown:
// "1h 5m 30s", or "5m 30s" under an hour.
func FormatDuration(d time.Duration) string {
	total := int(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
