package queue

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"git.home.luguber.info/inful/buildbot/internal/logfields"
	"git.home.luguber.info/inful/buildbot/internal/task"
)

// snapshot is the on-disk queue record, rewritten wholesale on every
// mutating operation.
type snapshot struct {
	Tasks      []persistedTask `json:"tasks"`
	Statistics statistics      `json:"statistics"`
}

type persistedTask struct {
	Task     *task.BuildTask `json:"task"`
	Priority task.Priority   `json:"priority"`
	QueuedAt time.Time       `json:"queued_at"`
}

type statistics struct {
	TotalEnqueued int64 `json:"total_enqueued"`
	TotalDequeued int64 `json:"total_dequeued"`
}

// persistLocked writes the full queue snapshot. Persistence failures are
// logged, not returned: losing a snapshot must not fail the queue
// operation that already happened in memory. Caller holds mu.
func (q *TaskQueue) persistLocked() {
	if q.persistFile == "" {
		return
	}

	snap := snapshot{
		Tasks: make([]persistedTask, 0, len(q.entries.items)),
		Statistics: statistics{
			TotalEnqueued: q.totalEnqueued,
			TotalDequeued: q.totalDequeued,
		},
	}
	for _, qt := range q.sortedLocked() {
		snap.Tasks = append(snap.Tasks, persistedTask{Task: qt.Task, Priority: qt.Priority, QueuedAt: qt.QueuedAt})
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		slog.Warn("Failed to marshal queue snapshot", logfields.Error(err))
		return
	}

	if err := os.MkdirAll(filepath.Dir(q.persistFile), 0755); err != nil {
		slog.Warn("Failed to create queue snapshot directory", logfields.Error(err))
		return
	}

	// Atomic write using a temporary file so a crash mid-write never
	// leaves a truncated snapshot behind.
	tempPath := q.persistFile + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		slog.Warn("Failed to write queue snapshot", logfields.Path(tempPath), logfields.Error(err))
		return
	}
	if err := os.Rename(tempPath, q.persistFile); err != nil {
		slog.Warn("Failed to replace queue snapshot", logfields.Path(q.persistFile), logfields.Error(err))
	}
}

// load restores the queue from the persisted snapshot. Tasks come back in
// exact priority/FIFO order; their filesystem paths are carried over as
// persisted, not re-validated here.
func (q *TaskQueue) load() error {
	data, err := os.ReadFile(q.persistFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read queue snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal queue snapshot: %w", err)
	}

	q.totalEnqueued = snap.Statistics.TotalEnqueued
	q.totalDequeued = snap.Statistics.TotalDequeued

	restored := make([]*task.QueuedTask, 0, len(snap.Tasks))
	for _, pt := range snap.Tasks {
		if pt.Task == nil || pt.Task.TaskID == "" {
			slog.Warn("Skipping malformed persisted task")
			continue
		}
		restored = append(restored, &task.QueuedTask{Task: pt.Task, Priority: pt.Priority, QueuedAt: pt.QueuedAt})
	}

	// Reassign insertion sequence in dequeue order so restored ties keep
	// their pre-restart ordering.
	sort.Slice(restored, func(i, j int) bool { return restored[i].Before(restored[j]) })
	for _, qt := range restored {
		q.seq++
		qt.Seq = q.seq
		q.entries.items = append(q.entries.items, qt)
		q.entries.index[qt.Task.TaskID] = len(q.entries.items) - 1
		q.lookup[qt.Task.TaskID] = qt
	}
	heap.Init(&q.entries)

	if len(restored) > 0 {
		slog.Info("Restored persisted queue", logfields.QueueSize(len(restored)), logfields.Path(q.persistFile))
	}
	return nil
}
