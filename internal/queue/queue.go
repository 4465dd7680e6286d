// Package queue implements the thread-safe priority queue feeding the
// build orchestrator. Every mutation rewrites a JSON snapshot so queued
// work survives restarts.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildbot/internal/logfields"
	"git.home.luguber.info/inful/buildbot/internal/task"
)

// ErrDuplicateTask is returned when a task with the same id is already queued.
var ErrDuplicateTask = errors.New("buildbot: task already in queue")

// Status aggregates queue counters for status reporting.
type Status struct {
	TotalSize       int            `json:"total_size"`
	TasksByPriority map[string]int `json:"tasks_by_priority"`
	TasksByBranch   map[string]int `json:"tasks_by_branch"`
	TotalEnqueued   int64          `json:"total_enqueued"`
	TotalDequeued   int64          `json:"total_dequeued"`
	OldestTaskAge   time.Duration  `json:"oldest_task_age,omitempty"`
}

// TaskQueue is a priority-ordered, FIFO-tie-broken task queue. All mutating
// operations hold one mutex across both the structural change and the
// persistence write, so concurrent callers can never interleave a mutation
// with another caller's snapshot.
type TaskQueue struct {
	mu      sync.Mutex
	entries entryHeap
	lookup  map[string]*task.QueuedTask
	seq     uint64

	totalEnqueued int64
	totalDequeued int64

	persistFile string // empty disables persistence
}

// New creates a queue, restoring any persisted snapshot from persistFile.
// A missing file means an empty queue; a corrupt file is logged and skipped
// rather than blocking startup.
func New(persistFile string) *TaskQueue {
	q := &TaskQueue{
		lookup:      make(map[string]*task.QueuedTask),
		persistFile: persistFile,
	}
	q.entries.index = make(map[string]int)
	if persistFile != "" {
		if err := q.load(); err != nil {
			slog.Warn("Failed to load persisted queue, starting empty",
				logfields.Path(persistFile), logfields.Error(err))
		}
	}
	return q
}

// Enqueue wraps the task, marks it QUEUED and inserts it. The status change
// is observable immediately even though execution has not started.
func (q *TaskQueue) Enqueue(t *task.BuildTask, priority task.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.lookup[t.TaskID]; exists {
		slog.Warn("Task already in queue", logfields.TaskID(t.TaskID))
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.TaskID)
	}

	if err := t.MarkQueued(); err != nil {
		return fmt.Errorf("enqueue %s: %w", t.TaskID, err)
	}

	q.seq++
	qt := &task.QueuedTask{Task: t, Priority: priority, QueuedAt: time.Now(), Seq: q.seq}
	heap.Push(&q.entries, qt)
	q.lookup[t.TaskID] = qt
	q.totalEnqueued++

	slog.Info("Task enqueued",
		logfields.TaskID(t.TaskID),
		logfields.Branch(t.Branch),
		logfields.Strategy(string(t.Strategy)),
		logfields.Priority(priority.String()),
		logfields.QueueSize(q.entries.Len()))

	q.persistLocked()
	return nil
}

// Dequeue removes and returns the highest-priority, oldest-among-equal
// task, or nil if the queue is empty.
func (q *TaskQueue) Dequeue() *task.BuildTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.entries.Len() == 0 {
		return nil
	}

	qt := heap.Pop(&q.entries).(*task.QueuedTask)
	delete(q.lookup, qt.Task.TaskID)
	q.totalDequeued++

	slog.Info("Task dequeued",
		logfields.TaskID(qt.Task.TaskID),
		slog.Float64("wait_seconds", time.Since(qt.QueuedAt).Seconds()),
		logfields.QueueSize(q.entries.Len()))

	q.persistLocked()
	return qt.Task
}

// Peek returns the task Dequeue would deliver next without removing it.
func (q *TaskQueue) Peek() *task.BuildTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.entries.Len() == 0 {
		return nil
	}
	return q.entries.items[0].Task
}

// CancelTask marks a queued task CANCELLED and removes it so it is never
// delivered. Returns whether the task was present.
func (q *TaskQueue) CancelTask(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, ok := q.lookup[taskID]
	if !ok {
		return false
	}

	if err := qt.Task.CancelExecution("cancelled from queue"); err != nil {
		// Queued tasks are always QUEUED, so this indicates a bug elsewhere.
		slog.Error("Queued task in unexpected state", logfields.TaskID(taskID), logfields.Error(err))
	}

	idx := q.entries.index[taskID]
	heap.Remove(&q.entries, idx)
	delete(q.lookup, taskID)

	slog.Info("Queued task cancelled", logfields.TaskID(taskID))
	q.persistLocked()
	return true
}

// ClearQueue cancels and removes every queued task, returning the count.
func (q *TaskQueue) ClearQueue() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := q.entries.Len()
	for _, qt := range q.entries.items {
		if err := qt.Task.CancelExecution("queue cleared"); err != nil {
			slog.Error("Queued task in unexpected state", logfields.TaskID(qt.Task.TaskID), logfields.Error(err))
		}
	}
	q.entries.items = nil
	q.entries.index = make(map[string]int)
	q.lookup = make(map[string]*task.QueuedTask)

	slog.Info("Queue cleared", slog.Int("removed", count))
	q.persistLocked()
	return count
}

// TaskPosition returns the 1-based dequeue rank of a task under the
// current ordering, or false if the task is not queued.
func (q *TaskQueue) TaskPosition(taskID string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.lookup[taskID]; !ok {
		return 0, false
	}
	for i, qt := range q.sortedLocked() {
		if qt.Task.TaskID == taskID {
			return i + 1, true
		}
	}
	return 0, false
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// GetStatus returns aggregate queue counters.
func (q *TaskQueue) GetStatus() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Status{
		TotalSize:       q.entries.Len(),
		TasksByPriority: make(map[string]int),
		TasksByBranch:   make(map[string]int),
		TotalEnqueued:   q.totalEnqueued,
		TotalDequeued:   q.totalDequeued,
	}
	for _, p := range []task.Priority{task.PriorityLow, task.PriorityNormal, task.PriorityHigh, task.PriorityUrgent} {
		st.TasksByPriority[p.String()] = 0
	}

	var oldest time.Time
	for _, qt := range q.entries.items {
		st.TasksByPriority[qt.Priority.String()]++
		st.TasksByBranch[qt.Task.Branch]++
		if oldest.IsZero() || qt.QueuedAt.Before(oldest) {
			oldest = qt.QueuedAt
		}
	}
	if !oldest.IsZero() {
		st.OldestTaskAge = time.Since(oldest)
	}
	return st
}

// sortedLocked returns the live entries in dequeue order. Caller holds mu.
func (q *TaskQueue) sortedLocked() []*task.QueuedTask {
	out := make([]*task.QueuedTask, len(q.entries.items))
	copy(out, q.entries.items)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// entryHeap orders queued tasks by priority desc, enqueue time asc,
// insertion seq asc. index tracks each task's slot for O(log n) removal.
type entryHeap struct {
	items []*task.QueuedTask
	index map[string]int
}

func (h *entryHeap) Len() int { return len(h.items) }

func (h *entryHeap) Less(i, j int) bool { return h.items[i].Before(h.items[j]) }

func (h *entryHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i].Task.TaskID] = i
	h.index[h.items[j].Task.TaskID] = j
}

func (h *entryHeap) Push(x any) {
	qt := x.(*task.QueuedTask)
	h.index[qt.Task.TaskID] = len(h.items)
	h.items = append(h.items, qt)
}

func (h *entryHeap) Pop() any {
	n := len(h.items)
	qt := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	delete(h.index, qt.Task.TaskID)
	return qt
}
