package task

import "time"

// QueuedTask pairs a task with its queue metadata. The queue owns these
// wrappers; nothing outside the queue should retain one.
type QueuedTask struct {
	Task     *BuildTask `json:"task"`
	Priority Priority   `json:"priority"`
	QueuedAt time.Time  `json:"queued_at"`

	// Seq is the insertion counter breaking ties between identical
	// (priority, queued_at) pairs, and is reassigned on restore.
	Seq uint64 `json:"-"`
}

// Before reports whether q should be dequeued ahead of other: higher
// priority first, then earlier enqueue time, then earlier insertion.
func (q *QueuedTask) Before(other *QueuedTask) bool {
	if q.Priority != other.Priority {
		return q.Priority > other.Priority
	}
	if !q.QueuedAt.Equal(other.QueuedAt) {
		return q.QueuedAt.Before(other.QueuedAt)
	}
	return q.Seq < other.Seq
}
