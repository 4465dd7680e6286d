package task

import (
	"errors"
	"time"
)

// ProgressUpdate is an immutable event marking entry into a named build
// stage. Emitted at most once per stage per task.
type ProgressUpdate struct {
	TaskID    string    `json:"task_id"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewProgressUpdate constructs a timestamped progress event.
func NewProgressUpdate(taskID, stage, message string) ProgressUpdate {
	return ProgressUpdate{
		TaskID:    taskID,
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// BuildResult is the immutable outcome of one task. Success results must
// carry BuildInfo; failures must carry an error message.
type BuildResult struct {
	Task         *BuildTask    `json:"task"`
	Success      bool          `json:"success"`
	BuildInfo    *BuildInfo    `json:"build_info,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Analysis     string        `json:"analysis,omitempty"`
	Changelog    string        `json:"changelog,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

var (
	errResultNilTask   = errors.New("build result requires a task")
	errResultNoInfo    = errors.New("successful builds must carry build info")
	errResultNoMessage = errors.New("failed builds must carry an error message")
)

// NewSuccessResult constructs a success result; info must be non-nil.
func NewSuccessResult(t *BuildTask, info *BuildInfo, duration time.Duration) (*BuildResult, error) {
	if t == nil {
		return nil, errResultNilTask
	}
	if info == nil {
		return nil, errResultNoInfo
	}
	return &BuildResult{Task: t, Success: true, BuildInfo: info, Duration: duration}, nil
}

// NewFailureResult constructs a failure result; errorMessage must be non-empty.
func NewFailureResult(t *BuildTask, errorMessage string, duration time.Duration) (*BuildResult, error) {
	if t == nil {
		return nil, errResultNilTask
	}
	if errorMessage == "" {
		return nil, errResultNoMessage
	}
	return &BuildResult{Task: t, Success: false, ErrorMessage: errorMessage, Duration: duration}, nil
}
