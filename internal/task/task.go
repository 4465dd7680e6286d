package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Strategy selects which build script variant runs for a task.
type Strategy string

const (
	StrategySimple  Strategy = "simple"
	StrategyDevelop Strategy = "develop"
	StrategyDebug   Strategy = "debug"
	StrategySpecial Strategy = "special"
	StrategyAll     Strategy = "all"
)

// Strategies lists all valid strategies in declaration order.
func Strategies() []Strategy {
	return []Strategy{StrategySimple, StrategyDevelop, StrategyDebug, StrategySpecial, StrategyAll}
}

// StrategyFromString parses a strategy name (case-insensitive).
func StrategyFromString(value string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range Strategies() {
		if s == known {
			return s, nil
		}
	}
	return "", &ValidationError{Field: "strategy", Reason: fmt.Sprintf("invalid build strategy %q, valid options: %v", value, Strategies())}
}

// Status represents the lifecycle state of a build task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a finished state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// branch names may become path components; reject anything path-hostile.
const invalidBranchChars = `<>:"|?*`

// BuildTask is a single build request moving through the pipeline.
// Identity and intent are set at creation and never change; lifecycle
// fields mutate only through the transition methods below.
type BuildTask struct {
	TaskID   string   `json:"task_id"`
	Branch   string   `json:"branch"`
	Strategy Strategy `json:"strategy"`
	Arg3     string   `json:"arg3,omitempty"`

	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Filesystem context, resolved once from Branch at submission.
	ScriptDir   string `json:"script_dir"`
	PublishRoot string `json:"publish_root"`

	ProcessID    int    `json:"process_id,omitempty"`
	ReturnCode   *int   `json:"return_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// New validates the request parameters and constructs a PENDING task.
func New(branch string, strategy Strategy, arg3 string) (*BuildTask, error) {
	branch = strings.TrimSpace(branch)
	if err := ValidateBranch(branch); err != nil {
		return nil, err
	}
	if _, err := StrategyFromString(string(strategy)); err != nil {
		return nil, err
	}
	if strategy == StrategySpecial && arg3 == "" {
		return nil, &ValidationError{Field: "arg3", Reason: "arg3 is required for the special build strategy"}
	}

	return &BuildTask{
		TaskID:    uuid.NewString(),
		Branch:    branch,
		Strategy:  strategy,
		Arg3:      arg3,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}, nil
}

// ValidateBranch rejects empty, whitespace-only and path-hostile branch names.
func ValidateBranch(branch string) error {
	if strings.TrimSpace(branch) == "" {
		return &ValidationError{Field: "branch", Reason: "branch must be a non-empty string"}
	}
	if strings.ContainsAny(branch, invalidBranchChars) {
		return &ValidationError{Field: "branch", Reason: fmt.Sprintf("branch name contains invalid characters (%s)", invalidBranchChars)}
	}
	return nil
}

// MarkQueued transitions PENDING -> QUEUED. The queue calls this on enqueue;
// the orchestrator calls it when a task starts directly without queueing, so
// the lifecycle chain is identical on both paths.
func (t *BuildTask) MarkQueued() error {
	if t.Status != StatusPending {
		return &TransitionError{From: t.Status, To: StatusQueued}
	}
	t.Status = StatusQueued
	return nil
}

// StartExecution transitions QUEUED -> RUNNING and records the child pid.
func (t *BuildTask) StartExecution(processID int) error {
	if t.Status != StatusQueued {
		return &TransitionError{From: t.Status, To: StatusRunning}
	}
	now := time.Now()
	t.Status = StatusRunning
	t.StartedAt = &now
	t.ProcessID = processID
	return nil
}

// CompleteExecution transitions RUNNING -> COMPLETED or FAILED depending on
// the return code and error message.
func (t *BuildTask) CompleteExecution(returnCode int, errorMessage string) error {
	if t.Status != StatusRunning {
		return &TransitionError{From: t.Status, To: StatusCompleted}
	}
	now := time.Now()
	t.CompletedAt = &now
	t.ReturnCode = &returnCode
	t.ErrorMessage = errorMessage

	if returnCode == 0 && errorMessage == "" {
		t.Status = StatusCompleted
	} else {
		t.Status = StatusFailed
	}
	return nil
}

// CancelExecution transitions QUEUED or RUNNING -> CANCELLED.
func (t *BuildTask) CancelExecution(reason string) error {
	if t.Status != StatusQueued && t.Status != StatusRunning {
		return &TransitionError{From: t.Status, To: StatusCancelled}
	}
	if reason == "" {
		reason = "task cancelled by user"
	}
	now := time.Now()
	t.Status = StatusCancelled
	t.CompletedAt = &now
	t.ErrorMessage = reason
	return nil
}

// Duration returns the execution duration, or zero if the task has not
// both started and finished.
func (t *BuildTask) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// IsFinished reports whether the task reached a terminal status.
func (t *BuildTask) IsFinished() bool { return t.Status.IsTerminal() }

// Key identifies the (branch, strategy) pair for history bookkeeping.
func (t *BuildTask) Key() string { return t.Branch + "-" + string(t.Strategy) }
