// Package orchestrator binds the task queue and the executor into the
// build control loop: it accepts requests, decides start-now versus
// enqueue, drains the queue after each completion and fans out progress
// and result events to subscribers.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildbot/internal/analysis"
	"git.home.luguber.info/inful/buildbot/internal/logfields"
	"git.home.luguber.info/inful/buildbot/internal/metrics"
	"git.home.luguber.info/inful/buildbot/internal/queue"
	"git.home.luguber.info/inful/buildbot/internal/task"
)

// Executor runs one build process at a time.
type Executor interface {
	Execute(ctx context.Context, t *task.BuildTask) (string, error)
	CancelCurrentTask() bool
	IsExecuting() bool
	GetCurrentTask() *task.BuildTask
}

// FileManager resolves branch paths and inspects build output.
type FileManager interface {
	GetBranchPaths(branch string) (scriptDir, publishRoot string, err error)
	GetLatestBuildInfo(root string, after time.Time) (task.BuildInfo, bool)
	FindBuildLog(artifactPath string) (string, bool)
	CheckDiskSpace() (string, bool)
}

// HistoryRecorder persists build outcomes.
type HistoryRecorder interface {
	RecordResult(ctx context.Context, result *task.BuildResult) error
	LastSuccess(ctx context.Context, branch string) (time.Time, bool, error)
}

// ChangelogProvider lists commits that went into a build.
type ChangelogProvider interface {
	CommitsSince(branch string, since time.Time) (string, error)
}

// Submission and cancellation status values.
const (
	StatusStarted   = "started"
	StatusQueued    = "queued"
	StatusCancelled = "cancelled"
	StatusNotFound  = "not_found"
	StatusNoTask    = "no_task"
	StatusFailed    = "failed"
)

// SubmitResult reports how a build request was accepted.
type SubmitResult struct {
	Status   string `json:"status"`
	TaskID   string `json:"task_id"`
	Position int    `json:"position,omitempty"`
	Message  string `json:"message"`
}

// CancelResult reports the outcome of a cancellation request.
type CancelResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// TaskSummary is the status view of one task.
type TaskSummary struct {
	TaskID    string     `json:"task_id"`
	Branch    string     `json:"branch"`
	Strategy  string     `json:"strategy"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Status is a read-only snapshot of the whole build system.
type Status struct {
	IsProcessing bool         `json:"is_processing"`
	CurrentTask  *TaskSummary `json:"current_task,omitempty"`
	Queue        queue.Status `json:"queue"`
	Analyzer     string       `json:"analyzer,omitempty"`
}

// ProgressFunc and ResultFunc receive fan-out events.
type (
	ProgressFunc func(task.ProgressUpdate)
	ResultFunc   func(*task.BuildResult)
)

// Config wires an Orchestrator. Analyzer, History and Changelog are
// optional; Recorder defaults to a no-op.
type Config struct {
	Queue           *queue.TaskQueue
	Executor        Executor
	Files           FileManager
	Analyzer        analysis.Analyzer
	History         HistoryRecorder
	Changelog       ChangelogProvider
	Recorder        metrics.Recorder
	MinArtifactSize int64
}

// Orchestrator is the build control loop. Its busy flag is deliberately
// separate from the executor's: this one governs queueing decisions, the
// executor's governs process ownership.
type Orchestrator struct {
	queue           *queue.TaskQueue
	executor        Executor
	files           FileManager
	analyzer        analysis.Analyzer
	history         HistoryRecorder
	changelog       ChangelogProvider
	recorder        metrics.Recorder
	minArtifactSize int64

	runCtx context.Context

	mu           sync.Mutex
	isProcessing bool
	current      *task.BuildTask

	progressCallbacks []ProgressFunc
	resultCallbacks   []ResultFunc
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.NoopRecorder{}
	}
	return &Orchestrator{
		queue:           cfg.Queue,
		executor:        cfg.Executor,
		files:           cfg.Files,
		analyzer:        cfg.Analyzer,
		history:         cfg.History,
		changelog:       cfg.Changelog,
		recorder:        cfg.Recorder,
		minArtifactSize: cfg.MinArtifactSize,
		runCtx:          context.Background(),
	}
}

// Start binds background task processing to ctx, typically the process
// lifetime context. Without it processing runs under context.Background.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runCtx = ctx
}

// AddProgressCallback registers a progress subscriber. Callbacks run in
// registration order; a failing subscriber never blocks the rest.
func (o *Orchestrator) AddProgressCallback(fn ProgressFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progressCallbacks = append(o.progressCallbacks, fn)
}

// AddResultCallback registers a result subscriber.
func (o *Orchestrator) AddResultCallback(fn ResultFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resultCallbacks = append(o.resultCallbacks, fn)
}

// SubmitBuildRequest validates a request and either starts it right away
// or queues it. Validation and path-security failures are returned to the
// caller; nothing is queued for them.
func (o *Orchestrator) SubmitBuildRequest(branch, strategy, arg3 string, priority task.Priority) (*SubmitResult, error) {
	parsed, err := task.StrategyFromString(strategy)
	if err != nil {
		return nil, err
	}

	t, err := task.New(branch, parsed, arg3)
	if err != nil {
		return nil, err
	}

	scriptDir, publishRoot, err := o.files.GetBranchPaths(t.Branch)
	if err != nil {
		return nil, err
	}
	t.ScriptDir = scriptDir
	t.PublishRoot = publishRoot

	o.mu.Lock()
	if o.isProcessing {
		o.mu.Unlock()
		if err := o.queue.Enqueue(t, priority); err != nil {
			return nil, err
		}
		o.recorder.SetQueueDepth(o.queue.Len())
		position, _ := o.queue.TaskPosition(t.TaskID)

		// The running build may have finished and drained an empty queue
		// between the flag read and the enqueue above. If the system went
		// idle in that window, this task would sit queued with nothing left
		// to wake it; the submitter restarts the drain itself.
		o.mu.Lock()
		if !o.isProcessing {
			o.isProcessing = true
			o.mu.Unlock()
			go o.processNext()
		} else {
			o.mu.Unlock()
		}

		return &SubmitResult{
			Status:   StatusQueued,
			TaskID:   t.TaskID,
			Position: position,
			Message:  fmt.Sprintf("a build is already running; task [%s] queued at position %d", t.Key(), position),
		}, nil
	}

	o.isProcessing = true
	o.mu.Unlock()

	// Direct starts follow the same lifecycle chain as queued tasks.
	if err := t.MarkQueued(); err != nil {
		o.mu.Lock()
		o.isProcessing = false
		o.mu.Unlock()
		return nil, err
	}

	go o.processTask(t)

	return &SubmitResult{
		Status:  StatusStarted,
		TaskID:  t.TaskID,
		Message: fmt.Sprintf("task [%s] started", t.Key()),
	}, nil
}

// CancelBuild cancels a queued task by id, or the currently running build
// when taskID is empty. Queued and running tasks take different paths: a
// queued task has no process to kill.
func (o *Orchestrator) CancelBuild(taskID string) CancelResult {
	if taskID != "" {
		if o.queue.CancelTask(taskID) {
			o.recorder.SetQueueDepth(o.queue.Len())
			return CancelResult{Status: StatusCancelled, Message: fmt.Sprintf("task %s cancelled", taskID)}
		}
		return CancelResult{Status: StatusNotFound, Message: fmt.Sprintf("task %s not found in queue", taskID)}
	}

	o.mu.Lock()
	current := o.current
	o.mu.Unlock()

	if current == nil || !o.executor.IsExecuting() {
		return CancelResult{Status: StatusNoTask, Message: "no task is currently executing"}
	}
	if o.executor.CancelCurrentTask() {
		return CancelResult{Status: StatusCancelled, Message: "current task cancelled"}
	}
	return CancelResult{Status: StatusFailed, Message: "failed to cancel current task"}
}

// BuildStatus composes a read-only snapshot of the orchestrator, the
// executor's current task and the queue.
func (o *Orchestrator) BuildStatus() Status {
	o.mu.Lock()
	processing := o.isProcessing
	o.mu.Unlock()

	st := Status{
		IsProcessing: processing,
		Queue:        o.queue.GetStatus(),
	}
	if o.analyzer != nil {
		st.Analyzer = o.analyzer.Name()
	}
	if current := o.executor.GetCurrentTask(); current != nil {
		st.CurrentTask = &TaskSummary{
			TaskID:    current.TaskID,
			Branch:    current.Branch,
			Strategy:  string(current.Strategy),
			Status:    string(current.Status),
			StartedAt: current.StartedAt,
		}
	}
	return st
}

// RelayProgress forwards executor progress events to this orchestrator's
// subscribers. Wire it as an executor progress callback.
func (o *Orchestrator) RelayProgress(update task.ProgressUpdate) {
	o.recorder.IncStageReached(update.Stage)
	o.notifyProgress(update)
}

// processTask runs one task to completion, fans out the result and then
// unconditionally drains the queue. Nothing on this path may leave the
// busy flag stuck.
func (o *Orchestrator) processTask(t *task.BuildTask) {
	o.mu.Lock()
	o.current = t
	o.mu.Unlock()

	result := o.runTask(t)
	if o.history != nil {
		if err := o.history.RecordResult(o.runCtx, result); err != nil {
			slog.Warn("Failed to record build history", logfields.TaskID(t.TaskID), logfields.Error(err))
		}
	}
	o.notifyResult(result)

	o.mu.Lock()
	o.current = nil
	o.mu.Unlock()

	o.processNext()
}

// runTask executes the build and derives its result. Panics and errors
// become failure results; they never escape.
func (o *Orchestrator) runTask(t *task.BuildTask) (result *task.BuildResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Build task processing panicked", logfields.TaskID(t.TaskID), slog.Any("panic", r))
			result = o.failureResult(t, fmt.Sprintf("internal error: %v", r), t.Duration())
		}
	}()

	o.notifyProgress(task.NewProgressUpdate(t.TaskID, "preparation", "running pre-build checks"))
	if warning, low := o.files.CheckDiskSpace(); low {
		o.notifyProgress(task.NewProgressUpdate(t.TaskID, "warning", warning))
	}

	start := time.Now()
	logText, err := o.executor.Execute(o.runCtx, t)
	duration := time.Since(start)

	o.recorder.ObserveBuildDuration(string(t.Strategy), duration)

	if err != nil {
		o.recorder.IncBuildOutcome(string(t.Strategy), metrics.OutcomeFailed)
		return o.failureResult(t, err.Error(), duration)
	}

	if t.Status == task.StatusCancelled {
		// A cancelled build is never a success, even if a partial artifact
		// landed on disk.
		o.recorder.IncBuildOutcome(string(t.Strategy), metrics.OutcomeCancelled)
		return o.failureResult(t, t.ErrorMessage, duration)
	}

	returnCode := -1
	if t.ReturnCode != nil {
		returnCode = *t.ReturnCode
	}

	startedAt := start
	if t.StartedAt != nil {
		startedAt = *t.StartedAt
	}
	info, found := o.files.GetLatestBuildInfo(t.PublishRoot, startedAt)

	ok, reason := o.determineSuccess(returnCode, info, found)
	if !ok {
		o.recorder.IncBuildOutcome(string(t.Strategy), metrics.OutcomeFailed)
		result := o.failureResult(t, reason, duration)
		result.Analysis = o.analyzeFailure(t, info, found, logText)
		return result
	}

	o.recorder.IncBuildOutcome(string(t.Strategy), metrics.OutcomeSuccess)
	result, rerr := task.NewSuccessResult(t, &info, duration)
	if rerr != nil {
		return o.failureResult(t, rerr.Error(), duration)
	}
	result.Changelog = o.buildChangelog(t)
	return result
}

// determineSuccess re-derives the outcome independently of the process
// exit status: a build can exit 0 and still produce nothing usable.
func (o *Orchestrator) determineSuccess(returnCode int, info task.BuildInfo, found bool) (bool, string) {
	if returnCode != 0 {
		return false, fmt.Sprintf("Process exited with code %d", returnCode)
	}
	if !found {
		return false, "No build artifacts detected"
	}
	if info.SizeBytes < o.minArtifactSize {
		return false, fmt.Sprintf("Build artifact too small (%s)", info.SizeStr)
	}
	return true, ""
}

// analyzeFailure asks the AI analyzer for a diagnosis, preferring the
// on-disk build log over the captured stream. Best effort only.
func (o *Orchestrator) analyzeFailure(t *task.BuildTask, info task.BuildInfo, found bool, logText string) string {
	if o.analyzer == nil {
		return ""
	}

	content := logText
	if found {
		if logPath, ok := o.files.FindBuildLog(info.Path); ok {
			if data, err := os.ReadFile(logPath); err == nil {
				content = string(data)
			}
		}
	}
	if content == "" {
		content = t.ErrorMessage
	}
	if content == "" {
		return ""
	}

	diagnosis, err := o.analyzer.AnalyzeFailure(o.runCtx, analysis.ExtractRelevantLog(content))
	if err != nil {
		slog.Warn("Failure analysis unavailable", logfields.TaskID(t.TaskID), logfields.Error(err))
		return ""
	}
	return diagnosis
}

// buildChangelog lists commits since the branch's previous successful
// build. Best effort only.
func (o *Orchestrator) buildChangelog(t *task.BuildTask) string {
	if o.changelog == nil {
		return ""
	}

	var since time.Time
	if o.history != nil {
		if when, ok, err := o.history.LastSuccess(o.runCtx, t.Branch); err == nil && ok {
			since = when
		}
	}

	log, err := o.changelog.CommitsSince(t.Branch, since)
	if err != nil {
		slog.Warn("Changelog unavailable", logfields.TaskID(t.TaskID), logfields.Error(err))
		return ""
	}
	return log
}

// processNext dequeues and starts the next task, or clears the busy flag
// when the queue is empty.
func (o *Orchestrator) processNext() {
	next := o.queue.Dequeue()
	o.recorder.SetQueueDepth(o.queue.Len())

	if next == nil {
		o.mu.Lock()
		o.isProcessing = false
		o.mu.Unlock()
		return
	}
	go o.processTask(next)
}

// failureResult builds a failure result, never returning nil even for a
// blank message.
func (o *Orchestrator) failureResult(t *task.BuildTask, message string, duration time.Duration) *task.BuildResult {
	if message == "" {
		message = "build failed"
	}
	result, err := task.NewFailureResult(t, message, duration)
	if err != nil {
		// Only reachable with a nil task, which would be a bug here.
		slog.Error("Failed to construct failure result", logfields.Error(err))
		return &task.BuildResult{Task: t, Success: false, ErrorMessage: message, Duration: duration}
	}
	return result
}

func (o *Orchestrator) notifyProgress(update task.ProgressUpdate) {
	o.mu.Lock()
	callbacks := slices.Clone(o.progressCallbacks)
	o.mu.Unlock()

	for _, cb := range callbacks {
		runIsolated(func() { cb(update) }, "progress", update.TaskID)
	}
}

func (o *Orchestrator) notifyResult(result *task.BuildResult) {
	o.mu.Lock()
	callbacks := slices.Clone(o.resultCallbacks)
	o.mu.Unlock()

	for _, cb := range callbacks {
		runIsolated(func() { cb(result) }, "result", result.Task.TaskID)
	}
}

// runIsolated shields the orchestrator from misbehaving subscribers.
func runIsolated(fn func(), kind, taskID string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Subscriber callback panicked",
				slog.String("kind", kind), logfields.TaskID(taskID), slog.Any("panic", r))
		}
	}()
	fn()
}
