// Package executor runs build scripts as external processes, one at a
// time. It streams the process output, turns known output markers into
// progress events and supports cancelling the whole process tree.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"git.home.luguber.info/inful/buildbot/internal/logfields"
	"git.home.luguber.info/inful/buildbot/internal/task"
)

// strategyScripts maps each build strategy to its script. Strategies whose
// script is missing on disk fall back to fallbackScript.
var strategyScripts = map[task.Strategy]string{
	task.StrategySimple:  "packsimple.sh",
	task.StrategyDevelop: "packdevelop.sh",
	task.StrategyDebug:   "packdebug.sh",
	task.StrategySpecial: "packspecial.sh",
	task.StrategyAll:     "packall.sh",
}

const fallbackScript = "packet.sh"

// StageTrigger pairs an output substring with the progress message emitted
// the first time that substring appears.
type StageTrigger struct {
	Trigger string
	Message string
}

// DefaultStageTriggers returns the marker set of the automation tool the
// build scripts drive, in the order the stages occur.
func DefaultStageTriggers() []StageTrigger {
	return []StageTrigger{
		{Trigger: "Running AutomationTool...", Message: "initializing automation tool"},
		{Trigger: "Command: BuildCookRun", Message: "build started"},
		{Trigger: "Cook: ", Message: "cooking content"},
		{Trigger: "Stage: ", Message: "staging files"},
		{Trigger: "Package: ", Message: "packaging build"},
		{Trigger: "BUILD SUCCESSFUL", Message: "finalizing"},
	}
}

// Options tune executor behaviour. Zero values pick the defaults.
type Options struct {
	// LivenessTimeout bounds each output read; on expiry the executor
	// checks whether the process exited before waiting again.
	LivenessTimeout time.Duration
	// MaxLogLines caps retained output; lines beyond it are discarded.
	MaxLogLines int
	// CancelGrace is how long a signalled process group may exit cleanly
	// before SIGKILL.
	CancelGrace time.Duration
	// StageTriggers overrides DefaultStageTriggers.
	StageTriggers []StageTrigger
}

func (o *Options) applyDefaults() {
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = 5 * time.Second
	}
	if o.MaxLogLines <= 0 {
		o.MaxLogLines = 10000
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = 5 * time.Second
	}
	if o.StageTriggers == nil {
		o.StageTriggers = DefaultStageTriggers()
	}
}

// ProgressFunc receives progress events during execution.
type ProgressFunc func(task.ProgressUpdate)

// Executor owns at most one running build process.
type Executor struct {
	opts Options

	mu        sync.Mutex
	current   *task.BuildTask
	cmd       *exec.Cmd
	executing bool
	callbacks []ProgressFunc

	cancelled atomic.Bool
}

// New creates an executor with the given options.
func New(opts Options) *Executor {
	opts.applyDefaults()
	return &Executor{opts: opts}
}

// AddProgressCallback registers a subscriber for progress events.
// Callbacks run in registration order; a panicking callback is logged and
// never blocks the others.
func (e *Executor) AddProgressCallback(fn ProgressFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, fn)
}

// IsExecuting reports whether a build process is currently running.
func (e *Executor) IsExecuting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executing
}

// GetCurrentTask returns the task being executed, or nil.
func (e *Executor) GetCurrentTask() *task.BuildTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Execute runs the task's build script to completion and transitions the
// task to its terminal status. The returned string is the captured process
// output, capped at MaxLogLines lines. Execute returns ErrExecutorBusy if
// a task is already running; that is a sequencing bug in the caller, not a
// condition to retry.
func (e *Executor) Execute(ctx context.Context, t *task.BuildTask) (string, error) {
	e.mu.Lock()
	if e.executing {
		e.mu.Unlock()
		return "", ErrExecutorBusy
	}
	e.executing = true
	e.current = t
	e.cancelled.Store(false)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.executing = false
		e.current = nil
		e.cmd = nil
		e.mu.Unlock()
	}()

	scriptPath := e.resolveScript(t)
	args := make([]string, 0, 1)
	if t.Strategy == task.StrategySpecial && t.Arg3 != "" {
		args = append(args, t.Arg3)
	}

	cmd := exec.Command(scriptPath, args...)
	cmd.Dir = t.ScriptDir
	configureProcessGroup(cmd)

	// One pipe carries stdout and stderr interleaved, the way the build
	// log is read by humans.
	pr, pw, err := os.Pipe()
	if err != nil {
		return "", e.failLaunch(t, scriptPath, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	slog.Info("Starting build process",
		logfields.TaskID(t.TaskID),
		logfields.Branch(t.Branch),
		logfields.Strategy(string(t.Strategy)),
		logfields.Path(scriptPath))

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return "", e.failLaunch(t, scriptPath, err)
	}
	// The child holds its own copy of the write end; closing ours lets the
	// reader see EOF once the whole process group is gone.
	pw.Close()
	defer pr.Close()

	e.mu.Lock()
	e.cmd = cmd
	e.mu.Unlock()

	if err := t.StartExecution(cmd.Process.Pid); err != nil {
		_ = terminateProcessGroup(cmd.Process.Pid, e.opts.CancelGrace)
		_ = cmd.Wait()
		return "", fmt.Errorf("start task %s: %w", t.TaskID, err)
	}

	var exitCode int
	exited := make(chan struct{})
	go func() {
		exitCode = exitCodeOf(cmd.Wait())
		close(exited)
	}()

	logLines := e.streamOutput(ctx, t, pr, exited)

	<-exited
	e.finish(t, exitCode)

	return strings.Join(logLines, "\n"), nil
}

// CancelCurrentTask flags the running execution as cancelled and
// terminates the build process group. Returns whether a process was
// present to cancel.
func (e *Executor) CancelCurrentTask() bool {
	e.mu.Lock()
	cmd := e.cmd
	executing := e.executing
	e.mu.Unlock()

	if !executing || cmd == nil || cmd.Process == nil {
		return false
	}

	e.cancelled.Store(true)
	if err := terminateProcessGroup(cmd.Process.Pid, e.opts.CancelGrace); err != nil {
		slog.Warn("Failed to terminate build process group",
			slog.Int("pid", cmd.Process.Pid), logfields.Error(err))
	}
	slog.Info("Build process cancelled", slog.Int("pid", cmd.Process.Pid))
	return true
}

// streamOutput consumes the process output line by line until EOF,
// cancellation, or a liveness timeout that finds the process gone.
func (e *Executor) streamOutput(ctx context.Context, t *task.BuildTask, pr *os.File, exited <-chan struct{}) []string {
	lines := make(chan string, 256)
	// done releases the reader goroutine when the consumer stops early
	// (cancellation); a chatty process would otherwise park it forever on
	// a full channel.
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		// Build scripts emit GBK; GB18030 is its superset.
		decoded := transform.NewReader(pr, simplifiedchinese.GB18030.NewDecoder())
		scanner := bufio.NewScanner(decoded)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	var logLines []string
	triggered := make(map[string]bool)
	dropped := 0

	for {
		if e.cancelled.Load() {
			break
		}

		select {
		case line, ok := <-lines:
			if !ok {
				if dropped > 0 {
					slog.Debug("Discarded output lines over retention cap",
						logfields.TaskID(t.TaskID), slog.Int("dropped", dropped))
				}
				return logLines
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if len(logLines) < e.opts.MaxLogLines {
				logLines = append(logLines, line)
			} else {
				dropped++
			}
			e.matchStage(t, line, triggered)

		case <-time.After(e.opts.LivenessTimeout):
			// Quiet spell: distinguish "still working" from "gone".
			select {
			case <-exited:
				return logLines
			default:
			}

		case <-ctx.Done():
			e.cancelled.Store(true)
			if cmd := e.currentCmd(); cmd != nil && cmd.Process != nil {
				_ = terminateProcessGroup(cmd.Process.Pid, e.opts.CancelGrace)
			}
			return logLines
		}
	}
	return logLines
}

// matchStage emits at most one progress event per trigger per task.
func (e *Executor) matchStage(t *task.BuildTask, line string, triggered map[string]bool) {
	for _, st := range e.opts.StageTriggers {
		if triggered[st.Trigger] || !strings.Contains(line, st.Trigger) {
			continue
		}
		triggered[st.Trigger] = true
		slog.Debug("Build stage reached", logfields.TaskID(t.TaskID), logfields.Stage(st.Trigger))
		e.notifyProgress(task.NewProgressUpdate(t.TaskID, st.Trigger, st.Message))
		return
	}
}

// finish transitions the task to its terminal status from the exit code
// and the cancellation flag.
func (e *Executor) finish(t *task.BuildTask, exitCode int) {
	if e.cancelled.Load() {
		if err := t.CancelExecution("task was cancelled during execution"); err != nil {
			slog.Error("Cancelled task in unexpected state", logfields.TaskID(t.TaskID), logfields.Error(err))
		}
	} else {
		msg := ""
		if exitCode != 0 {
			msg = fmt.Sprintf("process exited with code %d", exitCode)
		}
		if err := t.CompleteExecution(exitCode, msg); err != nil {
			slog.Error("Finished task in unexpected state", logfields.TaskID(t.TaskID), logfields.Error(err))
		}
	}

	slog.Info("Build process finished",
		logfields.TaskID(t.TaskID),
		logfields.ReturnCode(exitCode),
		logfields.Status(string(t.Status)),
		logfields.DurationMS(float64(t.Duration().Milliseconds())))
}

// failLaunch marks a task that never got a process as FAILED with the
// launch error, keeping the lifecycle chain intact.
func (e *Executor) failLaunch(t *task.BuildTask, command string, cause error) error {
	perr := &ProcessError{Op: "start build process", Command: command, Err: cause}
	if err := t.StartExecution(0); err == nil {
		_ = t.CompleteExecution(-1, perr.Error())
	}
	slog.Error("Failed to start build process", logfields.TaskID(t.TaskID), logfields.Error(perr))
	return perr
}

func (e *Executor) resolveScript(t *task.BuildTask) string {
	name, ok := strategyScripts[t.Strategy]
	if !ok {
		name = fallbackScript
	}
	path := filepath.Join(t.ScriptDir, name)
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(t.ScriptDir, fallbackScript)
	}
	return path
}

func (e *Executor) currentCmd() *exec.Cmd {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cmd
}

func (e *Executor) notifyProgress(update task.ProgressUpdate) {
	e.mu.Lock()
	callbacks := slices.Clone(e.callbacks)
	e.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("Progress callback panicked",
						logfields.TaskID(update.TaskID), slog.Any("panic", r))
				}
			}()
			cb(update)
		}()
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
