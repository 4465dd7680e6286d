package executor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildbot/internal/task"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(script), 0o755))
}

func queuedTask(t *testing.T, dir string, strategy task.Strategy, arg3 string) *task.BuildTask {
	t.Helper()
	bt, err := task.New("main", strategy, arg3)
	require.NoError(t, err)
	require.NoError(t, bt.MarkQueued())
	bt.ScriptDir = dir
	return bt
}

func TestExecute_Success(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "packsimple.sh", `
echo "Running AutomationTool..."
echo "Command: BuildCookRun -project"
echo "Cook: content/maps"
echo "Cook: content/textures"
echo "BUILD SUCCESSFUL"
`)

	exec := New(Options{})
	var updates []task.ProgressUpdate
	exec.AddProgressCallback(func(u task.ProgressUpdate) { updates = append(updates, u) })

	bt := queuedTask(t, dir, task.StrategySimple, "")
	logText, err := exec.Execute(context.Background(), bt)
	require.NoError(t, err)

	assert.Equal(t, task.StatusCompleted, bt.Status)
	require.NotNil(t, bt.ReturnCode)
	assert.Equal(t, 0, *bt.ReturnCode)
	assert.Contains(t, logText, "BUILD SUCCESSFUL")

	// One event per stage, duplicates suppressed, registration order preserved.
	var stages []string
	for _, u := range updates {
		assert.Equal(t, bt.TaskID, u.TaskID)
		stages = append(stages, u.Stage)
	}
	assert.Equal(t, []string{
		"Running AutomationTool...",
		"Command: BuildCookRun",
		"Cook: ",
		"BUILD SUCCESSFUL",
	}, stages)

	assert.False(t, exec.IsExecuting())
	assert.Nil(t, exec.GetCurrentTask())
}

func TestExecute_NonZeroExit(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "packsimple.sh", `
echo "cook failed"
exit 3
`)

	bt := queuedTask(t, dir, task.StrategySimple, "")
	_, err := New(Options{}).Execute(context.Background(), bt)
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailed, bt.Status)
	require.NotNil(t, bt.ReturnCode)
	assert.Equal(t, 3, *bt.ReturnCode)
	assert.Equal(t, "process exited with code 3", bt.ErrorMessage)
}

func TestExecute_RejectsConcurrentTask(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "packsimple.sh", "sleep 10")

	exec := New(Options{LivenessTimeout: 100 * time.Millisecond, CancelGrace: 500 * time.Millisecond})

	first := queuedTask(t, dir, task.StrategySimple, "")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = exec.Execute(context.Background(), first)
	}()

	require.Eventually(t, exec.IsExecuting, 2*time.Second, 10*time.Millisecond)

	second := queuedTask(t, dir, task.StrategySimple, "")
	_, err := exec.Execute(context.Background(), second)
	require.ErrorIs(t, err, ErrExecutorBusy)

	require.True(t, exec.CancelCurrentTask())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish after cancellation")
	}
}

func TestExecute_FallbackScript(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "packet.sh", `echo "fallback ran"`)

	bt := queuedTask(t, dir, task.StrategyDevelop, "")
	logText, err := New(Options{}).Execute(context.Background(), bt)
	require.NoError(t, err)

	assert.Equal(t, task.StatusCompleted, bt.Status)
	assert.Contains(t, logText, "fallback ran")
}

func TestExecute_SpecialPassesArg3(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "packspecial.sh", `echo "variant=$1"`)

	bt := queuedTask(t, dir, task.StrategySpecial, "Shipping")
	logText, err := New(Options{}).Execute(context.Background(), bt)
	require.NoError(t, err)
	assert.Contains(t, logText, "variant=Shipping")
}

func TestExecute_LaunchFailureFailsTask(t *testing.T) {
	dir := t.TempDir() // no scripts at all

	bt := queuedTask(t, dir, task.StrategySimple, "")
	_, err := New(Options{}).Execute(context.Background(), bt)

	var perr *ProcessError
	require.ErrorAs(t, err, &perr)

	assert.Equal(t, task.StatusFailed, bt.Status)
	require.NotNil(t, bt.ReturnCode)
	assert.Equal(t, -1, *bt.ReturnCode)
	assert.NotEmpty(t, bt.ErrorMessage)
}

func TestExecute_CapsRetainedLogLines(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "packsimple.sh", `
i=0
while [ $i -lt 20 ]; do
  echo "line $i"
  i=$((i+1))
done
`)

	bt := queuedTask(t, dir, task.StrategySimple, "")
	logText, err := New(Options{MaxLogLines: 5}).Execute(context.Background(), bt)
	require.NoError(t, err)

	assert.Len(t, splitLines(logText), 5)
	assert.Contains(t, logText, "line 0")
	assert.NotContains(t, logText, "line 19")
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestCancelCurrentTask(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "packsimple.sh", "sleep 30")

	exec := New(Options{LivenessTimeout: 100 * time.Millisecond, CancelGrace: 500 * time.Millisecond})
	bt := queuedTask(t, dir, task.StrategySimple, "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = exec.Execute(context.Background(), bt)
	}()

	require.Eventually(t, exec.IsExecuting, 2*time.Second, 10*time.Millisecond)
	require.True(t, exec.CancelCurrentTask())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish after cancellation")
	}

	assert.Equal(t, task.StatusCancelled, bt.Status)
	assert.Equal(t, "task was cancelled during execution", bt.ErrorMessage)
}

func TestCancelCurrentTask_ChattyBuildReleasesReader(t *testing.T) {
	dir := t.TempDir()
	// Floods stdout so the output channel is full when cancellation hits;
	// the reader goroutine must still wind down.
	writeScript(t, dir, "packsimple.sh", "while true; do echo spam; done")

	exec := New(Options{LivenessTimeout: 100 * time.Millisecond, CancelGrace: 500 * time.Millisecond})
	before := runtime.NumGoroutine()

	for i := 0; i < 5; i++ {
		bt := queuedTask(t, dir, task.StrategySimple, "")
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = exec.Execute(context.Background(), bt)
		}()

		require.Eventually(t, exec.IsExecuting, 2*time.Second, 10*time.Millisecond)
		require.True(t, exec.CancelCurrentTask())
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("execution did not finish after cancellation")
		}
		assert.Equal(t, task.StatusCancelled, bt.Status)
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 5*time.Second, 50*time.Millisecond, "reader goroutines not released after cancelled builds")
}

func TestCancelCurrentTask_NothingRunning(t *testing.T) {
	assert.False(t, New(Options{}).CancelCurrentTask())
}

func TestExecute_ContextCancellation(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "packsimple.sh", "sleep 30")

	ctx, cancel := context.WithCancel(context.Background())
	exec := New(Options{LivenessTimeout: 100 * time.Millisecond, CancelGrace: 500 * time.Millisecond})
	bt := queuedTask(t, dir, task.StrategySimple, "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = exec.Execute(ctx, bt)
	}()

	require.Eventually(t, exec.IsExecuting, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish after context cancellation")
	}
	assert.Equal(t, task.StatusCancelled, bt.Status)
}
