package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildbot/internal/fileops"
	"git.home.luguber.info/inful/buildbot/internal/queue"
	"git.home.luguber.info/inful/buildbot/internal/task"
)

type fakeExecutor struct {
	mu        sync.Mutex
	executing bool
	current   *task.BuildTask

	run           func(t *task.BuildTask) (string, error)
	cancelReturns bool
	cancelCalled  bool
}

func (f *fakeExecutor) Execute(_ context.Context, t *task.BuildTask) (string, error) {
	f.mu.Lock()
	f.executing = true
	f.current = t
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.executing = false
		f.current = nil
		f.mu.Unlock()
	}()
	return f.run(t)
}

func (f *fakeExecutor) CancelCurrentTask() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalled = true
	return f.cancelReturns
}

func (f *fakeExecutor) IsExecuting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executing
}

func (f *fakeExecutor) GetCurrentTask() *task.BuildTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

type fakeFiles struct {
	info        task.BuildInfo
	found       bool
	diskWarning string
	pathsErr    error
}

func (f *fakeFiles) GetBranchPaths(branch string) (string, string, error) {
	if f.pathsErr != nil {
		return "", "", f.pathsErr
	}
	return "/ws/" + branch + "/bat", "/pub/" + branch, nil
}

func (f *fakeFiles) GetLatestBuildInfo(string, time.Time) (task.BuildInfo, bool) {
	return f.info, f.found
}

func (f *fakeFiles) FindBuildLog(string) (string, bool) { return "", false }

func (f *fakeFiles) CheckDiskSpace() (string, bool) {
	return f.diskWarning, f.diskWarning != ""
}

// completeOK simulates a clean build exiting zero.
func completeOK(t *task.BuildTask) (string, error) {
	if err := t.StartExecution(1234); err != nil {
		return "", err
	}
	if err := t.CompleteExecution(0, ""); err != nil {
		return "", err
	}
	return "BUILD SUCCESSFUL", nil
}

func artifact(sizeBytes int64) task.BuildInfo {
	return task.ParseBuildInfo("/pub/main/20240801_ver_1.2_Development",
		"20240801_ver_1.2_Development", fileops.FormatSize(sizeBytes), sizeBytes)
}

func newOrchestrator(exec *fakeExecutor, files *fakeFiles) (*Orchestrator, chan *task.BuildResult) {
	o := New(Config{
		Queue:           queue.New(""),
		Executor:        exec,
		Files:           files,
		MinArtifactSize: 100 << 20,
	})
	results := make(chan *task.BuildResult, 8)
	o.AddResultCallback(func(r *task.BuildResult) { results <- r })
	return o, results
}

func waitResult(t *testing.T, results chan *task.BuildResult) *task.BuildResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for build result")
		return nil
	}
}

func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	require.Eventually(t, func() bool { return !o.BuildStatus().IsProcessing },
		5*time.Second, 10*time.Millisecond)
}

func TestSubmit_StartsImmediatelyWhenIdle(t *testing.T) {
	exec := &fakeExecutor{run: completeOK}
	files := &fakeFiles{info: artifact(1 << 30), found: true}
	o, results := newOrchestrator(exec, files)

	res, err := o.SubmitBuildRequest("main", "simple", "", task.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, res.Status)
	assert.NotEmpty(t, res.TaskID)

	result := waitResult(t, results)
	assert.True(t, result.Success)
	require.NotNil(t, result.BuildInfo)
	assert.Equal(t, "1.2", result.BuildInfo.Version)
	assert.Equal(t, task.StatusCompleted, result.Task.Status)

	waitIdle(t, o)
}

func TestSubmit_QueuesWhileBusyAndDrainsAfterCompletion(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{run: func(bt *task.BuildTask) (string, error) {
		<-release
		return completeOK(bt)
	}}
	files := &fakeFiles{info: artifact(1 << 30), found: true}
	o, results := newOrchestrator(exec, files)

	first, err := o.SubmitBuildRequest("main", "simple", "", task.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, first.Status)

	require.Eventually(t, exec.IsExecuting, 2*time.Second, 10*time.Millisecond)

	second, err := o.SubmitBuildRequest("dev", "debug", "", task.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, second.Status)
	assert.Equal(t, 1, second.Position)

	close(release)

	// Both tasks complete without any re-submission, first then second.
	r1 := waitResult(t, results)
	assert.Equal(t, "main", r1.Task.Branch)
	r2 := waitResult(t, results)
	assert.Equal(t, "dev", r2.Task.Branch)
	assert.True(t, r2.Success)

	waitIdle(t, o)
	assert.Equal(t, 0, o.BuildStatus().Queue.TotalSize)
}

func TestSubmit_RacingCompletionNeverStrandsQueuedTask(t *testing.T) {
	exec := &fakeExecutor{run: completeOK}
	files := &fakeFiles{info: artifact(1 << 30), found: true}
	o, results := newOrchestrator(exec, files)

	// The second submission races the first build's completion: it can
	// observe the busy flag just before the drain clears it. A task
	// accepted as queued must still run without any further submission.
	for i := 0; i < 100; i++ {
		_, err := o.SubmitBuildRequest("main", "simple", "", task.PriorityNormal)
		require.NoError(t, err)
		_, err = o.SubmitBuildRequest("dev", "debug", "", task.PriorityNormal)
		require.NoError(t, err)

		waitResult(t, results)
		waitResult(t, results)
		waitIdle(t, o)
		require.Equal(t, 0, o.BuildStatus().Queue.TotalSize)
	}
}

func TestSubmit_RejectsInvalidRequests(t *testing.T) {
	o, _ := newOrchestrator(&fakeExecutor{run: completeOK}, &fakeFiles{})

	_, err := o.SubmitBuildRequest("main", "turbo", "", task.PriorityNormal)
	assert.Error(t, err, "unknown strategy")

	_, err = o.SubmitBuildRequest("", "simple", "", task.PriorityNormal)
	assert.Error(t, err, "empty branch")

	_, err = o.SubmitBuildRequest("main", "special", "", task.PriorityNormal)
	assert.Error(t, err, "special without arg3")

	assert.False(t, o.BuildStatus().IsProcessing, "rejected requests never start processing")
}

func TestSubmit_PropagatesPathSecurityErrors(t *testing.T) {
	files := &fakeFiles{pathsErr: &fileops.SecurityError{Path: "x", Reason: "escape"}}
	o, _ := newOrchestrator(&fakeExecutor{run: completeOK}, files)

	_, err := o.SubmitBuildRequest("main", "simple", "", task.PriorityNormal)
	var serr *fileops.SecurityError
	require.ErrorAs(t, err, &serr)
	assert.False(t, o.BuildStatus().IsProcessing)
}

func TestSuccessDetermination(t *testing.T) {
	t.Run("exit zero but no artifact", func(t *testing.T) {
		o, results := newOrchestrator(&fakeExecutor{run: completeOK}, &fakeFiles{found: false})
		_, err := o.SubmitBuildRequest("main", "simple", "", task.PriorityNormal)
		require.NoError(t, err)

		result := waitResult(t, results)
		assert.False(t, result.Success)
		assert.Equal(t, "No build artifacts detected", result.ErrorMessage)
		waitIdle(t, o)
	})

	t.Run("artifact below minimum size", func(t *testing.T) {
		files := &fakeFiles{info: artifact(10 << 20), found: true}
		o, results := newOrchestrator(&fakeExecutor{run: completeOK}, files)
		_, err := o.SubmitBuildRequest("main", "simple", "", task.PriorityNormal)
		require.NoError(t, err)

		result := waitResult(t, results)
		assert.False(t, result.Success)
		assert.Contains(t, result.ErrorMessage, "Build artifact too small")
		assert.Contains(t, result.ErrorMessage, "10.00 MB")
		waitIdle(t, o)
	})

	t.Run("nonzero exit code", func(t *testing.T) {
		exec := &fakeExecutor{run: func(bt *task.BuildTask) (string, error) {
			require.NoError(t, bt.StartExecution(1))
			require.NoError(t, bt.CompleteExecution(2, "process exited with code 2"))
			return "boom", nil
		}}
		files := &fakeFiles{info: artifact(1 << 30), found: true}
		o, results := newOrchestrator(exec, files)
		_, err := o.SubmitBuildRequest("main", "simple", "", task.PriorityNormal)
		require.NoError(t, err)

		result := waitResult(t, results)
		assert.False(t, result.Success)
		assert.Equal(t, "Process exited with code 2", result.ErrorMessage)
		waitIdle(t, o)
	})
}

func TestCancelledTaskIsAlwaysFailure(t *testing.T) {
	exec := &fakeExecutor{run: func(bt *task.BuildTask) (string, error) {
		require.NoError(t, bt.StartExecution(1))
		require.NoError(t, bt.CancelExecution("task was cancelled during execution"))
		return "", nil
	}}
	// An artifact exists and is big enough, but cancellation wins.
	files := &fakeFiles{info: artifact(1 << 30), found: true}
	o, results := newOrchestrator(exec, files)

	_, err := o.SubmitBuildRequest("main", "simple", "", task.PriorityNormal)
	require.NoError(t, err)

	result := waitResult(t, results)
	assert.False(t, result.Success)
	assert.Equal(t, "task was cancelled during execution", result.ErrorMessage)
	waitIdle(t, o)
}

func TestExecutorErrorBecomesFailureResultAndPipelineContinues(t *testing.T) {
	exec := &fakeExecutor{run: func(*task.BuildTask) (string, error) {
		return "", errors.New("start build process: script missing")
	}}
	o, results := newOrchestrator(exec, &fakeFiles{})

	_, err := o.SubmitBuildRequest("main", "simple", "", task.PriorityNormal)
	require.NoError(t, err)

	result := waitResult(t, results)
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "script missing")

	// The busy flag must clear so the next submission starts directly.
	waitIdle(t, o)
	exec.run = completeOK
	res, err := o.SubmitBuildRequest("main", "simple", "", task.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, res.Status)
	waitResult(t, results)
	waitIdle(t, o)
}

func TestResultCallbackIsolation(t *testing.T) {
	exec := &fakeExecutor{run: completeOK}
	files := &fakeFiles{info: artifact(1 << 30), found: true}
	o := New(Config{
		Queue:           queue.New(""),
		Executor:        exec,
		Files:           files,
		MinArtifactSize: 100 << 20,
	})

	received := make(chan *task.BuildResult, 1)
	o.AddResultCallback(func(*task.BuildResult) { panic("subscriber bug") })
	o.AddResultCallback(func(r *task.BuildResult) { received <- r })

	_, err := o.SubmitBuildRequest("main", "simple", "", task.PriorityNormal)
	require.NoError(t, err)

	select {
	case r := <-received:
		assert.True(t, r.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("second callback never ran")
	}
	waitIdle(t, o)
}

func TestCancelBuild(t *testing.T) {
	t.Run("queued task by id", func(t *testing.T) {
		release := make(chan struct{})
		exec := &fakeExecutor{run: func(bt *task.BuildTask) (string, error) {
			<-release
			return completeOK(bt)
		}}
		files := &fakeFiles{info: artifact(1 << 30), found: true}
		o, results := newOrchestrator(exec, files)

		_, err := o.SubmitBuildRequest("main", "simple", "", task.PriorityNormal)
		require.NoError(t, err)
		require.Eventually(t, exec.IsExecuting, 2*time.Second, 10*time.Millisecond)

		queued, err := o.SubmitBuildRequest("dev", "debug", "", task.PriorityNormal)
		require.NoError(t, err)

		res := o.CancelBuild(queued.TaskID)
		assert.Equal(t, StatusCancelled, res.Status)

		res = o.CancelBuild(queued.TaskID)
		assert.Equal(t, StatusNotFound, res.Status, "already removed")

		close(release)
		waitResult(t, results)
		waitIdle(t, o)
	})

	t.Run("running task without id", func(t *testing.T) {
		release := make(chan struct{})
		exec := &fakeExecutor{
			cancelReturns: true,
			run: func(bt *task.BuildTask) (string, error) {
				<-release
				require.NoError(t, bt.StartExecution(1))
				require.NoError(t, bt.CancelExecution(""))
				return "", nil
			},
		}
		o, results := newOrchestrator(exec, &fakeFiles{})

		_, err := o.SubmitBuildRequest("main", "simple", "", task.PriorityNormal)
		require.NoError(t, err)
		require.Eventually(t, exec.IsExecuting, 2*time.Second, 10*time.Millisecond)

		res := o.CancelBuild("")
		assert.Equal(t, StatusCancelled, res.Status)
		assert.True(t, exec.cancelCalled)

		close(release)
		waitResult(t, results)
		waitIdle(t, o)
	})

	t.Run("task current but no live process", func(t *testing.T) {
		release := make(chan struct{})
		exec := &fakeExecutor{}
		exec.run = func(bt *task.BuildTask) (string, error) {
			// The executor has handed off the process and no longer owns
			// one, while the orchestrator still tracks the task.
			exec.mu.Lock()
			exec.executing = false
			exec.mu.Unlock()
			<-release
			return completeOK(bt)
		}
		files := &fakeFiles{info: artifact(1 << 30), found: true}
		o, results := newOrchestrator(exec, files)

		_, err := o.SubmitBuildRequest("main", "simple", "", task.PriorityNormal)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return o.BuildStatus().IsProcessing },
			2*time.Second, 10*time.Millisecond)

		res := o.CancelBuild("")
		assert.Equal(t, StatusNoTask, res.Status)
		assert.False(t, exec.cancelCalled)

		close(release)
		waitResult(t, results)
		waitIdle(t, o)
	})

	t.Run("no task executing", func(t *testing.T) {
		o, _ := newOrchestrator(&fakeExecutor{run: completeOK}, &fakeFiles{})
		res := o.CancelBuild("")
		assert.Equal(t, StatusNoTask, res.Status)
	})

	t.Run("unknown id", func(t *testing.T) {
		o, _ := newOrchestrator(&fakeExecutor{run: completeOK}, &fakeFiles{})
		res := o.CancelBuild("nope")
		assert.Equal(t, StatusNotFound, res.Status)
	})
}

func TestBuildStatus(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{run: func(bt *task.BuildTask) (string, error) {
		require.NoError(t, bt.StartExecution(99))
		<-release
		require.NoError(t, bt.CompleteExecution(0, ""))
		return "", nil
	}}
	files := &fakeFiles{info: artifact(1 << 30), found: true}
	o, results := newOrchestrator(exec, files)

	assert.False(t, o.BuildStatus().IsProcessing)

	_, err := o.SubmitBuildRequest("main", "simple", "", task.PriorityNormal)
	require.NoError(t, err)
	require.Eventually(t, exec.IsExecuting, 2*time.Second, 10*time.Millisecond)

	st := o.BuildStatus()
	assert.True(t, st.IsProcessing)
	require.NotNil(t, st.CurrentTask)
	assert.Equal(t, "main", st.CurrentTask.Branch)
	assert.Equal(t, string(task.StatusRunning), st.CurrentTask.Status)

	close(release)
	waitResult(t, results)
	waitIdle(t, o)
}

func TestProgressEventsIncludePreparationAndDiskWarning(t *testing.T) {
	exec := &fakeExecutor{run: completeOK}
	files := &fakeFiles{info: artifact(1 << 30), found: true, diskWarning: "low disk space on publish volume: 3.00 GB free"}
	o, results := newOrchestrator(exec, files)

	var mu sync.Mutex
	var stages []string
	o.AddProgressCallback(func(u task.ProgressUpdate) {
		mu.Lock()
		stages = append(stages, u.Stage)
		mu.Unlock()
	})

	_, err := o.SubmitBuildRequest("main", "simple", "", task.PriorityNormal)
	require.NoError(t, err)
	waitResult(t, results)
	waitIdle(t, o)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"preparation", "warning"}, stages)
}
