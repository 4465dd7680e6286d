package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrategyFromString(t *testing.T) {
	tests := []struct {
		input   string
		want    Strategy
		wantErr bool
	}{
		{"simple", StrategySimple, false},
		{"DEBUG", StrategyDebug, false},
		{" develop ", StrategyDevelop, false},
		{"all", StrategyAll, false},
		{"special", StrategySpecial, false},
		{"turbo", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := StrategyFromString(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_Validation(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		bt, err := New("main", StrategySimple, "")
		require.NoError(t, err)
		assert.NotEmpty(t, bt.TaskID)
		assert.Equal(t, StatusPending, bt.Status)
		assert.False(t, bt.CreatedAt.IsZero())
	})

	t.Run("trims branch", func(t *testing.T) {
		bt, err := New("  release/1.0  ", StrategyDebug, "")
		require.NoError(t, err)
		assert.Equal(t, "release/1.0", bt.Branch)
	})

	t.Run("empty branch", func(t *testing.T) {
		_, err := New("   ", StrategySimple, "")
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "branch", verr.Field)
	})

	t.Run("hostile branch characters", func(t *testing.T) {
		for _, branch := range []string{"a<b", "a>b", "a:b", `a"b`, "a|b", "a?b", "a*b"} {
			_, err := New(branch, StrategySimple, "")
			assert.Error(t, err, "branch %q should be rejected", branch)
		}
	})

	t.Run("special without arg3", func(t *testing.T) {
		_, err := New("main", StrategySpecial, "")
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "arg3", verr.Field)
	})

	t.Run("special with arg3", func(t *testing.T) {
		bt, err := New("main", StrategySpecial, "Shipping")
		require.NoError(t, err)
		assert.Equal(t, "Shipping", bt.Arg3)
	})
}

func TestBuildTask_Transitions(t *testing.T) {
	newTask := func(t *testing.T) *BuildTask {
		t.Helper()
		bt, err := New("main", StrategySimple, "")
		require.NoError(t, err)
		return bt
	}

	t.Run("full happy path", func(t *testing.T) {
		bt := newTask(t)
		require.NoError(t, bt.MarkQueued())
		require.NoError(t, bt.StartExecution(4242))
		assert.Equal(t, StatusRunning, bt.Status)
		assert.Equal(t, 4242, bt.ProcessID)
		require.NotNil(t, bt.StartedAt)

		require.NoError(t, bt.CompleteExecution(0, ""))
		assert.Equal(t, StatusCompleted, bt.Status)
		require.NotNil(t, bt.ReturnCode)
		assert.Equal(t, 0, *bt.ReturnCode)
		assert.True(t, bt.IsFinished())
	})

	t.Run("nonzero code fails", func(t *testing.T) {
		bt := newTask(t)
		require.NoError(t, bt.MarkQueued())
		require.NoError(t, bt.StartExecution(1))
		require.NoError(t, bt.CompleteExecution(7, "process exited with code 7"))
		assert.Equal(t, StatusFailed, bt.Status)
	})

	t.Run("start requires queued", func(t *testing.T) {
		bt := newTask(t)
		var terr *TransitionError
		require.ErrorAs(t, bt.StartExecution(1), &terr)
		assert.Equal(t, StatusPending, terr.From)
	})

	t.Run("complete requires running", func(t *testing.T) {
		bt := newTask(t)
		require.NoError(t, bt.MarkQueued())
		assert.Error(t, bt.CompleteExecution(0, ""))
	})

	t.Run("cancel from queued and running only", func(t *testing.T) {
		bt := newTask(t)
		assert.Error(t, bt.CancelExecution("")) // pending

		require.NoError(t, bt.MarkQueued())
		require.NoError(t, bt.CancelExecution(""))
		assert.Equal(t, StatusCancelled, bt.Status)
		assert.Equal(t, "task cancelled by user", bt.ErrorMessage)

		assert.Error(t, bt.CancelExecution("")) // already terminal
	})

	t.Run("transitions are one-directional", func(t *testing.T) {
		bt := newTask(t)
		require.NoError(t, bt.MarkQueued())
		require.NoError(t, bt.StartExecution(1))
		require.NoError(t, bt.CompleteExecution(0, ""))
		assert.Error(t, bt.MarkQueued())
		assert.Error(t, bt.StartExecution(1))
		assert.Error(t, bt.CompleteExecution(0, ""))
		assert.Error(t, bt.CancelExecution(""))
	})
}

func TestBuildTask_Duration(t *testing.T) {
	bt, err := New("main", StrategySimple, "")
	require.NoError(t, err)
	assert.Zero(t, bt.Duration())

	start := time.Now().Add(-90 * time.Second)
	end := time.Now()
	bt.StartedAt = &start
	bt.CompletedAt = &end
	assert.InDelta(t, 90, bt.Duration().Seconds(), 1)
}

func TestQueuedTask_Before(t *testing.T) {
	now := time.Now()
	mk := func(p Priority, at time.Time, seq uint64) *QueuedTask {
		return &QueuedTask{Task: &BuildTask{TaskID: "t"}, Priority: p, QueuedAt: at, Seq: seq}
	}

	high := mk(PriorityHigh, now, 3)
	early := mk(PriorityNormal, now.Add(-time.Minute), 1)
	late := mk(PriorityNormal, now, 2)

	assert.True(t, high.Before(early), "priority beats age")
	assert.True(t, early.Before(late), "earlier enqueue wins within priority")

	a := mk(PriorityNormal, now, 1)
	b := mk(PriorityNormal, now, 2)
	assert.True(t, a.Before(b), "seq breaks exact timestamp ties")
	assert.False(t, b.Before(a))
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority("URGENT")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	_, err = ParsePriority("extreme")
	assert.Error(t, err)
}

func TestParseBuildInfo(t *testing.T) {
	tests := []struct {
		name     string
		folder   string
		wantYMD  string
		wantVer  string
		wantType BuildType
	}{
		{"versioned dev", "20240801_ver_1.2.3_Development", "20240801", "1.2.3", BuildTypeDevelopment},
		{"debug", "20240801_ver_1.2.3_Debug", "20240801", "1.2.3", BuildTypeDebug},
		{"shipping via main", "20240801_main_42", "20240801", "42", BuildTypeShipping},
		{"unparseable", "nightly", "nightly", "?", BuildTypeUnknown},
		{"empty", "", "?", "?", BuildTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := ParseBuildInfo("/publish/x", tt.folder, "1.00 GB", 1<<30)
			assert.Equal(t, tt.wantYMD, info.YMD)
			assert.Equal(t, tt.wantVer, info.Version)
			assert.Equal(t, tt.wantType, info.BuildType)
			assert.Equal(t, int64(1<<30), info.SizeBytes)
		})
	}
}

func TestBuildResult_Invariants(t *testing.T) {
	bt, err := New("main", StrategySimple, "")
	require.NoError(t, err)

	_, err = NewSuccessResult(bt, nil, time.Second)
	assert.Error(t, err, "success without build info must be rejected")

	info := ParseBuildInfo("/p", "20240801_ver_1_Development", "2.00 GB", 2<<30)
	res, err := NewSuccessResult(bt, &info, time.Second)
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = NewFailureResult(bt, "", time.Second)
	assert.Error(t, err, "failure without message must be rejected")

	res, err = NewFailureResult(bt, "no build artifacts detected", time.Second)
	require.NoError(t, err)
	assert.False(t, res.Success)
}
