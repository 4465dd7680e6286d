package metrics

import "time"

// OutcomeLabel enumerates final build outcome categories for counters.
type OutcomeLabel string

const (
	OutcomeSuccess   OutcomeLabel = "success"
	OutcomeFailed    OutcomeLabel = "failed"
	OutcomeCancelled OutcomeLabel = "cancelled"
)

// Recorder defines observability hooks for queue and build metrics.
// Implementations may forward to Prometheus, OpenTelemetry, etc. All
// methods must be safe on a nil *PrometheusRecorder so injection stays
// optional.
type Recorder interface {
	SetQueueDepth(n int)
	ObserveBuildDuration(strategy string, d time.Duration)
	IncBuildOutcome(strategy string, outcome OutcomeLabel)
	IncStageReached(stage string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are
// not configured).
type NoopRecorder struct{}

func (NoopRecorder) SetQueueDepth(int)                          {}
func (NoopRecorder) ObserveBuildDuration(string, time.Duration) {}
func (NoopRecorder) IncBuildOutcome(string, OutcomeLabel)       {}
func (NoopRecorder) IncStageReached(string)                     {}
