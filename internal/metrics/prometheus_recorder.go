package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once          sync.Once
	queueDepth    prom.Gauge
	buildDuration *prom.HistogramVec
	buildOutcome  *prom.CounterVec
	stagesReached *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.queueDepth = prom.NewGauge(prom.GaugeOpts{
			Namespace: "buildbot",
			Name:      "queue_depth",
			Help:      "Number of tasks currently queued",
		})
		pr.buildDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "buildbot",
			Name:      "build_duration_seconds",
			Help:      "Total build duration by strategy",
			Buckets:   prom.ExponentialBuckets(30, 2, 10),
		}, []string{"strategy"})
		pr.buildOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildbot",
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by strategy and final status",
		}, []string{"strategy", "outcome"})
		pr.stagesReached = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildbot",
			Name:      "build_stages_total",
			Help:      "Build stage markers observed in process output",
		}, []string{"stage"})
		reg.MustRegister(pr.queueDepth, pr.buildDuration, pr.buildOutcome, pr.stagesReached)
	})
	return pr
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusRecorder) ObserveBuildDuration(strategy string, d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(strategy string, outcome OutcomeLabel) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(strategy, string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncStageReached(stage string) {
	if p == nil || p.stagesReached == nil {
		return
	}
	p.stagesReached.WithLabelValues(stage).Inc()
}
