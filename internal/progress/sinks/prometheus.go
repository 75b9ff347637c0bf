package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sitelens/sitelens/internal/progress"
)

// PrometheusSink exports analysis progress metrics via Prometheus. Collectors
// are labeled by step only, never by job id, so cardinality stays bounded no
// matter how many jobs flow through.
type PrometheusSink struct {
	checkpoints *prometheus.CounterVec
	percent     *prometheus.GaugeVec
	inflight    prometheus.Gauge

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitelens_progress_checkpoints_total",
			Help: "Progress checkpoints observed partitioned by step.",
		}, []string{"step"}),
		percent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitelens_progress_percent",
			Help: "Most recently reported completion percentage per step.",
		}, []string{"step"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitelens_progress_jobs_inflight",
			Help: "Jobs between their first checkpoint and completion.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.checkpoints,
		s.percent,
		s.inflight,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	step := string(evt.Step)
	s.checkpoints.WithLabelValues(step).Inc()
	s.percent.WithLabelValues(step).Set(float64(evt.Percent))
	if evt.Step == progress.StepCompleted || evt.Percent >= 100 {
		if s.tracker.complete(evt.JobID) {
			s.inflight.Dec()
		}
		return
	}
	if s.tracker.start(evt.JobID) {
		s.inflight.Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
