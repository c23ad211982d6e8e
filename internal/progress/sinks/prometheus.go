package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/bylaw-capture/internal/progress"
)

// PrometheusSink exports job and document latency metrics. Counters for jobs,
// fetches and integrity failures live in telemetry; this sink only derives the
// distributions that need the start and end of a job paired up.
type PrometheusSink struct {
	jobRuntime  *prometheus.HistogramVec
	docDuration *prometheus.HistogramVec
	discovered  *prometheus.CounterVec
	jobsRunning prometheus.Gauge

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bylaw_job_runtime_seconds",
			Help:    "Wall time per finished capture job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"status"}),
		docDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bylaw_document_duration_seconds",
			Help:    "Capture-to-version time per document partitioned by outcome.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"outcome"}),
		discovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bylaw_documents_discovered_total",
			Help: "Document links discovered per site.",
		}, []string{"site"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bylaw_jobs_in_progress",
			Help: "Jobs that reported a start but not yet a finish.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobRuntime,
		s.docDuration,
		s.discovered,
		s.jobsRunning,
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
	switch evt.Stage {
	case progress.StageJobStart:
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StageDiscovered:
		site := evt.SiteID
		if site == "" {
			site = "unknown"
		}
		s.discovered.WithLabelValues(site).Add(float64(evt.Count))
	case progress.StageDocumentDone:
		if evt.Dur > 0 {
			s.docDuration.WithLabelValues(string(evt.Outcome)).Observe(evt.Dur.Seconds())
		}
	case progress.StageJobDone:
		if evt.Dur > 0 {
			s.jobRuntime.WithLabelValues(string(evt.Status)).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
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
