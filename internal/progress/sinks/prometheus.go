package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"lenslate/internal/progress"
)

// PrometheusSink exports pipeline progress metrics via Prometheus. It owns all
// collectors for jobs received/completed/running and per-host transfer
// counters.
type PrometheusSink struct {
	jobsReceived  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	fetchRequests  *prometheus.CounterVec
	fetchBytes     *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	uploadRequests *prometheus.CounterVec
	uploadDuration *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lenslate_pipeline_jobs_received_total",
			Help: "Total jobs received partitioned by transport.",
		}, []string{"transport"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lenslate_pipeline_jobs_completed_total",
			Help: "Total jobs completed partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lenslate_pipeline_jobs_running",
			Help: "Current number of jobs being worked.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lenslate_pipeline_job_runtime_seconds",
			Help:    "Wall time per completed job.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"result"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lenslate_pipeline_fetch_requests_total",
			Help: "Source image fetch completions partitioned by host and status class.",
		}, []string{"host", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lenslate_pipeline_fetch_bytes_total",
			Help: "Bytes downloaded per host.",
		}, []string{"host"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lenslate_pipeline_fetch_duration_seconds",
			Help:    "Source image fetch duration partitioned by host and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"host", "status_class"}),
		uploadRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lenslate_pipeline_upload_requests_total",
			Help: "Lens upload completions partitioned by status class.",
		}, []string{"status_class"}),
		uploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lenslate_pipeline_upload_duration_seconds",
			Help:    "Lens upload duration partitioned by status class.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 20},
		}, []string{"status_class"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsReceived,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
		s.uploadRequests,
		s.uploadDuration,
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
	case progress.StageJobReceived, progress.StageWorkerStart,
		progress.StageJobDone, progress.StageJobError:
		s.handleJobEvent(evt)
	case progress.StageFetchDone:
		s.handleFetchEvent(evt)
	case progress.StageUploadDone:
		s.handleUploadEvent(evt)
	}
}

func (s *PrometheusSink) handleJobEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobReceived:
		transport := evt.Transport
		if transport == "" {
			transport = "unknown"
		}
		s.jobsReceived.WithLabelValues(transport).Inc()
	case progress.StageWorkerStart:
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobDone:
		s.jobsCompleted.WithLabelValues("done").Inc()
		s.observeRuntime(evt, "done")
	case progress.StageJobError:
		s.jobsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage == progress.StageJobDone || evt.Stage == progress.StageJobError {
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	host := evt.Host
	if host == "" {
		host = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.fetchRequests.WithLabelValues(host, statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(host).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(host, statusClass).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleUploadEvent(evt progress.Event) {
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.uploadRequests.WithLabelValues(statusClass).Inc()
	if evt.Dur > 0 {
		s.uploadDuration.WithLabelValues(statusClass).Observe(evt.Dur.Seconds())
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
