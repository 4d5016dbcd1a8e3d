package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	jobsTotal            *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	activeJobs           prometheus.Gauge
	failuresTotal        *prometheus.CounterVec
	deleteFailuresTotal  *prometheus.CounterVec
	reportFailuresTotal  prometheus.Counter
	renditionsUploaded   prometheus.Counter
	waitTimeoutsTotal    *prometheus.CounterVec
	queueDepthLastListed *prometheus.GaugeVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studioqueue_jobs_total",
			Help: "Total jobs attempted by family, kind and final status.",
		}, []string{"family", "kind", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studioqueue_job_duration_seconds",
			Help:    "Time from reading a job file to its deletion.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"family", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "studioqueue_active_jobs",
			Help: "Jobs currently executing against the host (0 or 1).",
		}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studioqueue_job_failures_total",
			Help: "Failed jobs by family and error class.",
		}, []string{"family", "class"}),
		deleteFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studioqueue_job_delete_failures_total",
			Help: "Job files that could not be deleted after processing.",
		}, []string{"family"}),
		reportFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studioqueue_report_failures_total",
			Help: "Failure reports that could not be delivered.",
		}),
		renditionsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studioqueue_renditions_uploaded_total",
			Help: "Mockup renditions copied to object storage.",
		}),
		waitTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studioqueue_wait_timeouts_total",
			Help: "Bounded waits that ended without any job file.",
		}, []string{"family"}),
		queueDepthLastListed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "studioqueue_queue_depth",
			Help: "Job files found by the most recent listing.",
		}, []string{"family"}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.failuresTotal,
		m.deleteFailuresTotal,
		m.reportFailuresTotal,
		m.renditionsUploaded,
		m.waitTimeoutsTotal,
		m.queueDepthLastListed,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
