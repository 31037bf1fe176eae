package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdvbridge_jobs_total",
			Help: "Total number of finished jobs by terminal status.",
		},
		[]string{"status"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sdvbridge_job_duration_seconds",
			Help:    "Time between a job starting and completing.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900, 1800},
		},
	)

	gateWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sdvbridge_gate_wait_seconds",
			Help:    "Time spent waiting for the execution gate.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
	)

	jobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sdvbridge_jobs_in_flight",
			Help: "Number of jobs queued or running.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, jobDuration, gateWait, jobsInFlight)
}
