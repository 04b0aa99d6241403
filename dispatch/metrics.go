// Package dispatch runs the pipeline consumers: solver workers that drive
// a browser through a captcha, and the router that classifies crawled
// jobs and persists the results.
package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Solves        *prometheus.CounterVec
	SolveDuration *prometheus.HistogramVec
	SolveRounds   *prometheus.HistogramVec
	Routed        *prometheus.CounterVec
	Phishing      *prometheus.CounterVec
	Notifications *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors on reg. A nil reg uses a
// private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Solves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phishdecloaker",
			Name:      "solves_total",
			Help:      "Captcha solve attempts by type and result.",
		}, []string{"type", "result"}),
		SolveDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "phishdecloaker",
			Name:      "solve_duration_seconds",
			Help:      "Wall time of a solver job.",
			Buckets:   []float64{5, 10, 20, 30, 60, 90, 120, 180, 300},
		}, []string{"type"}),
		SolveRounds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "phishdecloaker",
			Name:      "solve_rounds",
			Help:      "Challenge rounds observed per solve.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}, []string{"type"}),
		Routed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phishdecloaker",
			Name:      "routed_jobs_total",
			Help:      "Jobs handled by the router by crawl mode and outcome.",
		}, []string{"mode", "outcome"}),
		Phishing: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phishdecloaker",
			Name:      "phishing_detected_total",
			Help:      "Positive phishing verdicts by crawl mode.",
		}, []string{"mode"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phishdecloaker",
			Name:      "notifications_total",
			Help:      "Outbound notifications by sink and result.",
		}, []string{"sink", "result"}),
	}
}
