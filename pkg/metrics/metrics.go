package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feedbackstream_sessions_started_total",
			Help: "Total number of feedback sessions started",
		},
	)

	SessionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbackstream_sessions_finished_total",
			Help: "Total number of feedback sessions by outcome (completed, failed, rejected)",
		},
		[]string{"outcome"},
	)

	FeedbackPersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feedbackstream_feedback_persist_failures_total",
			Help: "Total number of completed transcripts that could not be stored",
		},
	)

	// Resumption metrics
	ResumeOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbackstream_resume_outcomes_total",
			Help: "Total number of resume requests by outcome (live, reconstructed, empty, no_history, unsupported)",
		},
		[]string{"outcome"},
	)

	SideChannelAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "feedbackstream_side_channel_available",
			Help: "Whether streams can be resumed (1 = side-channel available, 0 = pass-through)",
		},
	)

	SideChannelErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbackstream_side_channel_errors_total",
			Help: "Total number of side-channel failures by operation",
		},
		[]string{"op"},
	)

	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbackstream_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)
)

const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"

	ResumeLive          = "live"
	ResumeReconstructed = "reconstructed"
	ResumeEmpty         = "empty"
	ResumeNoHistory     = "no_history"
	ResumeUnsupported   = "unsupported"
)

func init() {
	prometheus.MustRegister(SessionsStarted)
	prometheus.MustRegister(SessionsFinished)
	prometheus.MustRegister(FeedbackPersistFailures)
	prometheus.MustRegister(ResumeOutcomes)
	prometheus.MustRegister(SideChannelAvailable)
	prometheus.MustRegister(SideChannelErrors)
	prometheus.MustRegister(HTTPRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
