package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bearwatch_sessions_total",
		Help: "Total number of analysis sessions, by kind and outcome",
	}, []string{"kind", "outcome"})

	SessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bearwatch_session_duration_seconds",
		Help:    "Duration of analysis sessions",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"kind"})

	FramesExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bearwatch_frames_extracted_total",
		Help: "Total number of frames extracted across all sessions",
	})

	FramesClassifiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bearwatch_frames_classified_total",
		Help: "Total number of oracle classifications, by outcome",
	}, []string{"outcome"})

	OracleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bearwatch_oracle_request_duration_seconds",
		Help:    "Latency of oracle inference requests",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
	})

	OracleInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bearwatch_oracle_in_flight",
		Help: "Number of oracle requests currently in flight across all sessions",
	})

	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bearwatch_alerts_total",
		Help: "Total number of alert dispatches, by result",
	}, []string{"result"})
)
