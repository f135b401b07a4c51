// Package metrics provides Prometheus metrics for the relay
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Relay metrics
	MessagesTotal *prometheus.CounterVec
	RepliesTotal  *prometheus.CounterVec

	// Completion metrics
	CompletionRequestsTotal *prometheus.CounterVec
	CompletionDuration      *prometheus.HistogramVec
	CompletionRetriesTotal  prometheus.Counter

	// Log file metrics
	LogWritesTotal         *prometheus.CounterVec
	HistoryReadsTotal      prometheus.Counter
	HistoryMalformedTotal  prometheus.Counter
	HistoryRecordsReturned prometheus.Histogram

	// Transport metrics
	UpdatesTotal   prometheus.Counter
	PollErrorTotal prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{}

	m.MessagesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Total number of inbound messages handled, by mode",
		},
		[]string{"mode"},
	)

	m.RepliesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_replies_total",
			Help: "Total number of replies produced, by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	m.CompletionRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_completion_requests_total",
			Help: "Total number of completion attempts",
		},
		[]string{"purpose", "status"},
	)

	m.CompletionDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_completion_duration_seconds",
			Help:    "Duration of completion attempts in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"purpose"},
	)

	m.CompletionRetriesTotal = f.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_completion_retries_total",
			Help: "Total number of completion retries scheduled",
		},
	)

	m.LogWritesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_log_writes_total",
			Help: "Total number of log appends",
		},
		[]string{"log", "status"},
	)

	m.HistoryReadsTotal = f.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_history_reads_total",
			Help: "Total number of history retrievals",
		},
	)

	m.HistoryMalformedTotal = f.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_history_malformed_lines_total",
			Help: "Total number of history lines skipped as malformed",
		},
	)

	m.HistoryRecordsReturned = f.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_history_records_returned",
			Help:    "Number of records returned per history retrieval",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	m.UpdatesTotal = f.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_updates_total",
			Help: "Total number of transport updates received",
		},
	)

	m.PollErrorTotal = f.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_poll_errors_total",
			Help: "Total number of failed transport polls",
		},
	)

	return m
}

// RecordMessage counts an inbound message for mode.
func (m *Metrics) RecordMessage(mode string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(mode).Inc()
}

// RecordReply counts a reply for mode with outcome "ok" or "fallback".
func (m *Metrics) RecordReply(mode, outcome string) {
	if m == nil {
		return
	}
	m.RepliesTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordCompletion records one completion attempt
func (m *Metrics) RecordCompletion(purpose, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CompletionRequestsTotal.WithLabelValues(purpose, status).Inc()
	m.CompletionDuration.WithLabelValues(purpose).Observe(duration.Seconds())
}

func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.CompletionRetriesTotal.Inc()
}

// RecordLogWrite records an append to the named log
func (m *Metrics) RecordLogWrite(log string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LogWritesTotal.WithLabelValues(log, status).Inc()
}

// RecordHistoryRead records a retrieval and how many lines it skipped.
func (m *Metrics) RecordHistoryRead(returned, malformed int) {
	if m == nil {
		return
	}
	m.HistoryReadsTotal.Inc()
	m.HistoryRecordsReturned.Observe(float64(returned))
	if malformed > 0 {
		m.HistoryMalformedTotal.Add(float64(malformed))
	}
}

func (m *Metrics) RecordUpdates(n int) {
	if m == nil {
		return
	}
	m.UpdatesTotal.Add(float64(n))
}

func (m *Metrics) RecordPollError() {
	if m == nil {
		return
	}
	m.PollErrorTotal.Inc()
}
