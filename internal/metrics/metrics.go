// Package metrics provides Prometheus instrumentation for the story
// coordination core: poll/reconcile throughput, generation gate outcomes, and
// moderator presence.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PollTicks counts reconciliation loop poll cycles across all clients in
	// this process.
	PollTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "story_poll_ticks_total",
		Help: "Total number of story log poll cycles",
	})

	// Reconciliations counts polls whose merge actually changed the local cache.
	Reconciliations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "story_reconciliations_total",
		Help: "Total number of polls that changed the local cache",
	})

	// MessagesSent counts messages appended to the log, labeled by sender.
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "story_messages_sent_total",
		Help: "Total number of messages appended to the story log",
	}, []string{"sender"})

	// GateEvaluations counts generation gate evaluations by outcome:
	// "not_ready", "busy", "lost_race", "failed", or "narrated".
	GateEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "story_gate_evaluations_total",
		Help: "Total number of generation gate evaluations by outcome",
	}, []string{"outcome"})

	// NarrationLatency records how long the narrative generator takes.
	NarrationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "story_narration_latency_seconds",
		Help:    "Narrative generator invocation latency in seconds",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30},
	})

	// ActivePresence tracks the number of sessions with a live moderator console.
	ActivePresence = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "story_active_presence",
		Help: "Current number of sessions with an active moderator console",
	})

	// OverrideMessages counts manual moderator messages sent through the
	// override channel.
	OverrideMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "story_override_messages_total",
		Help: "Total number of manual moderator override messages",
	})
)

func init() {
	prometheus.MustRegister(
		PollTicks,
		Reconciliations,
		MessagesSent,
		GateEvaluations,
		NarrationLatency,
		ActivePresence,
		OverrideMessages,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
