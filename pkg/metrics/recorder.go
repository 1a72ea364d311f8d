// Package metrics provides Prometheus instrumentation for the runtime
// and a query service that aggregates recorded series per session.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder owns the runtime's Prometheus series: LLM traffic, FSM
// transitions, approvals, stream chunks and plan executions.
type Recorder struct {
	requestsTotal    *prometheus.CounterVec
	tokensTotal      *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	transitionsTotal *prometheus.CounterVec
	approvalsTotal   *prometheus.CounterVec
	chunksTotal      *prometheus.CounterVec
	plansTotal       *prometheus.CounterVec
}

// NewRecorder registers the runtime metrics on the default registerer.
func NewRecorder() *Recorder {
	return NewRecorderWith(prometheus.DefaultRegisterer)
}

// NewRecorderWith registers the runtime metrics on the given registerer.
// Tests pass a fresh registry to avoid duplicate registration panics.
func NewRecorderWith(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by model, agent, session, and status",
			},
			[]string{"model", "agent", "session_id", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "agent", "session_id", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "agent"},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsm_transitions_total",
				Help: "Total number of session state machine transitions",
			},
			[]string{"from", "to", "event"},
		),
		approvalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approval_requests_total",
				Help: "Total number of approval requests by type and outcome",
			},
			[]string{"request_type", "outcome"},
		),
		chunksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_chunks_total",
				Help: "Total number of stream chunks emitted by type",
			},
			[]string{"type"},
		),
		plansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plan_executions_total",
				Help: "Total number of plan executions by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// ObserveLLMRequest records one completed LLM call. Token counts are
// recorded only for successful requests; failed calls still count in
// llm_requests_total and the duration histogram.
func (r *Recorder) ObserveLLMRequest(model, agent, sessionID string, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration) {
	if r == nil {
		return
	}

	status := "success"
	if !success {
		status = "error"
	}
	r.requestsTotal.WithLabelValues(model, agent, sessionID, status, errorType).Inc()

	if success {
		r.tokensTotal.WithLabelValues(model, agent, sessionID, "prompt").Add(float64(promptTokens))
		r.tokensTotal.WithLabelValues(model, agent, sessionID, "completion").Add(float64(completionTokens))
	}

	r.requestDuration.WithLabelValues(model, agent).Observe(duration.Seconds())
}

// IncTransition counts one state machine transition.
func (r *Recorder) IncTransition(from, to, event string) {
	if r == nil {
		return
	}
	r.transitionsTotal.WithLabelValues(from, to, event).Inc()
}

// IncApproval counts an approval lifecycle step. Outcomes are
// requested, approved, rejected or expired.
func (r *Recorder) IncApproval(requestType, outcome string) {
	if r == nil {
		return
	}
	r.approvalsTotal.WithLabelValues(requestType, outcome).Inc()
}

// IncChunk counts one stream chunk by wire type.
func (r *Recorder) IncChunk(chunkType string) {
	if r == nil {
		return
	}
	r.chunksTotal.WithLabelValues(chunkType).Inc()
}

// IncPlanExecution counts one finished plan run. Outcomes are
// completed, failed, suspended or cancelled.
func (r *Recorder) IncPlanExecution(outcome string) {
	if r == nil {
		return
	}
	r.plansTotal.WithLabelValues(outcome).Inc()
}
