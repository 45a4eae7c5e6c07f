// Package metrics provides Prometheus metrics for simplewebui.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// No session or conversation ids in labels.

var (
	// HTTPRequestsTotal counts handled requests by route, method and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webui_http_requests_total",
		Help: "Total HTTP requests, by route, method and status code.",
	}, []string{"route", "method", "code"})

	// HTTPRequestDuration observes request latency by route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webui_http_request_duration_seconds",
		Help:    "HTTP request latency, by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// CompletionsTotal counts LLM completions by provider and result (ok, error, canceled).
	CompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webui_llm_completions_total",
		Help: "Total LLM completions, by provider and result.",
	}, []string{"provider", "result"})

	// TokensStreamed counts content chunks forwarded to browsers.
	TokensStreamed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webui_llm_tokens_streamed_total",
		Help: "Total streamed content chunks, by provider.",
	}, []string{"provider"})

	// StreamDuration observes how long a reply stream stays open.
	StreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webui_llm_stream_duration_seconds",
		Help:    "Duration of reply streams, by provider.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"provider"})

	// ActiveStreams tracks currently open SSE reply streams.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webui_active_streams",
		Help: "Current number of open reply streams.",
	})

	// ConversationsSaved counts conversation file writes.
	ConversationsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webui_conversations_saved_total",
		Help: "Total conversation file writes.",
	})

	// PromptsRejected counts prompts refused before reaching the model, by reason.
	PromptsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webui_prompts_rejected_total",
		Help: "Total prompts rejected, by reason (rate_limited, too_long).",
	}, []string{"reason"})

	// SessionsCleaned counts expired sessions removed by the cleanup loop.
	SessionsCleaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webui_sessions_cleaned_total",
		Help: "Total expired sessions removed.",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCompletion records the outcome of one completion.
func ObserveCompletion(provider, result string, started time.Time) {
	CompletionsTotal.WithLabelValues(provider, result).Inc()
	StreamDuration.WithLabelValues(provider).Observe(time.Since(started).Seconds())
}
