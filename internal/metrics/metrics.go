package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paam_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paam_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	// Chat metrics
	ChatTurns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paam_chat_turns_total",
			Help: "Chat turns by outcome",
		},
		[]string{"outcome"}, // "ok", "validation", "not_found", "upstream", "internal"
	)

	ConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paam_conversations_created_total",
			Help: "Total conversations created",
		},
	)

	TokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paam_tokens_used_total",
			Help: "Tokens reported by the upstream model",
		},
		[]string{"model", "kind"}, // kind: "prompt" or "completion"
	)

	PromptTokensEstimated = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paam_prompt_tokens_estimated",
			Help:    "Estimated prompt size sent upstream",
			Buckets: prometheus.ExponentialBuckets(16, 2, 14),
		},
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paam_upstream_latency_seconds",
			Help:    "Upstream completion latency",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"model"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paam_rate_limit_hits_total",
			Help: "Requests rejected by the chat rate limiter",
		},
	)
)
