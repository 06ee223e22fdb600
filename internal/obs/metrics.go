// Package obs holds the relay's Prometheus metrics and the metrics/health server.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions        = promauto.NewGauge(prometheus.GaugeOpts{Name: "wsmcp_active_sessions", Help: "Sessions currently relaying"})
	SessionsTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsmcp_sessions_total", Help: "Sessions by outcome"}, []string{"outcome"})
	MessagesTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsmcp_messages_total", Help: "Relayed messages by direction"}, []string{"direction"})
	BytesTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsmcp_bytes_total", Help: "Relayed payload bytes by direction"}, []string{"direction"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsmcp_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSecond = promauto.NewHistogram(prometheus.HistogramOpts{Name: "wsmcp_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
