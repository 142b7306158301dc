package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsTotal counts handled bot commands by command and outcome
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instatg_commands_total",
			Help: "Bot commands handled by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	// DownloadsTotal counts media downloads by media type and status
	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instatg_downloads_total",
			Help: "Media downloads by media type and status",
		},
		[]string{"media_type", "status"},
	)

	DownloadedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "instatg_downloaded_bytes_total",
			Help: "Bytes written by the download pipeline",
		},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "instatg_rate_limited_total",
			Help: "Requests rejected by the per-user rate limiter",
		},
	)

	// InstagramRequestDuration tracks Instagram API latency in seconds
	InstagramRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instatg_instagram_request_duration_seconds",
			Help:    "Instagram API request duration by endpoint and status class",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)

	ActiveFlows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "instatg_active_flows",
			Help: "Users currently inside a multi-step conversation",
		},
	)
)
