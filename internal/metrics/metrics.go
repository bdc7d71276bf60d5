package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BackendBuilds counts backend constructions by outcome ("ok" or "error").
	BackendBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upscaler_backend_builds_total",
		Help: "Number of backend constructions performed by the pipeline cache.",
	}, []string{"task", "outcome"})

	BackendReleases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upscaler_backend_releases_total",
		Help: "Number of cached backends released.",
	})

	TilesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upscaler_tiles_processed_total",
		Help: "Number of tiles passed through the backend.",
	})

	TileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "upscaler_tile_duration_seconds",
		Help:    "Backend latency per tile.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "upscaler_batch_duration_seconds",
		Help:    "Wall time of one full tile pass.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// Jobs counts finished jobs by outcome: succeeded, canceled, failed, busy.
	Jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upscaler_jobs_total",
		Help: "Number of upscale jobs by outcome.",
	}, []string{"outcome"})
)
