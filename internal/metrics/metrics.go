package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	FormatMP4  = "mp4"
	FormatWebM = "webm"

	SourceCache  = "cache"
	SourceOrigin = "origin"
)

var (
	ProxyRequestsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_requests_count",
	}, []string{"source"})

	ProxyBytesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_bytes_sent",
	}, []string{"source"})

	ProxyBytesCached = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_bytes_cached",
	})

	ProxyErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_errors_count",
	}, []string{"kind"})

	CacheFilesCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cache_files_count",
	})

	SegmentsDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hls_segments_downloaded",
	})
	SegmentsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hls_segments_failed",
	})
	SegmentDownloadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hls_segment_download_seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
	})

	DiagHTTPRequests = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diag_http_requests",
			Help:    "Diagnostic endpoint latency distributions",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.4, 1, 2, 5, 10},
		},
		[]string{"status_code"},
	)
)
