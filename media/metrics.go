package media

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var blobFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "media_blob_fetch_duration_seconds",
	Help:    "Time to fetch a blob from a PDS",
	Buckets: prometheus.ExponentialBucketsRange(0.001, 10, 10),
})

var blobFetchCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "media_blob_fetch_total",
	Help: "Number of blob fetches by outcome",
}, []string{"status"})
