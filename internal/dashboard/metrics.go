package dashboard

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anthropics/batchpilot/internal/store"
)

var (
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batchpilot_http_request_duration_seconds",
			Help:    "Dashboard API request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)
)

// storeCollector exposes live job and unit counts straight from the
// database, so metrics stay correct no matter which process does the work.
type storeCollector struct {
	store *store.Store

	jobsDesc *prometheus.Desc
}

func newStoreCollector(st *store.Store) *storeCollector {
	return &storeCollector{
		store: st,
		jobsDesc: prometheus.NewDesc(
			"batchpilot_jobs",
			"Number of jobs by status.",
			[]string{"status"}, nil,
		),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobsDesc
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.store.CountJobsByStatus()
	if err != nil {
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.jobsDesc, prometheus.GaugeValue,
			float64(n), string(status))
	}
}

func newRegistry(st *store.Store) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(requestDuration)
	reg.MustRegister(newStoreCollector(st))
	return reg
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestDuration.WithLabelValues(path, c.Request.Method,
			strconv.Itoa(c.Writer.Status())).Observe(time.Since(start).Seconds())
	}
}
