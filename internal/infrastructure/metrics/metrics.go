package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the application
type Collector struct {
	registry *prometheus.Registry

	// Store metrics
	StoreOperations  *prometheus.CounterVec
	StoreDuration    *prometheus.HistogramVec
	VersionConflicts prometheus.Counter
	DocumentBytes    *prometheus.HistogramVec

	// Domain metrics
	ValidationRejections *prometheus.CounterVec
	ConnectionsReplaced  prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCollector creates a collector registered on a fresh registry. A nil
// collector is valid everywhere and records nothing.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		StoreOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Total number of flow store operations",
		}, []string{"operation", "medium", "status"}),
		StoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Flow store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "medium"}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Saves rejected because the stored version moved on",
		}),
		DocumentBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "document_bytes",
			Help:      "Size of persisted flow documents",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"format"}),
		ValidationRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_rejections_total",
			Help:      "Mutations rejected by the connection validator",
		}, []string{"reason"}),
		ConnectionsReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_replaced_total",
			Help:      "Connections displaced by a newer connection into the same input",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		c.StoreOperations,
		c.StoreDuration,
		c.VersionConflicts,
		c.DocumentBytes,
		c.ValidationRejections,
		c.ConnectionsReplaced,
		c.HTTPRequests,
		c.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveStore records one store operation
func (c *Collector) ObserveStore(operation, medium string, start time.Time, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.StoreOperations.WithLabelValues(operation, medium, status).Inc()
	c.StoreDuration.WithLabelValues(operation, medium).Observe(time.Since(start).Seconds())
}

// ObserveDocument records the size of an encoded document
func (c *Collector) ObserveDocument(format string, size int) {
	if c == nil {
		return
	}
	c.DocumentBytes.WithLabelValues(format).Observe(float64(size))
}

// IncVersionConflicts counts a save or delete rejected for a stale version
func (c *Collector) IncVersionConflicts() {
	if c == nil {
		return
	}
	c.VersionConflicts.Inc()
}

// IncValidationRejection counts a rejected connection by reason
func (c *Collector) IncValidationRejection(reason string) {
	if c == nil {
		return
	}
	c.ValidationRejections.WithLabelValues(reason).Inc()
}

// IncConnectionsReplaced counts a displaced connection
func (c *Collector) IncConnectionsReplaced() {
	if c == nil {
		return
	}
	c.ConnectionsReplaced.Inc()
}

// ObserveHTTP records one served request
func (c *Collector) ObserveHTTP(method, route string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Registry returns the Prometheus registry for this collector
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
