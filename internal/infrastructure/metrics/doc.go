// Package metrics exposes Prometheus collectors for the flow store, the flow
// service and the HTTP surface.
//
// Each Collector owns its registry so tests and embedded uses never collide
// on the default registerer. The server serves Collector.Handler at /metrics.
package metrics
