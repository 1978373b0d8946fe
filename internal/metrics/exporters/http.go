// Package exporters publishes the worker metrics over HTTP (Prometheus)
// and on the event bus (SSE).
package exporters

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/stayopen/internal/events"
)

// HTTPHandler serves every promauto-registered collector, including the
// Go runtime and process collectors of the default registry. A failing
// collector is reported in the scrape rather than failing it.
func HTTPHandler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}

// RegisterBusMetrics exposes the event bus drop counter on reg.
func RegisterBusMetrics(reg prometheus.Registerer, bus *events.Bus) prometheus.CounterFunc {
	return promauto.With(reg).NewCounterFunc(prometheus.CounterOpts{
		Name: "stayopen_events_dropped_total",
		Help: "Events dropped because a stream subscriber fell behind",
	}, func() float64 {
		return float64(bus.Dropped())
	})
}
