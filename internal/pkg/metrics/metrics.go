// Package metrics holds the Prometheus instrumentation for the checkout
// engine. Register custom collectors against DefaultRegistry and mount
// Handler() on GET /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CheckoutTotal counts checkout attempts by outcome:
	// "success" | "insufficient_stock" | "replay" | "validation" | "error".
	CheckoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "checkout",
			Name:      "attempts_total",
			Help:      "Total checkout attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// CheckoutDuration tracks end-to-end checkout transaction latency.
	CheckoutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "storefront",
			Subsystem: "checkout",
			Name:      "duration_seconds",
			Help:      "Duration of checkout transactions in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// PaymentEventsTotal counts gateway webhook events by result:
	// "applied" | "replay" | "mismatch" | "error".
	PaymentEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "payment",
			Name:      "events_total",
			Help:      "Total payment gateway events by result.",
		},
		[]string{"result"},
	)

	// ReviewWritesTotal counts review create/update/delete operations.
	ReviewWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "reviews",
			Name:      "writes_total",
			Help:      "Total review writes by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
)

// DefaultRegistry is the registry everything in this service registers on.
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(collectors.NewGoCollector())
	DefaultRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	DefaultRegistry.MustRegister(
		CheckoutTotal,
		CheckoutDuration,
		PaymentEventsTotal,
		ReviewWritesTotal,
	)
}

// Handler exposes the registry for Prometheus scrapes.
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
}
