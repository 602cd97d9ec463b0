package dispatcher

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the dispatcher's in-process counters. No HTTP exporter is
// wired — these live in prometheus's default registry so an external
// process can scrape them if one is ever attached, without this package
// taking a dependency on the exporter itself.
var (
	eventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_events_dispatched_total",
		Help: "Events handed to a registered handler, by handler name.",
	}, []string{"handler"})

	handlerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_handler_failures_total",
		Help: "Handler invocations that returned an error or timed out.",
	}, []string{"handler"})

	eventsRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_events_rate_limited_total",
		Help: "Events dropped by the dispatcher's rate limiter.",
	})
)

func init() {
	prometheus.MustRegister(eventsDispatched, handlerFailures, eventsRateLimited)
}
