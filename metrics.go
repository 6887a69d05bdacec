package gamewire

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the per-instance Prometheus instrumentation. Server and
// Client each own one, registered on the instance's registry with a role
// label so the two sides stay distinguishable on a shared registry.
type metrics struct {
	connsOpen     prometheus.Gauge
	connsTotal    prometheus.Counter
	connsRejected prometheus.Counter
	messagesIn    prometheus.Counter
	messagesOut   prometheus.Counter
	bytesIn       prometheus.Counter
	bytesOut      prometheus.Counter
	framingErrors prometheus.Counter
	eventsDropped prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, role string) *metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"role": role}

	return &metrics{
		connsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "gamewire",
			Name:        "connections_open",
			Help:        "Connections currently registered.",
			ConstLabels: labels,
		}),

		connsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "gamewire",
			Name:        "connections_total",
			Help:        "Connections established since start.",
			ConstLabels: labels,
		}),

		connsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "gamewire",
			Name:        "connections_rejected_total",
			Help:        "Connections closed at accept because the table was full.",
			ConstLabels: labels,
		}),

		messagesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "gamewire",
			Name:        "messages_received_total",
			Help:        "Complete frames decoded from peers.",
			ConstLabels: labels,
		}),

		messagesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "gamewire",
			Name:        "messages_sent_total",
			Help:        "Frames accepted for sending.",
			ConstLabels: labels,
		}),

		bytesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "gamewire",
			Name:        "bytes_received_total",
			Help:        "Raw bytes read from peers.",
			ConstLabels: labels,
		}),

		bytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "gamewire",
			Name:        "bytes_sent_total",
			Help:        "Raw bytes written to peers.",
			ConstLabels: labels,
		}),

		framingErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "gamewire",
			Name:        "framing_errors_total",
			Help:        "Connections torn down for declaring an impossible frame.",
			ConstLabels: labels,
		}),

		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "gamewire",
			Name:        "events_dropped_total",
			Help:        "Events dropped because the queue was full.",
			ConstLabels: labels,
		}),
	}
}
