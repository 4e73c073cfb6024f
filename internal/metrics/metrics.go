// Package metrics exports engine counters to Prometheus. A nil *Metrics is
// valid and records nothing, so the engine runs without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meridian"

type Metrics struct {
	OrdersAccepted  prometheus.Counter
	OrdersRejected  *prometheus.CounterVec
	OrdersProcessed prometheus.Counter
	Trades          *prometheus.CounterVec
	TradedVolume    *prometheus.CounterVec
	Cancels         prometheus.Counter
	EgressDropped   prometheus.Counter
	OfflineBooks    prometheus.Gauge
	ActiveSymbols   prometheus.Gauge
	MatchLatency    prometheus.Histogram
}

// New registers the engine collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_accepted_total",
			Help:      "Orders accepted onto the ingress queues.",
		}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Orders rejected at submit or by the book.",
		}, []string{"reason"}),
		OrdersProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_processed_total",
			Help:      "Orders taken off the ingress queues by a worker.",
		}),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Executed trades.",
		}, []string{"symbol"}),
		TradedVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traded_quantity_total",
			Help:      "Executed quantity in lots.",
		}, []string{"symbol"}),
		Cancels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancels_total",
			Help:      "Resting orders cancelled on request.",
		}),
		EgressDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "egress_dropped_total",
			Help:      "Trades dropped because the egress queue was full.",
		}),
		OfflineBooks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "books_offline",
			Help:      "Books taken offline after an integrity failure.",
		}),
		ActiveSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_symbols",
			Help:      "Symbols with a book.",
		}),
		MatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_duration_seconds",
			Help:      "Time spent matching one order.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}
	reg.MustRegister(
		m.OrdersAccepted,
		m.OrdersRejected,
		m.OrdersProcessed,
		m.Trades,
		m.TradedVolume,
		m.Cancels,
		m.EgressDropped,
		m.OfflineBooks,
		m.ActiveSymbols,
		m.MatchLatency,
	)
	return m
}

func (m *Metrics) Accepted() {
	if m == nil {
		return
	}
	m.OrdersAccepted.Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.OrdersRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Processed(took time.Duration) {
	if m == nil {
		return
	}
	m.OrdersProcessed.Inc()
	m.MatchLatency.Observe(took.Seconds())
}

func (m *Metrics) Traded(symbol string, lots float64) {
	if m == nil {
		return
	}
	m.Trades.WithLabelValues(symbol).Inc()
	m.TradedVolume.WithLabelValues(symbol).Add(lots)
}

func (m *Metrics) Cancelled() {
	if m == nil {
		return
	}
	m.Cancels.Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.EgressDropped.Inc()
}

func (m *Metrics) BookOffline() {
	if m == nil {
		return
	}
	m.OfflineBooks.Inc()
}

func (m *Metrics) SetActiveSymbols(n int) {
	if m == nil {
		return
	}
	m.ActiveSymbols.Set(float64(n))
}

// Reset zeroes the gauges; counters are monotonic and keep their values.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.OfflineBooks.Set(0)
	m.ActiveSymbols.Set(0)
}
