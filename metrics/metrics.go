// Package metrics instruments the transaction layer with Prometheus
// collectors, grounded on the instrumentation pattern shared by
// runZeroInc's go-tcpinfo exporters (pkg/exporter) in the example pack:
// a small struct of pre-registered collectors handed to each component
// that needs to report counts, rather than a global registry singleton.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters and gauges the channel and retransmit
// packages update as they process transactions.
type Metrics struct {
	OutstandingTransactions prometheus.Gauge
	RetransmitsTotal        prometheus.Counter
	TransactionTimeoutsTotal prometheus.Counter
	ResponsesDroppedTotal   prometheus.Counter
	RequestsHandledTotal    *prometheus.CounterVec
}

// New creates a Metrics instance and registers its collectors with reg.
// Pass prometheus.NewRegistry() in tests to avoid colliding with the
// default global registry across parallel test packages.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		OutstandingTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outstanding_transactions",
			Help:      "Number of transactions currently awaiting a response.",
		}),
		RetransmitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Total number of request retransmission attempts sent.",
		}),
		TransactionTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_timeouts_total",
			Help:      "Total number of transactions that exhausted their retransmission schedule.",
		}),
		ResponsesDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_dropped_total",
			Help:      "Total number of inbound responses dropped (unknown txid or peer mismatch).",
		}),
		RequestsHandledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_handled_total",
			Help:      "Total number of inbound requests and indications handled, by outcome.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.OutstandingTransactions,
		m.RetransmitsTotal,
		m.TransactionTimeoutsTotal,
		m.ResponsesDroppedTotal,
		m.RequestsHandledTotal,
	)
	return m
}

// Nop returns a Metrics whose collectors are registered only with a
// fresh private registry that nothing exposes; safe to update from code
// paths that don't care about observability (e.g. unit tests that didn't
// construct a registry).
func Nop() *Metrics {
	return New(prometheus.NewRegistry(), "gostun_nop")
}
