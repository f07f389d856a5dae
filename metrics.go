package moqmgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports session and worker counters to Prometheus. All methods
// are safe on a nil receiver, so an unset Config.Metrics disables
// collection without branches at the call sites.
type Metrics struct {
	bytesReceived    *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	activeConsumers  prometheus.Gauge
	activeProducers  prometheus.Gauge
	reconnects       prometheus.Counter
	catalogUpdates   prometheus.Counter
	catalogErrors    prometheus.Counter
}

// NewMetrics registers the manager collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		bytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moqmgr",
			Name:      "bytes_received_total",
			Help:      "Payload bytes delivered to data callbacks, per track.",
		}, []string{"track"}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moqmgr",
			Name:      "messages_received_total",
			Help:      "Frames delivered to data callbacks, per track.",
		}, []string{"track"}),
		activeConsumers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "moqmgr",
			Name:      "active_consumers",
			Help:      "Consumer workers currently running.",
		}),
		activeProducers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "moqmgr",
			Name:      "active_producers",
			Help:      "Producer workers currently running.",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "moqmgr",
			Name:      "reconnects_total",
			Help:      "Successful transport reconnections.",
		}),
		catalogUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "moqmgr",
			Name:      "catalog_updates_total",
			Help:      "Catalog documents parsed successfully.",
		}),
		catalogErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "moqmgr",
			Name:      "catalog_errors_total",
			Help:      "Catalog documents dropped as malformed.",
		}),
	}
}

func (m *Metrics) observeData(track string, bytes int) {
	if m == nil {
		return
	}
	m.bytesReceived.WithLabelValues(track).Add(float64(bytes))
	m.messagesReceived.WithLabelValues(track).Inc()
}

func (m *Metrics) consumerStarted() {
	if m != nil {
		m.activeConsumers.Inc()
	}
}

func (m *Metrics) consumerStopped() {
	if m != nil {
		m.activeConsumers.Dec()
	}
}

func (m *Metrics) producerStarted() {
	if m != nil {
		m.activeProducers.Inc()
	}
}

func (m *Metrics) producerStopped() {
	if m != nil {
		m.activeProducers.Dec()
	}
}

func (m *Metrics) reconnected() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) catalogParsed() {
	if m != nil {
		m.catalogUpdates.Inc()
	}
}

func (m *Metrics) catalogDropped() {
	if m != nil {
		m.catalogErrors.Inc()
	}
}
