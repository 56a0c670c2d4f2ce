package engine

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the engine's internal Prometheus counters/gauges. Grounded
// in IvanBrykalov-shardcache/metrics/prom/prom.go's adapter shape. Only the
// counters themselves are wired here; registering a scrape HTTP endpoint is
// the out-of-scope "Prometheus exporter" collaborator from spec.md §1, so
// this package never starts an HTTP server.
type metrics struct {
	sets        prometheus.Counter
	gets        prometheus.Counter
	deletes     prometheus.Counter
	expirations prometheus.Counter
	evictions   *prometheus.CounterVec
	memoryBytes prometheus.Gauge
	keyCount    prometheus.Gauge
}

// newMetrics constructs and registers the engine's counters against reg.
// A nil registry is fine in tests - the metrics still work, they are just
// left unregistered.
func newMetrics(reg prometheus.Registerer, constLabels prometheus.Labels) *metrics {
	m := &metrics{
		sets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "redislite", Subsystem: "engine", Name: "sets_total",
			Help: "Total SET commands applied.", ConstLabels: constLabels,
		}),
		gets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "redislite", Subsystem: "engine", Name: "gets_total",
			Help: "Total GET commands served.", ConstLabels: constLabels,
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "redislite", Subsystem: "engine", Name: "deletes_total",
			Help: "Total keys removed by DEL.", ConstLabels: constLabels,
		}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "redislite", Subsystem: "engine", Name: "expirations_total",
			Help: "Total keys removed by TTL expiration.", ConstLabels: constLabels,
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redislite", Subsystem: "engine", Name: "evictions_total",
			Help: "Total keys removed by LRU eviction.", ConstLabels: constLabels,
		}, []string{"reason"}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "redislite", Subsystem: "engine", Name: "memory_bytes",
			Help: "Estimated live-entry bytes.", ConstLabels: constLabels,
		}),
		keyCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "redislite", Subsystem: "engine", Name: "keys",
			Help: "Total live keys across all shards.", ConstLabels: constLabels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sets, m.gets, m.deletes, m.expirations, m.evictions, m.memoryBytes, m.keyCount)
	}
	return m
}
