package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dm4ml/motion/metric"
)

// cacheMetrics exports cache statistics as Prometheus metrics when a
// registry is supplied via WithMetrics.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(reg *metric.Registry, prefix string) (*cacheMetrics, error) {
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_cache_hits_total",
			Help: "Total cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_cache_misses_total",
			Help: "Total cache misses",
		}),
		sets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_cache_sets_total",
			Help: "Total cache set operations",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_cache_evictions_total",
			Help: "Total cache evictions",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_cache_size",
			Help: "Current number of cache entries",
		}),
	}

	for name, c := range map[string]prometheus.Collector{
		prefix + "_cache_hits_total":      m.hits,
		prefix + "_cache_misses_total":    m.misses,
		prefix + "_cache_sets_total":      m.sets,
		prefix + "_cache_evictions_total": m.evictions,
		prefix + "_cache_size":            m.size,
	} {
		if err := reg.Register(prefix, name, c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *cacheMetrics) recordHit()      { m.hits.Inc() }
func (m *cacheMetrics) recordMiss()     { m.misses.Inc() }
func (m *cacheMetrics) recordSet()      { m.sets.Inc() }
func (m *cacheMetrics) recordEviction() { m.evictions.Inc() }
func (m *cacheMetrics) updateSize(n int) {
	m.size.Set(float64(n))
}
