// Prometheus metrics for the datasource client
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Eviction reasons
const (
	EvictDurationChange = "duration_change"
)

// Fetch outcomes
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Collector records cache and fetch activity. A nil *Collector is valid and
// records nothing.
type Collector struct {
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheBypassed  *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	fetches        *prometheus.CounterVec
	cacheEntries   *prometheus.GaugeVec
}

// NewCollector creates a collector on the default registerer
func NewCollector() *Collector {
	return NewCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector using the supplied registerer
func NewCollectorWithRegistry(registry prometheus.Registerer) *Collector {
	return &Collector{
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "datasource_cache_hits_total",
				Help: "Total number of cached responses served without a request",
			},
			[]string{"base_url"},
		),
		cacheMisses: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "datasource_cache_misses_total",
				Help: "Total number of cached fetches that had to hit the upstream",
			},
			[]string{"base_url"},
		),
		cacheBypassed: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "datasource_cache_bypassed_total",
				Help: "Total number of fetches made with caching disabled",
			},
			[]string{"base_url"},
		),
		cacheEvictions: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "datasource_cache_evictions_total",
				Help: "Total number of forced cache evictions",
			},
			[]string{"base_url", "reason"},
		),
		fetches: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "datasource_fetches_total",
				Help: "Total number of upstream fetches",
			},
			[]string{"base_url", "outcome"},
		),
		cacheEntries: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "datasource_cache_entries",
				Help: "Number of live entries in the cache slot (0 or 1)",
			},
			[]string{"base_url"},
		),
	}
}

// RecordHit counts a response served from the cache
func (c *Collector) RecordHit(baseURL string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(baseURL).Inc()
}

// RecordMiss counts a cached fetch that went upstream
func (c *Collector) RecordMiss(baseURL string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(baseURL).Inc()
}

// RecordBypass counts a fetch made with caching disabled
func (c *Collector) RecordBypass(baseURL string) {
	if c == nil {
		return
	}
	c.cacheBypassed.WithLabelValues(baseURL).Inc()
}

// RecordEviction counts an entry discarded before expiry
func (c *Collector) RecordEviction(baseURL, reason string) {
	if c == nil {
		return
	}
	c.cacheEvictions.WithLabelValues(baseURL, reason).Inc()
}

// RecordFetch counts an upstream fetch by outcome
func (c *Collector) RecordFetch(baseURL string, err error) {
	if c == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	c.fetches.WithLabelValues(baseURL, outcome).Inc()
}

// SetCacheEntries sets the number of live cache entries
func (c *Collector) SetCacheEntries(baseURL string, n int) {
	if c == nil {
		return
	}
	c.cacheEntries.WithLabelValues(baseURL).Set(float64(n))
}
