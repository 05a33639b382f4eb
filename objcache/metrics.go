package objcache

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is a prometheus.Collector that exports the counters of a set of
// caches, labeled by cache name.
//
// Stats are read through the function given to Track. For a cache that was
// not created WithLocking, that function must take whatever lock serializes
// the cache's other callers.
type Collector struct {
	mu      sync.Mutex
	sources map[string]func() Stats

	live    *prometheus.Desc
	adds    *prometheus.Desc
	deletes *prometheus.Desc
	hits    *prometheus.Desc
	misses  *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector whose metric names start with namespace.
func NewCollector(namespace string) *Collector {
	labels := []string{"cache"}
	return &Collector{
		sources: map[string]func() Stats{},
		live: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "objcache", "live_entries"),
			"Number of wrappers currently registered in the object cache",
			labels, nil),
		adds: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "objcache", "adds_total"),
			"Total wrappers registered in the object cache",
			labels, nil),
		deletes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "objcache", "deletes_total"),
			"Total wrappers removed from the object cache",
			labels, nil),
		hits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "objcache", "hits_total"),
			"Total lookups that found a live wrapper",
			labels, nil),
		misses: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "objcache", "misses_total"),
			"Total lookups that found no wrapper",
			labels, nil),
	}
}

// Track starts exporting the stats returned by stats under the given name,
// replacing any previous source with that name.
func (c *Collector) Track(name string, stats func() Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = stats
}

// Untrack stops exporting the named source.
func (c *Collector) Untrack(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, name)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.live
	ch <- c.adds
	ch <- c.deletes
	ch <- c.hits
	ch <- c.misses
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	names := make([]string, 0, len(c.sources))
	sources := make(map[string]func() Stats, len(c.sources))
	for name, src := range c.sources {
		names = append(names, name)
		sources[name] = src
	}
	c.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		s := sources[name]()
		ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(s.Live), name)
		ch <- prometheus.MustNewConstMetric(c.adds, prometheus.CounterValue, float64(s.Adds), name)
		ch <- prometheus.MustNewConstMetric(c.deletes, prometheus.CounterValue, float64(s.Deletes), name)
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits), name)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses), name)
	}
}
