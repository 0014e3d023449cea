package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Source yields the counters to export
type Source interface {
	CorruptionStats(out *Snapshot) error
}

// Collector exports corruption counters as prometheus counters labelled by
// guard site
type Collector struct {
	src  Source
	desc *prometheus.Desc
}

// NewCollector builds a collector reading from src on every scrape
func NewCollector(namespace string, src Source) *Collector {
	return &Collector{
		src: src,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "corruption", "events_total"),
			"Corruption guard firings by site",
			[]string{"site"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var snap Snapshot
	if err := c.src.CorruptionStats(&snap); err != nil {
		return
	}
	for _, counter := range Counters() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(snap.Get(counter)), counter.String())
	}
}
