package metrics

import "github.com/prometheus/client_golang/prometheus"

// State exposes live sizes read on each scrape. Nil funcs are skipped.
type State struct {
	CacheEntries     func() int
	ConntrackEntries func() int
	QueueDepth       func() int
	EventsDropped    func() uint64
	BlocklistEntries func() int
}

// stateCollector implements prometheus.Collector over a State.
type stateCollector struct {
	st State

	cacheEntries     *prometheus.Desc
	conntrackEntries *prometheus.Desc
	queueDepth       *prometheus.Desc
	eventsDropped    *prometheus.Desc
	blocklistEntries *prometheus.Desc
}

func newStateCollector(st State) *stateCollector {
	return &stateCollector{
		st: st,
		cacheEntries: prometheus.NewDesc(
			"cache_entries",
			"Service resolution cache entries.",
			nil, nil,
		),
		conntrackEntries: prometheus.NewDesc(
			"conntrack_entries",
			"Tracked connections.",
			nil, nil,
		),
		queueDepth: prometheus.NewDesc(
			"event_queue_depth",
			"Connection events waiting to be drained.",
			nil, nil,
		),
		eventsDropped: prometheus.NewDesc(
			"events_dropped_total",
			"Connection events overwritten before being drained.",
			nil, nil,
		),
		blocklistEntries: prometheus.NewDesc(
			"blocklist_entries",
			"Blocked source addresses.",
			nil, nil,
		),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheEntries
	ch <- c.conntrackEntries
	ch <- c.queueDepth
	ch <- c.eventsDropped
	ch <- c.blocklistEntries
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, f func() int) {
		if f != nil {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(f()))
		}
	}
	gauge(c.cacheEntries, c.st.CacheEntries)
	gauge(c.conntrackEntries, c.st.ConntrackEntries)
	gauge(c.queueDepth, c.st.QueueDepth)
	gauge(c.blocklistEntries, c.st.BlocklistEntries)
	if c.st.EventsDropped != nil {
		ch <- prometheus.MustNewConstMetric(c.eventsDropped, prometheus.CounterValue, float64(c.st.EventsDropped()))
	}
}

// RegisterState adds a collector reporting st. It may be called once.
func (m *Metrics) RegisterState(st State) error {
	return m.reg.Register(newStateCollector(st))
}
