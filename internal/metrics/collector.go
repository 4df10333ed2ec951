package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// QueueStats exposes the transcription queue to the collector.
type QueueStats interface {
	QueueDepth() int
}

// SubscriberStats exposes the event bus to the collector.
type SubscriberStats interface {
	SubscriberCount() int
}

// Collector reads live gauges at scrape time. Any source may be nil and is
// then reported as 0.
type Collector struct {
	pool   *pgxpool.Pool
	queue  QueueStats
	events SubscriberStats

	queueDepth      *prometheus.Desc
	sseSubscribers  *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

func NewCollector(pool *pgxpool.Pool, queue QueueStats, events SubscriberStats) *Collector {
	return &Collector{
		pool:   pool,
		queue:  queue,
		events: events,
		queueDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "transcription_queue_depth"),
			"Jobs waiting for a transcription worker.",
			nil, nil,
		),
		sseSubscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sse_subscribers_active"),
			"Current number of SSE subscribers.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.sseSubscribers
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var depth, subs float64
	if c.queue != nil {
		depth = float64(c.queue.QueueDepth())
	}
	if c.events != nil {
		subs = float64(c.events.SubscriberCount())
	}
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, depth)
	ch <- prometheus.MustNewConstMetric(c.sseSubscribers, prometheus.GaugeValue, subs)

	var total, acquired, idle float64
	if c.pool != nil {
		stat := c.pool.Stat()
		total = float64(stat.TotalConns())
		acquired = float64(stat.AcquiredConns())
		idle = float64(stat.IdleConns())
	}
	ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, total)
	ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, acquired)
	ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, idle)
}
