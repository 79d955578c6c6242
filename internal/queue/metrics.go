package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	manifestSyncTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "diskqueue_manifest_sync_total",
		Help: "Total number of manifest syncs across all queues",
	})

	manifestSyncErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "diskqueue_manifest_sync_errors_total",
		Help: "Total number of failed manifest syncs across all queues",
	})
)

func init() {
	prometheus.MustRegister(manifestSyncTotal)
	prometheus.MustRegister(manifestSyncErrorsTotal)
}

// StatsSource is anything that reports queue stats.
type StatsSource interface {
	Stats() Stats
}

// Collector exports one queue's Stats on every scrape. Register it with
// the registry the application serves.
type Collector struct {
	source StatsSource

	length           *prometheus.Desc
	activeSegments   *prometheus.Desc
	inactiveSegments *prometheus.Desc
	pinnedSegments   *prometheus.Desc
	reservedBytes    *prometheus.Desc
	maxBytes         *prometheus.Desc
	segmentSize      *prometheus.Desc
	distinct         *prometheus.Desc
	membershipFP     *prometheus.Desc

	offers           *prometheus.Desc
	removals         *prometheus.Desc
	iteratorRemovals *prometheus.Desc
	segmentsCreated  *prometheus.Desc
	rotations        *prometheus.Desc
	recycles         *prometheus.Desc
	discards         *prometheus.Desc
	overflows        *prometheus.Desc
}

// NewCollector creates a collector for source, labelled queue=name.
func NewCollector(source StatsSource, name string) *Collector {
	labels := prometheus.Labels{"queue": name}
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc("diskqueue_"+metric, help, nil, labels)
	}
	return &Collector{
		source: source,

		length:           desc("length", "Current number of live elements in the queue"),
		activeSegments:   desc("active_segments", "Number of segments holding queued data"),
		inactiveSegments: desc("inactive_segments", "Number of retired segments kept for reuse"),
		pinnedSegments:   desc("pinned_segments", "Number of segments pinned by open iterators"),
		reservedBytes:    desc("reserved_bytes", "Bytes reserved by all segment files"),
		maxBytes:         desc("max_bytes", "Maximum bytes segment files may reserve"),
		segmentSize:      desc("segment_size_bytes", "Size of each segment file"),
		distinct:         desc("distinct_payloads", "Estimated number of distinct payloads offered"),
		membershipFP:     desc("membership_false_positive_ratio", "Estimated false positive rate of the membership filter"),

		offers:           desc("offers_total", "Total number of elements appended"),
		removals:         desc("removals_total", "Total number of elements taken from the head"),
		iteratorRemovals: desc("iterator_removals_total", "Total number of elements deleted in place"),
		segmentsCreated:  desc("segments_created_total", "Total number of segment files created"),
		rotations:        desc("rotations_total", "Total number of write segment rotations"),
		recycles:         desc("recycles_total", "Total number of segments recycled for reuse"),
		discards:         desc("discards_total", "Total number of segment files deleted"),
		overflows:        desc("overflows_total", "Total number of inserts rejected by the byte budget"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.length, c.activeSegments, c.inactiveSegments, c.pinnedSegments,
		c.reservedBytes, c.maxBytes, c.segmentSize, c.distinct, c.membershipFP,
		c.offers, c.removals, c.iteratorRemovals, c.segmentsCreated,
		c.rotations, c.recycles, c.discards, c.overflows,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.source.Stats()

	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(c.length, float64(st.Len))
	gauge(c.activeSegments, float64(st.ActiveSegments))
	gauge(c.inactiveSegments, float64(st.InactiveSegments))
	gauge(c.pinnedSegments, float64(st.PinnedSegments))
	gauge(c.reservedBytes, float64(st.ReservedBytes))
	gauge(c.maxBytes, float64(st.MaxBytes))
	gauge(c.segmentSize, float64(st.SegmentSize))
	gauge(c.distinct, float64(st.DistinctPayloads))
	gauge(c.membershipFP, st.MembershipFPRatio)

	counter(c.offers, st.Offers)
	counter(c.removals, st.Removals)
	counter(c.iteratorRemovals, st.IteratorRemovals)
	counter(c.segmentsCreated, st.Created)
	counter(c.rotations, st.Rotations)
	counter(c.recycles, st.Recycles)
	counter(c.discards, st.Discards)
	counter(c.overflows, st.Overflows)
}
