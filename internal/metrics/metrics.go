// Package metrics holds the prometheus instruments of the store and the
// publishers. Every method is safe on a nil receiver.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pagedtopic"

// Store observes Pebble reads and batch commits. It satisfies
// pebblestore.MetricsHook.
type Store struct {
	reads      prometheus.Histogram
	readBytes  prometheus.Counter
	commits    prometheus.Histogram
	commitOps  prometheus.Counter
	commitSize prometheus.Counter
}

// NewStore registers the store instruments on reg (the default registerer
// when nil).
func NewStore(reg prometheus.Registerer) *Store {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Store{
		reads: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "read_seconds",
			Help:      "Latency of point reads.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		readBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "read_bytes_total",
			Help:      "Bytes returned by point reads.",
		}),
		commits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "commit_seconds",
			Help:      "Latency of batch commits.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		}),
		commitOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "commit_ops_total",
			Help:      "Operations written by batch commits.",
		}),
		commitSize: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "commit_bytes_total",
			Help:      "Bytes written by batch commits.",
		}),
	}
	reg.MustRegister(m.reads, m.readBytes, m.commits, m.commitOps, m.commitSize)
	return m
}

func (m *Store) ObserveRead(elapsed time.Duration, bytes int) {
	if m == nil {
		return
	}
	m.reads.Observe(elapsed.Seconds())
	m.readBytes.Add(float64(bytes))
}

func (m *Store) ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int) {
	if m == nil {
		return
	}
	m.commits.Observe(elapsed.Seconds())
	m.commitOps.Add(float64(numOps))
	m.commitSize.Add(float64(bytes))
}

// Publisher counts publish outcomes per topic and channel.
type Publisher struct {
	published *prometheus.CounterVec
	failed    *prometheus.CounterVec
	advanced  *prometheus.CounterVec
	paused    *prometheus.CounterVec
}

// NewPublisher registers the publisher instruments on reg (the default
// registerer when nil).
func NewPublisher(reg prometheus.Registerer) *Publisher {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := []string{"topic", "channel"}
	m := &Publisher{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "published_total",
			Help:      "Elements accepted by a page.",
		}, labels),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "failed_total",
			Help:      "Elements whose publish failed.",
		}, labels),
		advanced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "pages_advanced_total",
			Help:      "Tail advances after a sealed page.",
		}, labels),
		paused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "topic_full_pauses_total",
			Help:      "Times a channel paused on a full topic.",
		}, labels),
	}
	reg.MustRegister(m.published, m.failed, m.advanced, m.paused)
	return m
}

func (m *Publisher) Published(topic string, ch, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.published.WithLabelValues(topic, strconv.Itoa(ch)).Add(float64(n))
}

func (m *Publisher) Failed(topic string, ch, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.failed.WithLabelValues(topic, strconv.Itoa(ch)).Add(float64(n))
}

func (m *Publisher) PageAdvanced(topic string, ch int) {
	if m == nil {
		return
	}
	m.advanced.WithLabelValues(topic, strconv.Itoa(ch)).Inc()
}

func (m *Publisher) Paused(topic string, ch int) {
	if m == nil {
		return
	}
	m.paused.WithLabelValues(topic, strconv.Itoa(ch)).Inc()
}
