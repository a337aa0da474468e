package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStoreHook(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStore(reg)
	m.ObserveBatchCommit(time.Millisecond, 3, 120)
	m.ObserveBatchCommit(time.Millisecond, 2, 30)
	m.ObserveRead(time.Microsecond, 9)

	if got := testutil.ToFloat64(m.commitOps); got != 5 {
		t.Fatalf("commit ops: got %v", got)
	}
	if got := testutil.ToFloat64(m.commitSize); got != 150 {
		t.Fatalf("commit bytes: got %v", got)
	}
	if got := testutil.ToFloat64(m.readBytes); got != 9 {
		t.Fatalf("read bytes: got %v", got)
	}
}

func TestPublisherCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPublisher(reg)
	m.Published("orders", 1, 4)
	m.Published("orders", 1, 0)
	m.Failed("orders", 2, 3)
	m.PageAdvanced("orders", 1)

	if got := testutil.ToFloat64(m.published.WithLabelValues("orders", "1")); got != 4 {
		t.Fatalf("published: got %v", got)
	}
	if got := testutil.ToFloat64(m.failed.WithLabelValues("orders", "2")); got != 3 {
		t.Fatalf("failed: got %v", got)
	}
	if got := testutil.ToFloat64(m.advanced.WithLabelValues("orders", "1")); got != 1 {
		t.Fatalf("advanced: got %v", got)
	}
}

func TestNilReceiver(t *testing.T) {
	var s *Store
	var p *Publisher
	s.ObserveRead(time.Second, 1)
	s.ObserveBatchCommit(time.Second, 1, 1)
	p.Published("t", 0, 1)
	p.Failed("t", 0, 1)
	p.PageAdvanced("t", 0)
	p.Paused("t", 0)
}
