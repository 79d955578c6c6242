package queue

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestCollector(t *testing.T) {
	q := newTestQueue(t, Config{Name: "jobs", SegmentSize: perSegment(4)})
	mustOffer(t, q, repeated(6)...)
	mustPoll(t, q)

	c := NewCollector(q, q.Name())
	if n := testutil.CollectAndCount(c); n != 17 {
		t.Errorf("CollectAndCount() = %d, want 17", n)
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	gathered := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		gathered[mf.GetName()] = mf
	}

	tests := []struct {
		name     string
		wantType dto.MetricType
		want     float64
	}{
		{"diskqueue_length", dto.MetricType_GAUGE, 5},
		{"diskqueue_active_segments", dto.MetricType_GAUGE, 2},
		{"diskqueue_segment_size_bytes", dto.MetricType_GAUGE, float64(perSegment(4))},
		{"diskqueue_offers_total", dto.MetricType_COUNTER, 6},
		{"diskqueue_removals_total", dto.MetricType_COUNTER, 1},
		{"diskqueue_segments_created_total", dto.MetricType_COUNTER, 2},
		{"diskqueue_overflows_total", dto.MetricType_COUNTER, 0},
	}
	for _, tt := range tests {
		mf, ok := gathered[tt.name]
		if !ok {
			t.Errorf("metric %q not gathered", tt.name)
			continue
		}
		if mf.GetType() != tt.wantType {
			t.Errorf("metric %q: type %v, want %v", tt.name, mf.GetType(), tt.wantType)
		}
		m := mf.GetMetric()[0]
		var got float64
		if tt.wantType == dto.MetricType_COUNTER {
			got = m.GetCounter().GetValue()
		} else {
			got = m.GetGauge().GetValue()
		}
		if got != tt.want {
			t.Errorf("metric %q = %v, want %v", tt.name, got, tt.want)
		}
		labels := m.GetLabel()
		if len(labels) != 1 || labels[0].GetName() != "queue" || labels[0].GetValue() != "jobs" {
			t.Errorf("metric %q labels = %v", tt.name, labels)
		}
	}
}

func TestManifestSyncCounters(t *testing.T) {
	q := newTestQueue(t, Config{SegmentSize: perSegment(4)})

	before := testutil.ToFloat64(manifestSyncTotal)
	if err := q.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if after := testutil.ToFloat64(manifestSyncTotal); after != before+1 {
		t.Errorf("manifest sync counter = %v, want %v", after, before+1)
	}
}
