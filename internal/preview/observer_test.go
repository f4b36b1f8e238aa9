package preview

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusObserver_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewPrometheusObserver("test_preview", reg)
	if err != nil {
		t.Fatalf("NewPrometheusObserver: %v", err)
	}

	o.RecordLookup("disk")
	o.RecordLookup("disk")
	o.RecordGeneration(10*time.Millisecond, nil)
	o.RecordGeneration(10*time.Millisecond, errors.New("export failed"))
	o.RecordSuppressed()

	if got := testutil.ToFloat64(o.lookups.WithLabelValues("disk")); got != 2 {
		t.Errorf("disk lookups = %v, want 2", got)
	}
	if got := testutil.ToFloat64(o.failures); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.suppressed); got != 1 {
		t.Errorf("suppressed = %v, want 1", got)
	}
}

func TestPrometheusObserver_ReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusObserver("test_preview", reg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := NewPrometheusObserver("test_preview", reg)
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	second.RecordSuppressed()
	if got := testutil.ToFloat64(first.suppressed); got != 1 {
		t.Errorf("first observer does not see second's counter: %v", got)
	}
}

func TestPrometheusObserver_NilSafe(t *testing.T) {
	var o *PrometheusObserver
	o.RecordLookup("memory")
	o.RecordGeneration(time.Second, nil)
	o.RecordSuppressed()
}
