package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestIPNMetricsExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewIPNMetrics(reg)
	metrics.ObserveDuration("stripe", 250*time.Millisecond)
	metrics.IncProcessed("stripe", "purchase")
	metrics.IncFailed("stripe", "refund")
	metrics.IncDuplicate("stripe")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "ipn_processed_total", "processor", "stripe"); err != nil {
		t.Fatalf("fetch processed: %v", err)
	} else if got != 1 {
		t.Fatalf("expected processed=1, got %f", got)
	}
	if got, err := fetchCounterValue(mfs, "ipn_failed_total", "processor", "stripe"); err != nil {
		t.Fatalf("fetch failed: %v", err)
	} else if got != 1 {
		t.Fatalf("expected failed=1, got %f", got)
	}
	if got, err := fetchCounterValue(mfs, "ipn_duplicate_total", "processor", "stripe"); err != nil {
		t.Fatalf("fetch duplicate: %v", err)
	} else if got != 1 {
		t.Fatalf("expected duplicate=1, got %f", got)
	}
}

func TestIPNMetricsNilRegistererIsNoop(t *testing.T) {
	metrics := NewIPNMetrics(nil)
	metrics.ObserveDuration("stripe", time.Second)
	metrics.IncProcessed("stripe", "purchase")
	metrics.IncFailed("stripe", "purchase")
	metrics.IncDuplicate("")
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, labelName, labelValue string) (float64, error) {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == labelName && label.GetValue() == labelValue {
					return metric.GetCounter().GetValue(), nil
				}
			}
		}
	}
	return 0, fmt.Errorf("metric %s{%s=%q} not found", name, labelName, labelValue)
}
