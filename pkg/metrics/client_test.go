package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestClientMetricsExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewClientMetrics(reg)

	metrics.IncRefresh("success")
	metrics.IncCartRollback()
	metrics.IncCheckoutOutcome("unreconciled")
	metrics.ObserveFinalizeDuration(250 * time.Millisecond)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "token_refresh_total", "outcome", "success"); err != nil {
		t.Fatalf("fetch refresh: %v", err)
	} else if got != 1 {
		t.Fatalf("expected refresh=1, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "checkout_outcome_total", "state", "unreconciled"); err != nil {
		t.Fatalf("fetch outcome: %v", err)
	} else if got != 1 {
		t.Fatalf("expected outcome=1, got %f", got)
	}

	mf := findMetricFamily(mfs, "cart_rollback_total")
	if mf == nil || len(mf.GetMetric()) == 0 || mf.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatalf("expected rollback=1")
	}

	mf = findMetricFamily(mfs, "checkout_finalize_duration_seconds")
	if mf == nil || len(mf.GetMetric()) == 0 || mf.GetMetric()[0].GetHistogram().GetSampleSum() <= 0 {
		t.Fatalf("expected finalize duration sum > 0")
	}
}

func TestClientMetricsNilSafe(t *testing.T) {
	var metrics *ClientMetrics
	metrics.IncRefresh("success")
	metrics.IncCartRollback()
	metrics.IncCheckoutOutcome("succeeded")
	metrics.ObserveFinalizeDuration(time.Second)

	empty := NewClientMetrics(nil)
	empty.IncRefresh("failure")
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}
