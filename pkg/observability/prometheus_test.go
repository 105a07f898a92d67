package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusCollectorCounter(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.Collect(Metric{
		Name:        "brokers_processed_total",
		Type:        MetricCounter,
		Value:       2,
		Labels:      map[string]string{"operation": "restart"},
		Description: "Number of brokers processed",
	})
	collector.Collect(Metric{
		Name:   "brokers_processed_total",
		Type:   MetricCounter,
		Value:  1,
		Labels: map[string]string{"operation": "restart"},
	})

	mfs, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	metric := findMetric(t, mfs, "kafka_rolling_brokers_processed_total")
	if len(metric.Metric) != 1 {
		t.Fatalf("expected single metric sample, got %d", len(metric.Metric))
	}
	sample := metric.Metric[0]
	if got := sample.GetCounter().GetValue(); got != 3 {
		t.Fatalf("expected counter value 3, got %v", got)
	}
	labels := sample.GetLabel()
	if len(labels) != 1 || labels[0].GetName() != "operation" || labels[0].GetValue() != "restart" {
		t.Fatalf("unexpected labels: %+v", labels)
	}
}

func TestPrometheusCollectorHistogram(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.Collect(Metric{
		Name:   "stability_wait_seconds",
		Type:   MetricHistogram,
		Value:  1.5,
		Labels: map[string]string{"result": "stable"},
		Unit:   "seconds",
	})
	collector.Collect(Metric{
		Name:   "stability_wait_seconds",
		Type:   MetricHistogram,
		Value:  2.5,
		Labels: map[string]string{"result": "stable"},
	})

	mfs, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	metric := findMetric(t, mfs, "kafka_rolling_stability_wait_seconds")
	if len(metric.Metric) != 1 {
		t.Fatalf("expected single histogram sample, got %d", len(metric.Metric))
	}
	sample := metric.Metric[0].GetHistogram()
	if got := sample.GetSampleCount(); got != 2 {
		t.Fatalf("expected sample count 2, got %v", got)
	}
	if got := sample.GetSampleSum(); got < 4.0 || got > 4.1 {
		t.Fatalf("expected sum close to 4.0, got %v", got)
	}
	var foundUnit bool
	for _, label := range metric.Metric[0].GetLabel() {
		if label.GetName() == "unit" && label.GetValue() == "seconds" {
			foundUnit = true
		}
	}
	if !foundUnit {
		t.Fatalf("expected unit label to be recorded, got %+v", metric.Metric[0].GetLabel())
	}
}

func TestPrometheusCollectorGaugeKeepsLatest(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.Collect(Metric{Name: "under_replicated_partitions", Type: MetricGauge, Value: 7})
	collector.Collect(Metric{Name: "under_replicated_partitions", Type: MetricGauge, Value: 0})

	mfs, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	metric := findMetric(t, mfs, "kafka_rolling_under_replicated_partitions")
	if got := metric.Metric[0].GetGauge().GetValue(); got != 0 {
		t.Fatalf("expected latest gauge value 0, got %v", got)
	}
}

func TestPrometheusCollectorIgnoresMismatches(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.Collect(Metric{
		Name:   "stability_cycles_total",
		Type:   MetricCounter,
		Value:  1,
		Labels: map[string]string{"result": "healthy"},
	})
	collector.Collect(Metric{
		Name:   "stability_cycles_total",
		Type:   MetricCounter,
		Value:  1,
		Labels: map[string]string{"result": "healthy", "host": "kafka-1"},
	})
	collector.Collect(Metric{
		Name:   "stability_cycles_total",
		Type:   MetricGauge,
		Value:  5,
		Labels: map[string]string{"result": "healthy"},
	})

	mfs, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	metric := findMetric(t, mfs, "kafka_rolling_stability_cycles_total")
	if len(metric.Metric) != 1 {
		t.Fatalf("expected single metric after mismatch attempts, got %d", len(metric.Metric))
	}
	if got := metric.Metric[0].GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1 after ignoring mismatches, got %v", got)
	}
}

func TestPrometheusCollectorWriteTextfile(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.Collect(Metric{Name: "runs_total", Type: MetricCounter, Value: 1, Labels: map[string]string{"status": "completed"}})

	path := filepath.Join(t.TempDir(), "kafka_rolling.prom")
	if err := collector.WriteTextfile(path); err != nil {
		t.Fatalf("write textfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), `kafka_rolling_runs_total{status="completed"} 1`) {
		t.Fatalf("unexpected textfile contents:\n%s", data)
	}
}

func TestPrometheusCollectorHandler(t *testing.T) {
	collector := NewPrometheusCollector()
	if collector.Handler() == nil {
		t.Fatal("expected handler not nil")
	}
}

// findMetric searches metric families by name.
func findMetric(t *testing.T, mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}
