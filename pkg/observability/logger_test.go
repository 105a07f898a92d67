package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestJSONLoggerEmitsEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)
	logger.now = func() time.Time { return time.Unix(100, 0).UTC() }

	event := Event{
		Level:   LevelInfo,
		RunID:   "run-1",
		Event:   "stability_cycle",
		Message: "cluster polled",
		Fields: map[string]interface{}{
			"under_replicated": 0,
			"healthy":          true,
		},
	}

	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("log event: %v", err)
	}

	var payload Event
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if payload.Timestamp.Unix() != 100 {
		t.Fatalf("expected timestamp to be set, got %v", payload.Timestamp)
	}
	if payload.Level != LevelInfo {
		t.Fatalf("unexpected level: %s", payload.Level)
	}
	if payload.RunID != "run-1" {
		t.Fatalf("unexpected run id: %s", payload.RunID)
	}
	if payload.Fields["healthy"] != true {
		t.Fatalf("expected healthy field preserved, got %v", payload.Fields)
	}
}

func TestJSONLoggerRequiresWriter(t *testing.T) {
	logger := NewJSONLogger(nil)
	if err := logger.Log(context.Background(), Event{Event: "test"}); err == nil {
		t.Fatal("expected error when writer is nil")
	}
}

func TestLevelFilterDropsLessSevereEvents(t *testing.T) {
	var buf bytes.Buffer
	filter := LevelFilter{Min: LevelWarn, Next: NewJSONLogger(&buf)}

	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		if err := filter.Log(context.Background(), Event{Level: level, Event: string(level)}); err != nil {
			t.Fatalf("log %s: %v", level, err)
		}
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected warn and error only, got %d lines: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"event":"warn"`) || !strings.Contains(lines[1], `"event":"error"`) {
		t.Fatalf("unexpected lines: %q", lines)
	}
}

func TestStructuredReporterStampsRunID(t *testing.T) {
	var logged []Event
	var metrics []Metric
	reporter := NewStructuredReporter("run-7",
		LoggerFunc(func(_ context.Context, e Event) error {
			logged = append(logged, e)
			return nil
		}),
		MetricsCollectorFunc(func(m Metric) { metrics = append(metrics, m) }),
	)

	reporter.RecordEvent(context.Background(), Event{Event: "broker_started"})
	reporter.RecordMetric(Metric{Name: "brokers_processed_total", Type: MetricCounter, Value: 1})

	if len(logged) != 1 || logged[0].RunID != "run-7" {
		t.Fatalf("expected run id to be stamped, got %+v", logged)
	}
	if len(metrics) != 1 {
		t.Fatalf("expected metric to be forwarded, got %d", len(metrics))
	}
}

func TestMultiReporterClonesFields(t *testing.T) {
	var first, second []Event
	multi := MultiReporter{
		ReporterFuncs{OnEvent: func(_ context.Context, e Event) {
			e.Fields["mutated"] = true
			first = append(first, e)
		}},
		ReporterFuncs{OnEvent: func(_ context.Context, e Event) { second = append(second, e) }},
		nil,
	}

	multi.RecordEvent(context.Background(), Event{Event: "x", Fields: map[string]interface{}{"a": 1}})

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected both reporters to receive the event")
	}
	if _, ok := second[0].Fields["mutated"]; ok {
		t.Fatal("expected reporters to receive independent field maps")
	}
}
