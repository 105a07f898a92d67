package observability

import "context"

// Reporter consumes engine events and metrics for logging or aggregation.
type Reporter interface {
	RecordEvent(context.Context, Event)
	RecordMetric(Metric)
}

// ReporterFuncs wires plain functions into a Reporter implementation.
type ReporterFuncs struct {
	OnEvent  func(context.Context, Event)
	OnMetric func(Metric)
}

// RecordEvent implements Reporter.
func (r ReporterFuncs) RecordEvent(ctx context.Context, event Event) {
	if r.OnEvent != nil {
		r.OnEvent(ctx, event)
	}
}

// RecordMetric implements Reporter.
func (r ReporterFuncs) RecordMetric(metric Metric) {
	if r.OnMetric != nil {
		r.OnMetric(metric)
	}
}

// NoopReporter discards all events and metrics.
type NoopReporter struct{}

// RecordEvent implements Reporter.
func (NoopReporter) RecordEvent(context.Context, Event) {}

// RecordMetric implements Reporter.
func (NoopReporter) RecordMetric(Metric) {}

// StructuredReporter forwards events to a logger and metrics to a collector,
// stamping every event with the run ID.
type StructuredReporter struct {
	runID   string
	logger  Logger
	metrics MetricsCollector
}

// NewStructuredReporter builds a reporter that enriches events with the run ID.
func NewStructuredReporter(runID string, logger Logger, metrics MetricsCollector) *StructuredReporter {
	return &StructuredReporter{
		runID:   runID,
		logger:  logger,
		metrics: metrics,
	}
}

// RecordEvent implements Reporter.
func (r *StructuredReporter) RecordEvent(ctx context.Context, event Event) {
	if r == nil || r.logger == nil {
		return
	}
	cloned := event.Clone()
	if cloned.RunID == "" {
		cloned.RunID = r.runID
	}
	_ = r.logger.Log(ctx, cloned)
}

// RecordMetric implements Reporter.
func (r *StructuredReporter) RecordMetric(metric Metric) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.Collect(metric)
}

// MultiReporter fans events and metrics out to several reporters in order.
type MultiReporter []Reporter

// RecordEvent implements Reporter.
func (m MultiReporter) RecordEvent(ctx context.Context, event Event) {
	for _, r := range m {
		if r != nil {
			r.RecordEvent(ctx, event.Clone())
		}
	}
}

// RecordMetric implements Reporter.
func (m MultiReporter) RecordMetric(metric Metric) {
	for _, r := range m {
		if r != nil {
			r.RecordMetric(metric)
		}
	}
}

// OrNoop returns r, or a NoopReporter when r is nil.
func OrNoop(r Reporter) Reporter {
	if r == nil {
		return NoopReporter{}
	}
	return r
}

var _ Reporter = ReporterFuncs{}
var _ Reporter = NoopReporter{}
var _ Reporter = (*StructuredReporter)(nil)
var _ Reporter = MultiReporter{}
