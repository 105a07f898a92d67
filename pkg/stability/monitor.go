// Package stability waits until every broker of a cluster reports zero
// under-replicated partitions for a number of consecutive poll cycles.
package stability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clusterrebootd/kafka-rolling/pkg/health"
	"github.com/clusterrebootd/kafka-rolling/pkg/observability"
)

// CycleResult is the health of the cluster as seen by one poll cycle.
type CycleResult struct {
	Healthy         bool
	Hosts           int
	UnderReplicated int
	Unreachable     []string
}

// Summary describes a finished wait.
type Summary struct {
	Stable      bool
	Required    int
	Consecutive int
	Cycles      int
	Elapsed     time.Duration
	Last        CycleResult
}

// WaitTimeoutError is returned when the cluster did not become stable before
// the unhealthy time limit expired.
type WaitTimeoutError struct {
	Limit   time.Duration
	Summary Summary
}

func (e *WaitTimeoutError) Error() string {
	last := e.Summary.Last
	msg := fmt.Sprintf("cluster still unhealthy after %s (%d cycles, %d/%d consecutive healthy, last cycle: %d under-replicated partitions, %d missing brokers",
		e.Summary.Elapsed.Round(time.Second), e.Summary.Cycles, e.Summary.Consecutive, e.Summary.Required,
		last.UnderReplicated, len(last.Unreachable))
	if len(last.Unreachable) > 0 {
		msg += ": " + strings.Join(last.Unreachable, ", ")
	}
	return msg + ")"
}

// Monitor polls a prober across all brokers until the cluster is stable or
// the time limit is exhausted.
type Monitor struct {
	prober       health.Prober
	interval     time.Duration
	timeLimit    time.Duration
	probeTimeout time.Duration
	sleep        func(time.Duration)
	now          func() time.Time
	reporter     observability.Reporter
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithSleepFunc overrides the sleep between poll cycles.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.sleep = fn
		}
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithProbeTimeout bounds each individual probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		m.probeTimeout = d
	}
}

// WithReporter attaches an observability reporter to the monitor.
func WithReporter(rep observability.Reporter) Option {
	return func(m *Monitor) {
		m.reporter = observability.OrNoop(rep)
	}
}

// NewMonitor constructs a Monitor polling every interval for at most timeLimit.
func NewMonitor(prober health.Prober, interval, timeLimit time.Duration, opts ...Option) (*Monitor, error) {
	if prober == nil {
		return nil, errors.New("prober must not be nil")
	}
	if interval < 0 {
		return nil, errors.New("check interval must not be negative")
	}
	if timeLimit < 0 {
		return nil, errors.New("unhealthy time limit must not be negative")
	}

	m := &Monitor{
		prober:    prober,
		interval:  interval,
		timeLimit: timeLimit,
		sleep:     time.Sleep,
		now:       time.Now,
		reporter:  observability.NoopReporter{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// WaitStable blocks until required consecutive cycles observe every host
// healthy. A required count of zero returns immediately without probing.
// The first cycle runs without delay.
func (m *Monitor) WaitStable(ctx context.Context, hosts []string, required int) (Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	summary := Summary{Required: required}
	if required <= 0 {
		summary.Stable = true
		m.reporter.RecordEvent(ctx, observability.Event{
			Level:     observability.LevelWarn,
			Component: "stability",
			Event:     "stability_check_skipped",
			Message:   "no check will be performed",
		})
		return summary, nil
	}

	start := m.now()
	deadline := start.Add(m.timeLimit)

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		result := m.poll(ctx, hosts)
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		summary.Cycles++
		summary.Last = result
		if result.Healthy {
			summary.Consecutive++
		} else {
			summary.Consecutive = 0
		}
		summary.Elapsed = m.now().Sub(start)
		m.recordCycle(ctx, summary)

		if summary.Consecutive >= required {
			summary.Stable = true
			m.recordWait(ctx, summary, "stable")
			return summary, nil
		}
		if !m.now().Before(deadline) {
			m.recordWait(ctx, summary, "timeout")
			return summary, &WaitTimeoutError{Limit: m.timeLimit, Summary: summary}
		}

		if err := m.sleepWithContext(ctx, m.interval); err != nil {
			return summary, err
		}
	}
}

// poll probes every host concurrently and joins before evaluating health.
func (m *Monitor) poll(ctx context.Context, hosts []string) CycleResult {
	type probeOutcome struct {
		res health.Result
		err error
	}
	outcomes := make([]probeOutcome, len(hosts))

	var wg sync.WaitGroup
	for i, host := range hosts {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			probeCtx := ctx
			if m.probeTimeout > 0 {
				var cancel context.CancelFunc
				probeCtx, cancel = context.WithTimeout(ctx, m.probeTimeout)
				defer cancel()
			}
			res, err := m.prober.Probe(probeCtx, host)
			outcomes[i] = probeOutcome{res: res, err: err}
		}(i, host)
	}
	wg.Wait()

	result := CycleResult{Hosts: len(hosts)}
	for i, out := range outcomes {
		if out.err != nil {
			result.Unreachable = append(result.Unreachable, hosts[i])
			m.reporter.RecordEvent(ctx, observability.Event{
				Level:     observability.LevelDebug,
				Component: "stability",
				Event:     "probe_failed",
				Fields: map[string]interface{}{
					"host":  hosts[i],
					"error": out.err.Error(),
				},
			})
			continue
		}
		result.UnderReplicated += out.res.UnderReplicated
	}
	result.Healthy = len(result.Unreachable) == 0 && result.UnderReplicated == 0
	return result
}

func (m *Monitor) recordCycle(ctx context.Context, summary Summary) {
	result := "unhealthy"
	if summary.Last.Healthy {
		result = "healthy"
	}
	m.reporter.RecordMetric(observability.Metric{
		Name:        "stability_cycles_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Number of cluster poll cycles grouped by result.",
	})
	m.reporter.RecordMetric(observability.Metric{
		Name:        "under_replicated_partitions",
		Type:        observability.MetricGauge,
		Value:       float64(summary.Last.UnderReplicated),
		Description: "Under-replicated partitions summed across reachable brokers in the last cycle.",
	})

	fields := map[string]interface{}{
		"cycle":             summary.Cycles,
		"under_replicated":  summary.Last.UnderReplicated,
		"missing_brokers":   len(summary.Last.Unreachable),
		"consecutive":       summary.Consecutive,
		"required":          summary.Required,
		"elapsed_ms":        summary.Elapsed.Milliseconds(),
		"healthy":           summary.Last.Healthy,
		"unreachable_hosts": append([]string(nil), summary.Last.Unreachable...),
	}
	m.reporter.RecordEvent(ctx, observability.Event{
		Level:     observability.LevelInfo,
		Component: "stability",
		Event:     "stability_cycle",
		Fields:    fields,
	})
}

func (m *Monitor) recordWait(ctx context.Context, summary Summary, result string) {
	level := observability.LevelInfo
	if result != "stable" {
		level = observability.LevelError
	}
	m.reporter.RecordMetric(observability.Metric{
		Name:        "stability_wait_seconds",
		Type:        observability.MetricHistogram,
		Value:       summary.Elapsed.Seconds(),
		Labels:      map[string]string{"result": result},
		Description: "Time spent waiting for the cluster to become stable.",
		Unit:        "seconds",
	})
	m.reporter.RecordEvent(ctx, observability.Event{
		Level:     level,
		Component: "stability",
		Event:     "stability_" + result,
		Fields: map[string]interface{}{
			"cycles":     summary.Cycles,
			"required":   summary.Required,
			"elapsed_ms": summary.Elapsed.Milliseconds(),
		},
	})
}

func (m *Monitor) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		m.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
