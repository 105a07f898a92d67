// Package rolling drives a restart or decommission across the brokers of a
// cluster, one broker at a time, gated on cluster stability.
package rolling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clusterrebootd/kafka-rolling/pkg/broker"
	"github.com/clusterrebootd/kafka-rolling/pkg/config"
	"github.com/clusterrebootd/kafka-rolling/pkg/observability"
	"github.com/clusterrebootd/kafka-rolling/pkg/progress"
	"github.com/clusterrebootd/kafka-rolling/pkg/remote"
	"github.com/clusterrebootd/kafka-rolling/pkg/stability"
	"github.com/clusterrebootd/kafka-rolling/pkg/tasks"
)

// StabilityWaiter blocks until the cluster is stable.
type StabilityWaiter interface {
	WaitStable(ctx context.Context, hosts []string, required int) (stability.Summary, error)
}

// Hooks runs the pre-stop and post-stop tasks for a broker.
type Hooks interface {
	RunPre(ctx context.Context, target tasks.Target) error
	RunPost(ctx context.Context, target tasks.Target) error
}

// Status is the final state of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Outcome summarises a run.
type Outcome struct {
	Status       Status
	Operation    string
	RunID        string
	Processed    int
	Skipped      int
	Total        int
	FailedBroker *broker.Broker
	FailedPhase  Phase
	FailureKind  FailureKind
	Message      string
	Duration     time.Duration
}

// Sequencer applies an operation to brokers in ascending id order.
type Sequencer struct {
	cfg      *config.Config
	brokers  broker.List
	monitor  StabilityWaiter
	dialer   remote.Dialer
	hooks    Hooks
	op       Operation
	reporter observability.Reporter
	store    progress.Store
	cluster  string
	runID    string
	now      func() time.Time
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithReporter attaches an observability reporter to the sequencer.
func WithReporter(rep observability.Reporter) Option {
	return func(s *Sequencer) {
		s.reporter = observability.OrNoop(rep)
	}
}

// WithCheckpoint records progress for cluster in store after every broker.
func WithCheckpoint(store progress.Store, cluster string) Option {
	return func(s *Sequencer) {
		if store != nil {
			s.store = store
			s.cluster = cluster
		}
	}
}

// WithRunID sets the identifier stamped on the outcome and checkpoints.
func WithRunID(id string) Option {
	return func(s *Sequencer) {
		s.runID = id
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(s *Sequencer) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSequencer constructs a Sequencer. The broker list must be sorted by id,
// as produced by broker.NewList, and cfg.Skip must fall inside it.
func NewSequencer(cfg *config.Config, brokers broker.List, monitor StabilityWaiter, dialer remote.Dialer, hooks Hooks, op Operation, opts ...Option) (*Sequencer, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if monitor == nil {
		return nil, errors.New("stability monitor must not be nil")
	}
	if dialer == nil {
		return nil, errors.New("dialer must not be nil")
	}
	if op == nil {
		return nil, errors.New("operation must not be nil")
	}
	if hooks == nil {
		hooks = tasks.Set{}
	}
	if err := config.ValidateSkip(cfg.Skip, len(brokers)); err != nil {
		return nil, err
	}
	if cfg.CheckCount < 0 {
		return nil, config.Problemf("check_count must not be negative")
	}

	s := &Sequencer{
		cfg:      cfg,
		brokers:  brokers,
		monitor:  monitor,
		dialer:   dialer,
		hooks:    hooks,
		op:       op,
		reporter: observability.NoopReporter{},
		store:    progress.NoopStore{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run processes every broker from the skip offset onwards and finishes with
// one more stability wait. The first fatal error aborts the run; the returned
// error is an *AbortError wrapping it.
func (s *Sequencer) Run(ctx context.Context) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	start := s.now()
	total := len(s.brokers)
	out := Outcome{
		Operation: s.op.Name(),
		RunID:     s.runID,
		Skipped:   s.cfg.Skip,
		Total:     total,
	}
	hosts := s.brokers.Hosts()

	s.reporter.RecordEvent(ctx, observability.Event{
		Level:     observability.LevelInfo,
		Component: "sequencer",
		Event:     "run_started",
		Fields: map[string]interface{}{
			"operation":  out.Operation,
			"brokers":    total,
			"broker_ids": s.brokers.IDs(),
			"skip":       s.cfg.Skip,
		},
	})

	var last *broker.Broker
	for pos := s.cfg.Skip; pos < total; pos++ {
		b := s.brokers[pos]
		required := s.cfg.CheckCount
		if pos == s.cfg.Skip {
			// The first wait only confirms the cluster is not already broken.
			required = 1
		}
		if err := s.processBroker(ctx, pos, b, hosts, required); err != nil {
			out.Duration = s.now().Sub(start)
			return s.abort(ctx, out, err)
		}
		out.Processed++
		last = &b
	}

	if err := s.step(ctx, last, PhaseFinalStability, func() error {
		_, err := s.monitor.WaitStable(ctx, hosts, s.cfg.CheckCount)
		return err
	}); err != nil {
		out.Duration = s.now().Sub(start)
		return s.abort(ctx, out, err)
	}

	if err := s.store.Clear(ctx); err != nil {
		s.warn(ctx, "checkpoint_clear_failed", err, nil)
	}

	out.Status = StatusCompleted
	out.Duration = s.now().Sub(start)
	out.Message = fmt.Sprintf("%s of %d broker(s) completed", out.Operation, out.Processed)
	s.recordRun(ctx, out)
	return out, nil
}

func (s *Sequencer) processBroker(ctx context.Context, pos int, b broker.Broker, hosts []string, required int) error {
	target := tasks.Target{BrokerID: b.ID, Host: b.Host}
	started := s.now()

	s.reporter.RecordEvent(ctx, observability.Event{
		Level:     observability.LevelInfo,
		Component: "sequencer",
		Event:     "broker_started",
		Fields: map[string]interface{}{
			"broker_id": b.ID,
			"host":      b.Host,
			"position":  pos + 1,
			"total":     len(s.brokers),
			"required":  required,
		},
	})

	if err := s.step(ctx, &b, PhaseAwaitStability, func() error {
		_, err := s.monitor.WaitStable(ctx, hosts, required)
		return err
	}); err != nil {
		return err
	}
	if err := s.step(ctx, &b, PhasePreHooks, func() error {
		return s.hooks.RunPre(ctx, target)
	}); err != nil {
		return err
	}
	operateStart := s.now()
	if err := s.step(ctx, &b, PhaseOperate, func() error {
		return s.operate(ctx, b)
	}); err != nil {
		return err
	}
	s.reporter.RecordMetric(observability.Metric{
		Name:        "broker_operation_seconds",
		Type:        observability.MetricHistogram,
		Value:       s.now().Sub(operateStart).Seconds(),
		Labels:      map[string]string{"operation": s.op.Name()},
		Description: "Duration of the remote operation on a single broker.",
		Unit:        "seconds",
	})
	if err := s.step(ctx, &b, PhasePostHooks, func() error {
		return s.hooks.RunPost(ctx, target)
	}); err != nil {
		return err
	}

	if err := s.store.Save(ctx, progress.Checkpoint{
		RunID:     s.runID,
		Cluster:   s.cluster,
		Operation: s.op.Name(),
		BrokerID:  b.ID,
		Host:      b.Host,
		Position:  pos,
		Total:     len(s.brokers),
		UpdatedAt: s.now().UTC(),
	}); err != nil {
		s.warn(ctx, "checkpoint_save_failed", err, map[string]interface{}{"broker_id": b.ID})
	}

	s.reporter.RecordMetric(observability.Metric{
		Name:        "brokers_processed_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"operation": s.op.Name()},
		Description: "Number of brokers that completed every phase.",
	})
	s.reporter.RecordEvent(ctx, observability.Event{
		Level:     observability.LevelInfo,
		Component: "sequencer",
		Event:     "broker_completed",
		Fields: map[string]interface{}{
			"broker_id":   b.ID,
			"host":        b.Host,
			"position":    pos + 1,
			"total":       len(s.brokers),
			"duration_ms": s.now().Sub(started).Milliseconds(),
		},
	})
	return nil
}

// step checks for cancellation before running fn and wraps any failure.
func (s *Sequencer) step(ctx context.Context, b *broker.Broker, phase Phase, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return &AbortError{Broker: b, Phase: phase, Kind: FailureInterrupted, Err: err}
	}
	s.reporter.RecordEvent(ctx, observability.Event{
		Level:     observability.LevelDebug,
		Component: "sequencer",
		Event:     "phase_started",
		Fields:    phaseFields(b, phase),
	})
	if err := fn(); err != nil {
		return &AbortError{Broker: b, Phase: phase, Kind: classify(phase, err), Err: err}
	}
	return nil
}

// operate runs the operation inside a session scoped to this step. Once
// started it is not interrupted by cancellation of ctx.
func (s *Sequencer) operate(ctx context.Context, b broker.Broker) error {
	opCtx := context.WithoutCancel(ctx)

	session, err := s.dialer.Open(opCtx, b.Host)
	if err != nil {
		var opErr *remote.OperationError
		if !errors.As(err, &opErr) {
			err = &remote.OperationError{Host: b.Host, Stage: remote.StageConnect, Err: err}
		}
		return err
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			s.warn(ctx, "session_close_failed", closeErr, map[string]interface{}{"host": b.Host})
		}
	}()

	return s.op.Apply(opCtx, &reportingSession{Session: session, reporter: s.reporter, brokerID: b.ID})
}

func (s *Sequencer) abort(ctx context.Context, out Outcome, err error) (Outcome, error) {
	out.Status = StatusAborted
	out.Message = err.Error()

	var abortErr *AbortError
	if errors.As(err, &abortErr) {
		out.FailedBroker = abortErr.Broker
		out.FailedPhase = abortErr.Phase
		out.FailureKind = abortErr.Kind
	}
	s.recordRun(ctx, out)
	return out, err
}

func (s *Sequencer) recordRun(ctx context.Context, out Outcome) {
	fields := map[string]interface{}{
		"operation":   out.Operation,
		"processed":   out.Processed,
		"skipped":     out.Skipped,
		"total":       out.Total,
		"duration_ms": out.Duration.Milliseconds(),
	}
	level := observability.LevelInfo
	event := "run_completed"
	if out.Status == StatusAborted {
		level = observability.LevelError
		event = "run_aborted"
		fields["phase"] = string(out.FailedPhase)
		fields["failure_kind"] = string(out.FailureKind)
		if out.FailedBroker != nil {
			fields["broker_id"] = out.FailedBroker.ID
			fields["host"] = out.FailedBroker.Host
		}
	}
	s.reporter.RecordEvent(ctx, observability.Event{
		Level:     level,
		Component: "sequencer",
		Event:     event,
		Message:   out.Message,
		Fields:    fields,
	})
	s.reporter.RecordMetric(observability.Metric{
		Name:        "runs_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"operation": out.Operation, "status": string(out.Status)},
		Description: "Number of rolling runs grouped by final status.",
	})
}

func (s *Sequencer) warn(ctx context.Context, event string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["error"] = err.Error()
	s.reporter.RecordEvent(ctx, observability.Event{
		Level:     observability.LevelWarn,
		Component: "sequencer",
		Event:     event,
		Fields:    fields,
	})
}

func phaseFields(b *broker.Broker, phase Phase) map[string]interface{} {
	fields := map[string]interface{}{"phase": string(phase)}
	if b != nil {
		fields["broker_id"] = b.ID
		fields["host"] = b.Host
	}
	return fields
}

// reportingSession emits an event for every command run on the broker.
type reportingSession struct {
	remote.Session
	reporter observability.Reporter
	brokerID int
}

func (r *reportingSession) Run(ctx context.Context, command string) (remote.Result, error) {
	r.reporter.RecordEvent(ctx, observability.Event{
		Level:     observability.LevelInfo,
		Component: "remote",
		Event:     "remote_command",
		Fields: map[string]interface{}{
			"broker_id": r.brokerID,
			"host":      r.Host(),
			"command":   command,
		},
	})
	result, err := r.Session.Run(ctx, command)
	fields := map[string]interface{}{
		"broker_id":   r.brokerID,
		"host":        r.Host(),
		"command":     command,
		"exit_code":   result.ExitCode,
		"duration_ms": result.Duration.Milliseconds(),
	}
	level := observability.LevelDebug
	if err != nil {
		level = observability.LevelWarn
		fields["error"] = err.Error()
	} else if result.ExitCode != 0 {
		level = observability.LevelWarn
		fields["stderr"] = result.Stderr
	}
	r.reporter.RecordEvent(ctx, observability.Event{
		Level:     level,
		Component: "remote",
		Event:     "remote_command_finished",
		Fields:    fields,
	})
	return result, err
}
