package rolling

import (
	"context"
	"errors"
	"fmt"

	"github.com/clusterrebootd/kafka-rolling/pkg/broker"
	"github.com/clusterrebootd/kafka-rolling/pkg/remote"
	"github.com/clusterrebootd/kafka-rolling/pkg/stability"
	"github.com/clusterrebootd/kafka-rolling/pkg/tasks"
)

// Phase is a step of the per-broker state machine.
type Phase string

const (
	PhaseAwaitStability Phase = "AWAIT_STABILITY"
	PhasePreHooks       Phase = "PRE_HOOKS"
	PhaseOperate        Phase = "OPERATE"
	PhasePostHooks      Phase = "POST_HOOKS"
	PhaseFinalStability Phase = "FINAL_STABILITY"
)

// FailureKind classifies why a run aborted.
type FailureKind string

const (
	FailureWaitTimeout     FailureKind = "wait_timeout"
	FailureTaskFailed      FailureKind = "task_failed"
	FailureRemoteOperation FailureKind = "remote_operation"
	FailureInterrupted     FailureKind = "interrupted"
)

// AbortError wraps the fatal error that ended a run with the broker and phase
// it happened in. The cause stays reachable through errors.As.
type AbortError struct {
	Broker *broker.Broker
	Phase  Phase
	Kind   FailureKind
	Err    error
}

func (e *AbortError) Error() string {
	if e.Broker == nil {
		return fmt.Sprintf("run aborted during %s (%s): %v", e.Phase, e.Kind, e.Err)
	}
	return fmt.Sprintf("run aborted at %s during %s (%s): %v", e.Broker, e.Phase, e.Kind, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

func classify(phase Phase, err error) FailureKind {
	var timeout *stability.WaitTimeoutError
	var taskErr *tasks.TaskFailedError
	var opErr *remote.OperationError
	switch {
	case errors.As(err, &timeout):
		return FailureWaitTimeout
	case errors.As(err, &taskErr):
		return FailureTaskFailed
	case errors.As(err, &opErr):
		return FailureRemoteOperation
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailureInterrupted
	case phase == PhaseOperate:
		return FailureRemoteOperation
	case phase == PhasePreHooks, phase == PhasePostHooks:
		return FailureTaskFailed
	default:
		return FailureWaitTimeout
	}
}
