// Package tasks provides the pluggable hooks that run on each broker before
// and after its operation.
package tasks

import (
	"context"
	"fmt"
)

// Phases a task can fail in.
const (
	PhasePreStop  = "pre_stop"
	PhasePostStop = "post_stop"
)

// Target identifies the broker a hook runs against.
type Target struct {
	BrokerID int
	Host     string
}

// PreStopTask runs before a broker is stopped.
type PreStopTask interface {
	PreStop(ctx context.Context, target Target) error
}

// PostStopTask runs after a broker's operation finished.
type PostStopTask interface {
	PostStop(ctx context.Context, target Target) error
}

// PreStep is a named pre-stop hook.
type PreStep struct {
	Name string
	Task PreStopTask
}

// PostStep is a named post-stop hook.
type PostStep struct {
	Name string
	Task PostStopTask
}

// Set holds the loaded hooks in configuration order.
type Set struct {
	Pre  []PreStep
	Post []PostStep
}

// TaskFailedError reports a hook failure for a broker.
type TaskFailedError struct {
	Task     string
	Phase    string
	BrokerID int
	Host     string
	Err      error
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed during %s for broker %d (%s): %v", e.Task, e.Phase, e.BrokerID, e.Host, e.Err)
}

func (e *TaskFailedError) Unwrap() error {
	return e.Err
}

// RunPre executes every pre-stop hook in order and stops at the first failure.
func (s Set) RunPre(ctx context.Context, target Target) error {
	for _, step := range s.Pre {
		if err := step.Task.PreStop(ctx, target); err != nil {
			return &TaskFailedError{Task: step.Name, Phase: PhasePreStop, BrokerID: target.BrokerID, Host: target.Host, Err: err}
		}
	}
	return nil
}

// RunPost executes every post-stop hook in order and stops at the first failure.
func (s Set) RunPost(ctx context.Context, target Target) error {
	for _, step := range s.Post {
		if err := step.Task.PostStop(ctx, target); err != nil {
			return &TaskFailedError{Task: step.Name, Phase: PhasePostStop, BrokerID: target.BrokerID, Host: target.Host, Err: err}
		}
	}
	return nil
}
