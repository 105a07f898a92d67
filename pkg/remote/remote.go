// Package remote runs broker service commands on the broker hosts.
package remote

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Result captures the outcome of a single remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the command exited with status zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Session is an open connection to one host.
type Session interface {
	Host() string
	Run(ctx context.Context, command string) (Result, error)
	Close() error
}

// Dialer opens sessions to broker hosts.
type Dialer interface {
	Open(ctx context.Context, host string) (Session, error)
}

// Stages reported by OperationError.
const (
	StageConnect = "connect"
	StageRun     = "run"
	StageExit    = "exit"
)

// OperationError reports a failed connection or command on a broker host.
type OperationError struct {
	Host    string
	Command string
	Stage   string
	Err     error
}

func (e *OperationError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("remote operation on %s failed during %s: %v", e.Host, e.Stage, e.Err)
	}
	return fmt.Sprintf("remote operation %q on %s failed during %s: %v", e.Command, e.Host, e.Stage, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// ExitError is the cause recorded when a command exits non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("exit status %d", e.Code)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// RunChecked runs command on session and turns transport failures and
// non-zero exits into *OperationError.
func RunChecked(ctx context.Context, session Session, command string) (Result, error) {
	result, err := session.Run(ctx, command)
	if err != nil {
		return result, &OperationError{Host: session.Host(), Command: command, Stage: StageRun, Err: err}
	}
	if !result.Success() {
		return result, &OperationError{
			Host:    session.Host(),
			Command: command,
			Stage:   StageExit,
			Err:     &ExitError{Code: result.ExitCode, Stderr: result.Stderr},
		}
	}
	return result, nil
}
