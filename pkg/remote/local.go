package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// LocalDialer runs commands through a shell on the local machine. It serves
// single-host clusters and environments where the operator already runs on
// the broker.
type LocalDialer struct {
	Shell  string
	Env    map[string]string
	Stdout io.Writer
	Stderr io.Writer
}

// NewLocalDialer constructs a LocalDialer that tees command output to the
// given writers. Nil writers only capture.
func NewLocalDialer(stdout, stderr io.Writer) *LocalDialer {
	return &LocalDialer{Shell: "/bin/sh", Stdout: stdout, Stderr: stderr}
}

// Open implements Dialer.
func (d *LocalDialer) Open(ctx context.Context, host string) (Session, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, &OperationError{Host: host, Stage: StageConnect, Err: err}
		}
	}
	return &localSession{dialer: d, host: host}, nil
}

type localSession struct {
	dialer *LocalDialer
	host   string
}

func (s *localSession) Host() string {
	return s.host
}

func (s *localSession) Run(ctx context.Context, command string) (Result, error) {
	if command == "" {
		return Result{}, errors.New("command is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	shell := s.dialer.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(), "KR_TARGET_HOST="+s.host)
	for k, v := range s.dialer.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = teeWriter(&stdout, s.dialer.Stdout)
	cmd.Stderr = teeWriter(&stderr, s.dialer.Stderr)

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		return result, fmt.Errorf("run %q: %w", command, err)
	}
	return result, nil
}

func (s *localSession) Close() error {
	return nil
}

func teeWriter(buf *bytes.Buffer, extra io.Writer) io.Writer {
	if extra == nil {
		return buf
	}
	return io.MultiWriter(buf, extra)
}

var _ Dialer = (*LocalDialer)(nil)
var _ Session = (*localSession)(nil)
