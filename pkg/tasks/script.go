package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultScriptTimeout bounds a hook script when no timeout is configured.
const DefaultScriptTimeout = 5 * time.Minute

// ScriptRunner executes a local hook script enforcing timeouts and environment injection.
type ScriptRunner struct {
	path    string
	timeout time.Duration
	env     map[string]string
}

// ScriptResult captures the outcome of executing a hook script.
type ScriptResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// NewScriptRunner constructs a runner for the provided script path.
func NewScriptRunner(path string, timeout time.Duration, baseEnv map[string]string) (*ScriptRunner, error) {
	cleaned := strings.TrimSpace(path)
	if cleaned == "" {
		return nil, errors.New("script path must not be empty")
	}
	if !filepath.IsAbs(cleaned) {
		return nil, fmt.Errorf("script path must be absolute: %s", path)
	}
	envCopy := make(map[string]string, len(baseEnv))
	for k, v := range baseEnv {
		envCopy[k] = v
	}
	return &ScriptRunner{path: cleaned, timeout: timeout, env: envCopy}, nil
}

// Run executes the script, combining the runner environment with extraEnv.
// A non-zero exit is reported through ScriptResult.ExitCode, not as an error.
func (r *ScriptRunner) Run(ctx context.Context, extraEnv map[string]string) (ScriptResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if r.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, r.path)
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(), formatEnv(r.env)...)
	cmd.Env = append(cmd.Env, formatEnv(extraEnv)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := ScriptResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if execCtx.Err() != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return result, fmt.Errorf("script %s timed out after %s", r.path, r.timeout)
		}
		return result, execCtx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("script %s execution failed: %w", r.path, err)
	}
	return result, nil
}

// Path returns the configured script path.
func (r *ScriptRunner) Path() string {
	return r.path
}

// Timeout returns the configured timeout duration.
func (r *ScriptRunner) Timeout() time.Duration {
	return r.timeout
}

func formatEnv(values map[string]string) []string {
	if len(values) == 0 {
		return nil
	}
	formatted := make([]string, 0, len(values))
	for k, v := range values {
		formatted = append(formatted, fmt.Sprintf("%s=%s", k, v))
	}
	return formatted
}

// scriptHook runs a ScriptRunner for one broker and fails on a non-zero exit.
type scriptHook struct {
	runner *ScriptRunner
}

func (h scriptHook) run(ctx context.Context, phase string, target Target) error {
	result, err := h.runner.Run(ctx, map[string]string{
		"KR_BROKER_ID":   strconv.Itoa(target.BrokerID),
		"KR_BROKER_HOST": target.Host,
		"KR_PHASE":       phase,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		msg := fmt.Sprintf("script %s exited with status %d", h.runner.Path(), result.ExitCode)
		if stderr := strings.TrimSpace(result.Stderr); stderr != "" {
			msg += ": " + stderr
		}
		return errors.New(msg)
	}
	return nil
}

type preStopScript struct{ scriptHook }

func (s preStopScript) PreStop(ctx context.Context, target Target) error {
	return s.run(ctx, PhasePreStop, target)
}

type postStopScript struct{ scriptHook }

func (s postStopScript) PostStop(ctx context.Context, target Target) error {
	return s.run(ctx, PhasePostStop, target)
}

func newScriptHook(arg string, deps Dependencies) (scriptHook, error) {
	timeout := deps.ScriptTimeout
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	runner, err := NewScriptRunner(arg, timeout, nil)
	if err != nil {
		return scriptHook{}, err
	}
	info, err := os.Stat(runner.Path())
	if err != nil {
		return scriptHook{}, fmt.Errorf("script %s: %w", runner.Path(), err)
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return scriptHook{}, fmt.Errorf("script %s is not executable", runner.Path())
	}
	return scriptHook{runner: runner}, nil
}

func newPreStopScript(arg string, deps Dependencies) (interface{}, error) {
	hook, err := newScriptHook(arg, deps)
	if err != nil {
		return nil, err
	}
	return preStopScript{hook}, nil
}

func newPostStopScript(arg string, deps Dependencies) (interface{}, error) {
	hook, err := newScriptHook(arg, deps)
	if err != nil {
		return nil, err
	}
	return postStopScript{hook}, nil
}
