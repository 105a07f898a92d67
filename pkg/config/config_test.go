package config

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeValidConfig(t *testing.T) {
	yaml := `check_interval_sec: 5
check_count: 3
jolokia:
  port: 8779
stop_command: "systemctl stop kafka"
ssh:
  user: ops
  forward_agent: false
tasks:
  - name: pre_stop_script
    args: /usr/local/bin/drain.sh
lock:
  etcd_endpoints: ["127.0.0.1:2379"]
`

	cfg, err := decode(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate returned error: %v", err)
	}

	if cfg.CheckIntervalSec != 5 {
		t.Fatalf("expected check interval 5, got %d", cfg.CheckIntervalSec)
	}
	if cfg.CheckCount != 3 {
		t.Fatalf("expected check count 3, got %d", cfg.CheckCount)
	}
	if cfg.UnhealthyTimeLimitSec != DefaultUnhealthyTimeLimitSec {
		t.Fatalf("expected default time limit, got %d", cfg.UnhealthyTimeLimitSec)
	}
	if cfg.Jolokia.Port != 8779 {
		t.Fatalf("expected jolokia port 8779, got %d", cfg.Jolokia.Port)
	}
	if cfg.Jolokia.Prefix != DefaultJolokiaPrefix {
		t.Fatalf("expected default jolokia prefix, got %q", cfg.Jolokia.Prefix)
	}
	if cfg.StartCommand != DefaultStartCommand {
		t.Fatalf("expected default start command, got %q", cfg.StartCommand)
	}
	if cfg.ForwardAgent() {
		t.Fatal("expected forward_agent override to be honoured")
	}
	if !cfg.Sudo() {
		t.Fatal("expected sudo to default to true")
	}
	if len(cfg.Tasks) != 1 || cfg.Tasks[0].Name != "pre_stop_script" {
		t.Fatalf("unexpected tasks: %+v", cfg.Tasks)
	}
	if !cfg.LockEnabled() {
		t.Fatal("expected lock to be enabled")
	}
}

func TestDecodeKeepsExplicitZeroCheckCount(t *testing.T) {
	cfg, err := decode(strings.NewReader("check_count: 0\n"))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	if cfg.CheckCount != 0 {
		t.Fatalf("expected check count 0, got %d", cfg.CheckCount)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("check_count 0 must be valid, got %v", err)
	}
	warnings := cfg.Warnings()
	if len(warnings) != 1 || warnings[0] != "no check will be performed" {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
}

func TestDecodeEmptyDocumentYieldsDefaults(t *testing.T) {
	cfg, err := decode(strings.NewReader(""))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	if cfg.CheckCount != DefaultCheckCount || cfg.CheckIntervalSec != DefaultCheckIntervalSec {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	if _, err := decode(strings.NewReader("check_cuont: 4\n")); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestValidateDetectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Skip = -1
	cfg.CheckCount = -1
	cfg.UnhealthyTimeLimitSec = -5
	cfg.CheckIntervalSec = -1
	cfg.Jolokia.Port = 70000
	cfg.StopCommand = "sudo service kafka stop"
	cfg.StartCommand = "service 'kafka start"
	cfg.Transport = "telnet"
	cfg.SSH.MaxAttempts = 0
	cfg.Tasks = []TaskConfig{{Name: "a"}, {Name: "a"}, {Name: " "}}

	err := cfg.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	expected := []string{
		"skip must be >= 0",
		"check_count must be >= 0",
		"unhealthy_time_limit_sec must be >= 0",
		"check_interval_sec must be >= 0",
		"jolokia.port 70000 is out of range",
		"stop_command must not include sudo",
		"start_command \"service 'kafka start\" cannot be parsed",
		"transport \"telnet\" is not supported",
		"ssh.max_attempts must be greater than zero",
		"task \"a\" is listed more than once",
		"tasks[2]: name is required",
	}
	joined := strings.Join(verr.Problems, "\n")
	for _, want := range expected {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected problem %q in:\n%s", want, joined)
		}
	}
}

func TestValidateSkip(t *testing.T) {
	if err := ValidateSkip(0, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateSkip(2, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, skip := range []int{-1, 3, 4} {
		err := ValidateSkip(skip, 3)
		if !errors.Is(err, &ValidationError{}) {
			t.Fatalf("skip %d: expected ValidationError, got %v", skip, err)
		}
	}
}

func TestDurations(t *testing.T) {
	cfg := Default()
	if cfg.CheckInterval().Seconds() != DefaultCheckIntervalSec {
		t.Fatalf("unexpected check interval %s", cfg.CheckInterval())
	}
	if cfg.UnhealthyTimeLimit().Seconds() != DefaultUnhealthyTimeLimitSec {
		t.Fatalf("unexpected time limit %s", cfg.UnhealthyTimeLimit())
	}
	if cfg.SSHMaxBackoff().Seconds() != 2 {
		t.Fatalf("unexpected ssh backoff %s", cfg.SSHMaxBackoff())
	}
}
