package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCheckIntervalSec      = 10
	DefaultCheckCount            = 12
	DefaultUnhealthyTimeLimitSec = 600
	DefaultJolokiaPort           = 8778
	DefaultJolokiaPrefix         = "jolokia/"
	DefaultJolokiaTimeoutSec     = 10
	DefaultStopCommand           = "service kafka stop"
	DefaultStartCommand          = "service kafka start"

	// DefaultMetricPath reads the broker-wide under-replicated partition gauge.
	DefaultMetricPath = "read/kafka.server:type=ReplicaManager,name=UnderReplicatedPartitions/Value"

	TransportSSH   = "ssh"
	TransportLocal = "local"
)

// Config is the immutable snapshot a rolling operation runs with.
type Config struct {
	CheckIntervalSec      int           `yaml:"check_interval_sec"`
	CheckCount            int           `yaml:"check_count"`
	UnhealthyTimeLimitSec int           `yaml:"unhealthy_time_limit_sec"`
	Skip                  int           `yaml:"skip"`
	Jolokia               JolokiaConfig `yaml:"jolokia"`
	StopCommand           string        `yaml:"stop_command"`
	StartCommand          string        `yaml:"start_command"`
	Transport             string        `yaml:"transport"`
	SSH                   SSHConfig     `yaml:"ssh"`
	Tasks                 []TaskConfig  `yaml:"tasks"`
	Lock                  LockConfig    `yaml:"lock"`
	Metrics               MetricsConfig `yaml:"metrics"`
}

// JolokiaConfig locates the management-metrics endpoint on every broker.
type JolokiaConfig struct {
	Port       int    `yaml:"port"`
	Prefix     string `yaml:"prefix"`
	MetricPath string `yaml:"metric_path"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// SSHConfig controls how remote sessions are established.
type SSHConfig struct {
	User              string   `yaml:"user"`
	Port              int      `yaml:"port"`
	IdentityFiles     []string `yaml:"identity_files"`
	KnownHostsFile    string   `yaml:"known_hosts_file"`
	ForwardAgent      *bool    `yaml:"forward_agent"`
	Sudo              *bool    `yaml:"sudo"`
	MaxAttempts       int      `yaml:"max_attempts"`
	MaxBackoffSec     int      `yaml:"max_backoff_sec"`
	ConnectTimeoutSec int      `yaml:"connect_timeout_sec"`
	// Password is only ever supplied on the command line.
	Password string `yaml:"-"`
}

// TaskConfig names a registered task hook and the argument it is built with.
type TaskConfig struct {
	Name string `yaml:"name"`
	Args string `yaml:"args"`
}

// LockConfig enables the etcd run lock when endpoints are configured.
type LockConfig struct {
	EtcdEndpoints  []string `yaml:"etcd_endpoints"`
	Namespace      string   `yaml:"namespace"`
	TTLSec         int      `yaml:"ttl_sec"`
	DialTimeoutSec int      `yaml:"dial_timeout_sec"`
}

// MetricsConfig defines how run metrics are exposed.
type MetricsConfig struct {
	Listen   string `yaml:"listen"`
	Textfile string `yaml:"textfile"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Problemf builds a single-problem ValidationError.
func Problemf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Problems: []string{fmt.Sprintf(format, args...)}}
}

// Default returns a configuration populated with the built-in defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads and parses a configuration file on top of the defaults.
// Validation is left to the caller because command-line overrides are
// applied afterwards.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

// decode starts from the defaults so explicit zero values in the file (for
// example check_count: 0) survive.
func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	cfg := Default()
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with the built-in defaults.
func (c *Config) ApplyDefaults() {
	if c.CheckIntervalSec == 0 {
		c.CheckIntervalSec = DefaultCheckIntervalSec
	}
	if c.CheckCount == 0 {
		c.CheckCount = DefaultCheckCount
	}
	if c.UnhealthyTimeLimitSec == 0 {
		c.UnhealthyTimeLimitSec = DefaultUnhealthyTimeLimitSec
	}
	if c.Jolokia.Port == 0 {
		c.Jolokia.Port = DefaultJolokiaPort
	}
	if c.Jolokia.Prefix == "" {
		c.Jolokia.Prefix = DefaultJolokiaPrefix
	}
	if c.Jolokia.MetricPath == "" {
		c.Jolokia.MetricPath = DefaultMetricPath
	}
	if c.Jolokia.TimeoutSec == 0 {
		c.Jolokia.TimeoutSec = DefaultJolokiaTimeoutSec
	}
	if strings.TrimSpace(c.StopCommand) == "" {
		c.StopCommand = DefaultStopCommand
	}
	if strings.TrimSpace(c.StartCommand) == "" {
		c.StartCommand = DefaultStartCommand
	}
	if c.Transport == "" {
		c.Transport = TransportSSH
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.ForwardAgent == nil {
		c.SSH.ForwardAgent = boolPtr(true)
	}
	if c.SSH.Sudo == nil {
		c.SSH.Sudo = boolPtr(true)
	}
	if c.SSH.MaxAttempts == 0 {
		c.SSH.MaxAttempts = 3
	}
	if c.SSH.MaxBackoffSec == 0 {
		c.SSH.MaxBackoffSec = 2
	}
	if c.SSH.ConnectTimeoutSec == 0 {
		c.SSH.ConnectTimeoutSec = 30
	}
	if c.Lock.TTLSec == 0 {
		c.Lock.TTLSec = 60
	}
	if c.Lock.DialTimeoutSec == 0 {
		c.Lock.DialTimeoutSec = 5
	}
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if c.Skip < 0 {
		problems = append(problems, "skip must be >= 0")
	}
	if c.CheckCount < 0 {
		problems = append(problems, "check_count must be >= 0")
	}
	if c.UnhealthyTimeLimitSec < 0 {
		problems = append(problems, "unhealthy_time_limit_sec must be >= 0")
	}
	if c.CheckIntervalSec < 0 {
		problems = append(problems, "check_interval_sec must be >= 0")
	}
	if c.Jolokia.Port <= 0 || c.Jolokia.Port > 65535 {
		problems = append(problems, fmt.Sprintf("jolokia.port %d is out of range", c.Jolokia.Port))
	}
	if c.Jolokia.TimeoutSec < 0 {
		problems = append(problems, "jolokia.timeout_sec must be >= 0")
	}
	if strings.TrimSpace(c.Jolokia.MetricPath) == "" {
		problems = append(problems, "jolokia.metric_path is required")
	}
	problems = append(problems, validateCommand("stop_command", c.StopCommand)...)
	problems = append(problems, validateCommand("start_command", c.StartCommand)...)

	switch c.Transport {
	case TransportSSH, TransportLocal:
	default:
		problems = append(problems, fmt.Sprintf("transport %q is not supported", c.Transport))
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		problems = append(problems, fmt.Sprintf("ssh.port %d is out of range", c.SSH.Port))
	}
	if c.SSH.MaxAttempts <= 0 {
		problems = append(problems, "ssh.max_attempts must be greater than zero")
	}
	if c.SSH.MaxBackoffSec < 0 {
		problems = append(problems, "ssh.max_backoff_sec must be >= 0")
	}
	if c.SSH.ConnectTimeoutSec < 0 {
		problems = append(problems, "ssh.connect_timeout_sec must be >= 0")
	}

	seen := make(map[string]struct{}, len(c.Tasks))
	for i, task := range c.Tasks {
		name := strings.TrimSpace(task.Name)
		if name == "" {
			problems = append(problems, fmt.Sprintf("tasks[%d]: name is required", i))
			continue
		}
		if _, dup := seen[name]; dup {
			problems = append(problems, fmt.Sprintf("tasks[%d]: task %q is listed more than once", i, name))
		}
		seen[name] = struct{}{}
	}

	if len(c.Lock.EtcdEndpoints) > 0 && c.Lock.TTLSec <= 0 {
		problems = append(problems, "lock.ttl_sec must be greater than zero")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Warnings returns non-fatal observations about the configuration.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.CheckCount == 0 {
		warnings = append(warnings, "no check will be performed")
	}
	return warnings
}

// ValidateSkip ensures skip leaves at least one broker to operate on.
func ValidateSkip(skip, brokers int) error {
	if skip < 0 || skip >= brokers {
		return Problemf("skip must be >= 0 and < #brokers (%d)", brokers)
	}
	return nil
}

func validateCommand(field, command string) []string {
	if strings.TrimSpace(command) == "" {
		return []string{field + " must not be empty"}
	}
	words, err := shellquote.Split(command)
	if err != nil {
		return []string{fmt.Sprintf("%s %q cannot be parsed: %v", field, command, err)}
	}
	if len(words) == 0 {
		return []string{field + " must not be empty"}
	}
	if words[0] == "sudo" {
		return []string{field + " must not include sudo"}
	}
	return nil
}

func boolPtr(v bool) *bool { return &v }

// CheckInterval returns the pause between stability poll cycles.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// UnhealthyTimeLimit returns the budget of a single stability wait.
func (c *Config) UnhealthyTimeLimit() time.Duration {
	return time.Duration(c.UnhealthyTimeLimitSec) * time.Second
}

// ProbeTimeout returns the per-probe timeout used against Jolokia.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Jolokia.TimeoutSec) * time.Second
}

// SSHMaxBackoff caps the delay between connection attempts.
func (c *Config) SSHMaxBackoff() time.Duration {
	return time.Duration(c.SSH.MaxBackoffSec) * time.Second
}

// SSHConnectTimeout bounds a single connection attempt.
func (c *Config) SSHConnectTimeout() time.Duration {
	return time.Duration(c.SSH.ConnectTimeoutSec) * time.Second
}

// LockTTL returns the etcd session TTL backing the run lock.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLSec) * time.Second
}

// LockDialTimeout returns the etcd dial timeout.
func (c *Config) LockDialTimeout() time.Duration {
	return time.Duration(c.Lock.DialTimeoutSec) * time.Second
}

// LockEnabled reports whether a distributed run lock is configured.
func (c *Config) LockEnabled() bool {
	return len(c.Lock.EtcdEndpoints) > 0
}

// ForwardAgent reports whether the SSH agent is forwarded to brokers.
func (c *Config) ForwardAgent() bool {
	return c.SSH.ForwardAgent == nil || *c.SSH.ForwardAgent
}

// Sudo reports whether remote commands are wrapped with sudo.
func (c *Config) Sudo() bool {
	return c.SSH.Sudo == nil || *c.SSH.Sudo
}
