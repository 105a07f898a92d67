package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/user"
	"text/tabwriter"
	"time"

	"github.com/cheynewallace/tabby"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/clusterrebootd/kafka-rolling/pkg/broker"
	"github.com/clusterrebootd/kafka-rolling/pkg/config"
	"github.com/clusterrebootd/kafka-rolling/pkg/discovery"
	"github.com/clusterrebootd/kafka-rolling/pkg/health"
	"github.com/clusterrebootd/kafka-rolling/pkg/lock"
	"github.com/clusterrebootd/kafka-rolling/pkg/observability"
	"github.com/clusterrebootd/kafka-rolling/pkg/progress"
	"github.com/clusterrebootd/kafka-rolling/pkg/remote"
	"github.com/clusterrebootd/kafka-rolling/pkg/rolling"
	"github.com/clusterrebootd/kafka-rolling/pkg/stability"
	"github.com/clusterrebootd/kafka-rolling/pkg/tasks"
)

const releaseTimeout = 5 * time.Second

type rollingOptions struct {
	clusterType        string
	clusterName        string
	brokerIDs          []int
	discoveryBasePath  string
	configPath         string
	checkInterval      int
	checkCount         int
	unhealthyTimeLimit int
	jolokiaPort        int
	jolokiaPrefix      string
	skip               int
	resume             bool
	noConfirm          bool
	verbose            bool
	tasks              []string
	taskArgs           []string
	startCommand       string
	stopCommand        string
	sshPassword        string
	askSSHPassword     bool
	sshUser            string
	transport          string
	lockEndpoints      []string
	metricsListen      string
	metricsTextfile    string
}

func newRollingCommand(env *environment, operation string) *cobra.Command {
	opts := &rollingOptions{}
	cmd := &cobra.Command{
		Use:   "rolling_" + operation,
		Short: fmt.Sprintf("Rolling %s of the brokers of a Kafka cluster", operation),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRolling(cmd.Context(), env, operation, opts, cmd.Flags().Changed)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.clusterType, "cluster-type", "t", "", "type of cluster (required)")
	flags.StringVarP(&opts.clusterName, "cluster-name", "c", "", "name of the cluster (default: local_config.cluster)")
	flags.IntSliceVarP(&opts.brokerIDs, "broker-ids", "b", nil, "restrict the run to these broker ids")
	flags.StringVar(&opts.discoveryBasePath, "discovery-base-path", "", "directory holding <cluster-type>.yaml topology files")
	flags.StringVar(&opts.configPath, "config", "", "optional YAML file with run settings")
	flags.IntVar(&opts.checkInterval, "check-interval", config.DefaultCheckIntervalSec, "seconds between stability checks")
	flags.IntVar(&opts.checkCount, "check-count", config.DefaultCheckCount, "consecutive healthy checks required before each step")
	flags.IntVar(&opts.unhealthyTimeLimit, "unhealthy-time-limit", config.DefaultUnhealthyTimeLimitSec, "seconds to wait for a stable cluster before aborting")
	flags.IntVar(&opts.jolokiaPort, "jolokia-port", config.DefaultJolokiaPort, "Jolokia port on every broker")
	flags.StringVar(&opts.jolokiaPrefix, "jolokia-prefix", config.DefaultJolokiaPrefix, "Jolokia URL prefix")
	flags.IntVar(&opts.skip, "skip", 0, "number of brokers to skip from the start of the list")
	flags.BoolVar(&opts.resume, "resume", false, "continue after the broker recorded in the last checkpoint")
	flags.BoolVar(&opts.noConfirm, "no-confirm", false, "proceed without asking for confirmation")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "print debug events and command output")
	flags.StringArrayVar(&opts.tasks, "task", nil, "task to run around every broker (repeatable)")
	flags.StringArrayVar(&opts.taskArgs, "task-args", nil, "argument of the task at the same position (repeatable)")
	flags.StringVar(&opts.stopCommand, "stop-command", config.DefaultStopCommand, "command that stops the broker service")
	if operation == rolling.OperationRestart {
		flags.StringVar(&opts.startCommand, "start-command", config.DefaultStartCommand, "command that starts the broker service")
	}
	flags.StringVar(&opts.sshPassword, "ssh-password", "", "password for SSH and sudo")
	flags.BoolVar(&opts.askSSHPassword, "ask-ssh-password", false, "prompt for the SSH password")
	flags.StringVar(&opts.sshUser, "ssh-user", "", "SSH user (default: current user)")
	flags.StringVar(&opts.transport, "transport", config.TransportSSH, "how broker commands are run: ssh or local")
	flags.StringSliceVar(&opts.lockEndpoints, "lock-endpoints", nil, "etcd endpoints for the run lock and checkpoints")
	flags.StringVar(&opts.metricsListen, "metrics-listen", "", "address to serve Prometheus metrics on during the run")
	flags.StringVar(&opts.metricsTextfile, "metrics-textfile", "", "write run metrics to this file when the run ends")
	_ = cmd.MarkFlagRequired("cluster-type")

	return cmd
}

// apply overlays flags the user set explicitly on top of cfg.
func (o *rollingOptions) apply(cfg *config.Config, changed func(string) bool) error {
	if changed("check-interval") {
		cfg.CheckIntervalSec = o.checkInterval
	}
	if changed("check-count") {
		cfg.CheckCount = o.checkCount
	}
	if changed("unhealthy-time-limit") {
		cfg.UnhealthyTimeLimitSec = o.unhealthyTimeLimit
	}
	if changed("jolokia-port") {
		cfg.Jolokia.Port = o.jolokiaPort
	}
	if changed("jolokia-prefix") {
		cfg.Jolokia.Prefix = o.jolokiaPrefix
	}
	if changed("skip") {
		cfg.Skip = o.skip
	}
	if changed("stop-command") {
		cfg.StopCommand = o.stopCommand
	}
	if changed("start-command") {
		cfg.StartCommand = o.startCommand
	}
	if changed("ssh-user") {
		cfg.SSH.User = o.sshUser
	}
	if changed("ssh-password") {
		cfg.SSH.Password = o.sshPassword
	}
	if changed("transport") {
		cfg.Transport = o.transport
	}
	if changed("lock-endpoints") {
		cfg.Lock.EtcdEndpoints = o.lockEndpoints
	}
	if changed("metrics-listen") {
		cfg.Metrics.Listen = o.metricsListen
	}
	if changed("metrics-textfile") {
		cfg.Metrics.Textfile = o.metricsTextfile
	}
	if changed("task") || changed("task-args") {
		pairs, err := pairTasks(o.tasks, o.taskArgs)
		if err != nil {
			return err
		}
		cfg.Tasks = pairs
	}
	return nil
}

// pairTasks matches --task-args to --task by position. Tasks without an
// argument get the empty string.
func pairTasks(names, args []string) ([]config.TaskConfig, error) {
	if len(args) > len(names) {
		return nil, config.Problemf("%d --task-args given for %d --task", len(args), len(names))
	}
	pairs := make([]config.TaskConfig, 0, len(names))
	for i, name := range names {
		arg := ""
		if i < len(args) {
			arg = args[i]
		}
		pairs = append(pairs, config.TaskConfig{Name: name, Args: arg})
	}
	return pairs, nil
}

func loadConfig(opts *rollingOptions, env *environment, changed func(string) bool) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := opts.apply(cfg, changed); err != nil {
		return nil, err
	}
	if opts.askSSHPassword {
		if changed("ssh-password") {
			return nil, config.Problemf("--ssh-password and --ask-ssh-password are mutually exclusive")
		}
		if env.readPassword == nil {
			return nil, errors.New("password prompt is not available")
		}
		pw, err := env.readPassword()
		if err != nil {
			return nil, err
		}
		cfg.SSH.Password = pw
	}
	return cfg, nil
}

func runRolling(ctx context.Context, env *environment, operation string, opts *rollingOptions, changed func(string) bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(opts, env, changed)
	if err != nil {
		return err
	}

	cluster, err := discovery.GetClusterConfig(opts.clusterType, opts.clusterName, opts.discoveryBasePath)
	if err != nil {
		return err
	}
	all, err := discovery.GetBrokerList(cluster)
	if err != nil {
		return err
	}
	brokers, err := broker.Filter(all, opts.brokerIDs)
	if err != nil {
		return err
	}
	clusterKey := cluster.Type + "/" + cluster.Name

	if err := cfg.Validate(); err != nil {
		return err
	}

	var store progress.Store = progress.NoopStore{}
	if cfg.LockEnabled() {
		etcdStore, err := progress.NewEtcdStore(progress.EtcdStoreOptions{
			Endpoints:   cfg.Lock.EtcdEndpoints,
			DialTimeout: cfg.LockDialTimeout(),
			Namespace:   cfg.Lock.Namespace,
			Cluster:     clusterKey,
		})
		if err != nil {
			return fmt.Errorf("open checkpoint store: %w", err)
		}
		defer etcdStore.Close()
		store = etcdStore
	}

	if opts.resume {
		if err := resumeSkip(ctx, env.stdout, cfg, store, brokers, operation, changed("skip")); err != nil {
			return err
		}
	}
	if err := config.ValidateSkip(cfg.Skip, len(brokers)); err != nil {
		return err
	}
	for _, warning := range cfg.Warnings() {
		fmt.Fprintf(env.stdout, "Warning: %s\n", warning)
	}

	prober, err := health.NewJolokiaProber(cfg.Jolokia.Port, cfg.Jolokia.Prefix, cfg.Jolokia.MetricPath, cfg.ProbeTimeout(), nil)
	if err != nil {
		return err
	}
	dialer := newDialer(cfg, env, opts.verbose)
	hooks, err := tasks.DefaultRegistry(tasks.Dependencies{Dialer: dialer, Jolokia: prober}).Load(cfg.Tasks)
	if err != nil {
		return err
	}
	op, err := newOperation(operation, cfg)
	if err != nil {
		return err
	}

	printPlan(env.stdout, operation, cluster.Name, brokers, cfg.Skip)
	if !opts.noConfirm {
		ok, err := askConfirmation(env.stdin, env.stdout, fmt.Sprintf("Do you want to %s these brokers? ", operation))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(env.stdout, "Aborted, no broker was touched.")
			return nil
		}
	}

	runID := uuid.NewString()
	collector := observability.NewPrometheusCollector()
	reporter := newReporter(env, operation, runID, opts.verbose, collector)

	if cfg.Metrics.Listen != "" {
		shutdown, err := serveMetrics(cfg.Metrics.Listen, collector)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	lease, closeLock, err := acquireLock(ctx, cfg, clusterKey, runID, operation)
	if err != nil {
		return err
	}
	defer closeLock()
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			fmt.Fprintf(env.stderr, "Warning: release run lock: %v\n", err)
		}
	}()

	monitor, err := stability.NewMonitor(prober, cfg.CheckInterval(), cfg.UnhealthyTimeLimit(),
		stability.WithProbeTimeout(cfg.ProbeTimeout()),
		stability.WithReporter(reporter),
	)
	if err != nil {
		return err
	}
	seq, err := rolling.NewSequencer(cfg, brokers, monitor, dialer, hooks, op,
		rolling.WithReporter(reporter),
		rolling.WithCheckpoint(store, clusterKey),
		rolling.WithRunID(runID),
	)
	if err != nil {
		return err
	}

	outcome, runErr := seq.Run(ctx)
	printOutcome(env.stdout, outcome, cfg.Skip, cfg.LockEnabled())

	if cfg.Metrics.Textfile != "" {
		if err := collector.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			fmt.Fprintf(env.stderr, "Warning: %v\n", err)
		}
	}
	return runErr
}

func resumeSkip(ctx context.Context, out io.Writer, cfg *config.Config, store progress.Store, brokers broker.List, operation string, skipSet bool) error {
	if skipSet {
		return config.Problemf("--resume and --skip are mutually exclusive")
	}
	if !cfg.LockEnabled() {
		return config.Problemf("--resume requires lock endpoints to read checkpoints from")
	}
	cp, found, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if !found {
		return config.Problemf("no checkpoint recorded for this cluster")
	}
	skip, err := progress.ResumeSkip(brokers, cp, operation)
	if err != nil {
		return err
	}
	cfg.Skip = skip
	fmt.Fprintf(out, "Resuming run %s after broker %d (%s)\n", cp.RunID, cp.BrokerID, cp.Host)
	return nil
}

func newDialer(cfg *config.Config, env *environment, verbose bool) remote.Dialer {
	if cfg.Transport == config.TransportLocal {
		if verbose {
			return remote.NewLocalDialer(env.stdout, env.stderr)
		}
		return remote.NewLocalDialer(nil, nil)
	}
	dialer := remote.NewSSHDialer(cfg)
	if !dialer.VerifiesHostKeys() {
		fmt.Fprintln(env.stdout, "Warning: ssh host keys are not verified, set ssh.known_hosts_file to enable verification")
	}
	return dialer
}

func newOperation(operation string, cfg *config.Config) (rolling.Operation, error) {
	switch operation {
	case rolling.OperationRestart:
		return rolling.NewRestart(cfg.StopCommand, cfg.StartCommand)
	case rolling.OperationDecommission:
		return rolling.NewDecommission(cfg.StopCommand)
	default:
		return nil, fmt.Errorf("unknown operation %q", operation)
	}
}

func newReporter(env *environment, operation, runID string, verbose bool, collector *observability.PrometheusCollector) observability.Reporter {
	minLevel := observability.LevelWarn
	if verbose {
		minLevel = observability.LevelDebug
	}
	logger := observability.LevelFilter{Min: minLevel, Next: observability.NewJSONLogger(env.stderr)}
	return observability.MultiReporter{
		newConsoleReporter(env.stdout, operation),
		observability.NewStructuredReporter(runID, logger, collector),
	}
}

func acquireLock(ctx context.Context, cfg *config.Config, clusterKey, runID, operation string) (lock.Lease, func(), error) {
	if !cfg.LockEnabled() {
		lease, err := lock.NewNoopManager().Acquire(ctx)
		return lease, func() {}, err
	}
	manager, err := lock.NewEtcdManager(lock.EtcdManagerOptions{
		Endpoints:   cfg.Lock.EtcdEndpoints,
		DialTimeout: cfg.LockDialTimeout(),
		Namespace:   cfg.Lock.Namespace,
		Cluster:     clusterKey,
		TTL:         cfg.LockTTL(),
		RunID:       runID,
		Operation:   operation,
		Operator:    operatorName(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create run lock: %w", err)
	}
	lease, err := manager.Acquire(ctx)
	if err != nil {
		_ = manager.Close()
		return nil, nil, fmt.Errorf("acquire run lock: %w", err)
	}
	return lease, func() { _ = manager.Close() }, nil
}

func operatorName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// serveMetrics exposes collector on addr until the returned func is called.
func serveMetrics(addr string, collector *observability.PrometheusCollector) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = srv.Serve(listener)
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func printPlan(w io.Writer, operation, cluster string, brokers broker.List, skip int) {
	fmt.Fprintf(w, "Will %s the following brokers in %s:\n", operation, cluster)
	table := tabby.NewCustom(tabwriter.NewWriter(w, 0, 0, 2, ' ', 0))
	table.AddHeader("#", "BROKER", "HOST", "ACTION")
	for i, b := range brokers {
		action := operation
		if i < skip {
			action = "skip"
		}
		table.AddLine(i+1, b.ID, b.Host, action)
	}
	table.Print()
}

func printOutcome(w io.Writer, out rolling.Outcome, skip int, checkpoints bool) {
	if out.Status == rolling.StatusCompleted {
		fmt.Fprintf(w, "Rolling %s completed: %d of %d broker(s) processed in %s\n",
			out.Operation, out.Processed, out.Total, out.Duration.Round(time.Second))
		return
	}

	fmt.Fprintf(w, "Rolling %s aborted after %d of %d broker(s) during %s (%s)\n",
		out.Operation, out.Processed, out.Total-skip, out.FailedPhase, out.FailureKind)
	if out.FailedPhase == rolling.PhaseFinalStability || out.FailedBroker == nil {
		return
	}
	if checkpoints {
		fmt.Fprintln(w, "Rerun with --resume to continue from the failed broker.")
		return
	}
	fmt.Fprintf(w, "Rerun with --skip %d to continue from broker %d.\n", skip+out.Processed, out.FailedBroker.ID)
}
