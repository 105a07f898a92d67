package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/clusterrebootd/kafka-rolling/pkg/config"
	"github.com/clusterrebootd/kafka-rolling/pkg/rolling"
	"github.com/clusterrebootd/kafka-rolling/pkg/version"
)

const (
	exitOK      = 0
	exitFailure = 1
)

// environment carries the process streams so commands can be driven from tests.
type environment struct {
	stdin        io.Reader
	stdout       io.Writer
	stderr       io.Writer
	readPassword func() (string, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	exitCode := run(ctx, os.Args[1:], &environment{
		stdin:        os.Stdin,
		stdout:       os.Stdout,
		stderr:       os.Stderr,
		readPassword: readTerminalPassword,
	})
	stop()
	os.Exit(exitCode)
}

func run(ctx context.Context, args []string, env *environment) int {
	root := newRootCommand(env)
	root.SetArgs(args)
	root.SetIn(env.stdin)
	root.SetOut(env.stdout)
	root.SetErr(env.stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		printError(env.stderr, err)
		return exitFailure
	}
	return exitOK
}

func newRootCommand(env *environment) *cobra.Command {
	root := &cobra.Command{
		Use:           "kafka-rolling-restart",
		Short:         "Restart or decommission Kafka brokers one at a time",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(
		newRollingCommand(env, rolling.OperationRestart),
		newRollingCommand(env, rolling.OperationDecommission),
		newVersionCommand(env),
	)
	return root
}

func newVersionCommand(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(env.stdout, version.Get().String())
			return nil
		},
	}
}

func printError(w io.Writer, err error) {
	var validation *config.ValidationError
	if errors.As(err, &validation) {
		fmt.Fprintln(w, "Error: invalid options:")
		for _, problem := range validation.Problems {
			fmt.Fprintf(w, "  - %s\n", problem)
		}
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

func readTerminalPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--ask-ssh-password requires an interactive terminal")
	}
	fmt.Fprint(os.Stderr, "SSH password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read ssh password: %w", err)
	}
	return string(pw), nil
}
