package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/clusterrebootd/kafka-rolling/pkg/observability"
	"github.com/clusterrebootd/kafka-rolling/pkg/rolling"
)

// consoleReporter turns engine events into operator-facing progress lines.
type consoleReporter struct {
	mu   sync.Mutex
	w    io.Writer
	verb string
}

func newConsoleReporter(w io.Writer, operation string) *consoleReporter {
	verb := "Restarting"
	if operation == rolling.OperationDecommission {
		verb = "Stopping"
	}
	return &consoleReporter{w: w, verb: verb}
}

func (c *consoleReporter) RecordEvent(_ context.Context, event observability.Event) {
	line := c.format(event)
	if line == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, line)
}

func (c *consoleReporter) RecordMetric(observability.Metric) {}

func (c *consoleReporter) format(event observability.Event) string {
	f := event.Fields
	switch event.Event {
	case "broker_started":
		return fmt.Sprintf("%s broker %v on %v (%v/%v)", c.verb, f["broker_id"], f["host"], f["position"], f["total"])
	case "stability_cycle":
		return fmt.Sprintf("Under replicated partitions: %v, missing brokers: %v (%v/%v)",
			f["under_replicated"], f["missing_brokers"], f["consecutive"], f["required"])
	case "stability_check_skipped":
		return "Skipping stability check"
	case "stability_timeout":
		return fmt.Sprintf("Cluster still unstable after %v cycle(s)", f["cycles"])
	case "remote_command":
		return fmt.Sprintf("Running %q on %v", f["command"], f["host"])
	case "broker_completed":
		return fmt.Sprintf("Broker %v done (%v/%v)", f["broker_id"], f["position"], f["total"])
	case "run_started", "run_completed", "run_aborted":
		return ""
	}
	if event.Level == observability.LevelWarn || event.Level == observability.LevelError {
		if msg, ok := f["error"]; ok {
			return fmt.Sprintf("Warning: %s: %v", event.Event, msg)
		}
	}
	return ""
}

// askConfirmation prompts until the answer is yes/y or no/n, ignoring case.
func askConfirmation(in io.Reader, out io.Writer, question string) (bool, error) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, question)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return false, fmt.Errorf("read confirmation: %w", err)
			}
			return false, errors.New("no confirmation received")
		}
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "yes", "y":
			return true, nil
		case "no", "n":
			return false, nil
		}
		fmt.Fprintln(out, "Please respond with 'yes' or 'no'")
	}
}

var _ observability.Reporter = (*consoleReporter)(nil)
