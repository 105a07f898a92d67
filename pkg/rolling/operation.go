package rolling

import (
	"context"
	"errors"
	"strings"

	"github.com/clusterrebootd/kafka-rolling/pkg/remote"
)

// Operation names.
const (
	OperationRestart      = "restart"
	OperationDecommission = "decommission"
)

// Operation is the per-broker action a run applies.
type Operation interface {
	Name() string
	Apply(ctx context.Context, session remote.Session) error
}

// Restart stops the broker service and starts it again without waiting in
// between. Recovery is observed by the next stability wait.
type Restart struct {
	Stop  string
	Start string
}

// NewRestart validates the commands of a restart operation.
func NewRestart(stop, start string) (*Restart, error) {
	if strings.TrimSpace(stop) == "" {
		return nil, errors.New("stop command must not be empty")
	}
	if strings.TrimSpace(start) == "" {
		return nil, errors.New("start command must not be empty")
	}
	return &Restart{Stop: stop, Start: start}, nil
}

func (r *Restart) Name() string { return OperationRestart }

// Apply runs the stop command and then the start command. The start command
// is not attempted when stop fails.
func (r *Restart) Apply(ctx context.Context, session remote.Session) error {
	if _, err := remote.RunChecked(ctx, session, r.Stop); err != nil {
		return err
	}
	_, err := remote.RunChecked(ctx, session, r.Start)
	return err
}

// Decommission stops the broker service and leaves it stopped.
type Decommission struct {
	Stop string
}

// NewDecommission validates the command of a decommission operation.
func NewDecommission(stop string) (*Decommission, error) {
	if strings.TrimSpace(stop) == "" {
		return nil, errors.New("stop command must not be empty")
	}
	return &Decommission{Stop: stop}, nil
}

func (d *Decommission) Name() string { return OperationDecommission }

func (d *Decommission) Apply(ctx context.Context, session remote.Session) error {
	_, err := remote.RunChecked(ctx, session, d.Stop)
	return err
}

var _ Operation = (*Restart)(nil)
var _ Operation = (*Decommission)(nil)
