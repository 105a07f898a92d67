// Package progress records how far a rolling run got so an interrupted run
// can be resumed.
package progress

import (
	"context"
	"time"

	"github.com/clusterrebootd/kafka-rolling/pkg/broker"
	"github.com/clusterrebootd/kafka-rolling/pkg/config"
)

// Checkpoint marks the last broker that completed every phase.
type Checkpoint struct {
	RunID     string    `json:"run_id"`
	Cluster   string    `json:"cluster"`
	Operation string    `json:"operation"`
	BrokerID  int       `json:"broker_id"`
	Host      string    `json:"host"`
	Position  int       `json:"position"`
	Total     int       `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists a single checkpoint per cluster.
type Store interface {
	// Save replaces the stored checkpoint.
	Save(ctx context.Context, cp Checkpoint) error
	// Load returns the stored checkpoint; found is false when none exists.
	Load(ctx context.Context) (cp Checkpoint, found bool, err error)
	// Clear removes the stored checkpoint.
	Clear(ctx context.Context) error
	Close() error
}

// NoopStore discards checkpoints.
type NoopStore struct{}

func (NoopStore) Save(context.Context, Checkpoint) error { return nil }

func (NoopStore) Load(context.Context) (Checkpoint, bool, error) { return Checkpoint{}, false, nil }

func (NoopStore) Clear(context.Context) error { return nil }

func (NoopStore) Close() error { return nil }

// ResumeSkip returns the skip offset that continues after the checkpointed
// broker in list. The checkpoint must belong to the same operation and name a
// broker that is still part of the list.
func ResumeSkip(list broker.List, cp Checkpoint, operation string) (int, error) {
	if cp.Operation != operation {
		return 0, config.Problemf("checkpoint of run %s is for %s, not %s", cp.RunID, cp.Operation, operation)
	}
	idx := list.Index(cp.BrokerID)
	if idx < 0 {
		return 0, config.Problemf("checkpointed broker %d is not part of the selected brokers", cp.BrokerID)
	}
	if idx+1 >= len(list) {
		return 0, config.Problemf("checkpoint of run %s already covers every selected broker", cp.RunID)
	}
	return idx + 1, nil
}

var _ Store = NoopStore{}
