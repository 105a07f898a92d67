package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/clusterrebootd/kafka-rolling/pkg/config"
	"github.com/clusterrebootd/kafka-rolling/pkg/remote"
)

// JolokiaReader reads a raw Jolokia value from a broker.
type JolokiaReader interface {
	Read(ctx context.Context, host, path string) (json.RawMessage, error)
}

// Dependencies are the collaborators built-in tasks may use.
type Dependencies struct {
	Dialer        remote.Dialer
	Jolokia       JolokiaReader
	ScriptTimeout time.Duration
	// Now is the clock consulted by time-based tasks. Nil means time.Now.
	Now func() time.Time
}

// Factory constructs a task from its argument string. The returned value must
// implement PreStopTask, PostStopTask, or both.
type Factory func(arg string, deps Dependencies) (interface{}, error)

// Registry maps task names to factories.
type Registry struct {
	deps      Dependencies
	factories map[string]Factory
}

// NewRegistry returns an empty registry bound to deps.
func NewRegistry(deps Dependencies) *Registry {
	return &Registry{deps: deps, factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with every built-in task registered.
func DefaultRegistry(deps Dependencies) *Registry {
	r := NewRegistry(deps)
	r.Register("pre_stop_script", newPreStopScript)
	r.Register("post_stop_script", newPostStopScript)
	r.Register("pre_stop_command", newPreStopCommand)
	r.Register("post_stop_command", newPostStopCommand)
	r.Register("version_precheck", newVersionPrecheck)
	r.Register("maintenance_window", newMaintenanceWindow)
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// Names lists the registered task names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load resolves and constructs the configured tasks in order. All problems are
// reported together as a *config.ValidationError.
func (r *Registry) Load(cfgs []config.TaskConfig) (Set, error) {
	var set Set
	var problems []string
	for _, tc := range cfgs {
		factory, ok := r.factories[tc.Name]
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown task %q (available: %v)", tc.Name, r.Names()))
			continue
		}
		task, err := factory(tc.Args, r.deps)
		if err != nil {
			problems = append(problems, fmt.Sprintf("task %s: %v", tc.Name, err))
			continue
		}

		pre, isPre := task.(PreStopTask)
		post, isPost := task.(PostStopTask)
		if !isPre && !isPost {
			problems = append(problems, fmt.Sprintf("task %s implements neither pre-stop nor post-stop", tc.Name))
			continue
		}
		if isPre {
			set.Pre = append(set.Pre, PreStep{Name: tc.Name, Task: pre})
		}
		if isPost {
			set.Post = append(set.Post, PostStep{Name: tc.Name, Task: post})
		}
	}
	if len(problems) > 0 {
		return Set{}, &config.ValidationError{Problems: problems}
	}
	return set, nil
}
