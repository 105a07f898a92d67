package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/clusterrebootd/kafka-rolling/pkg/config"
	"github.com/clusterrebootd/kafka-rolling/pkg/remote"
)

type recordingTask struct {
	name  string
	log   *[]string
	mu    *sync.Mutex
	fails bool
}

func (r recordingTask) record(phase string) error {
	r.mu.Lock()
	*r.log = append(*r.log, r.name+":"+phase)
	r.mu.Unlock()
	if r.fails {
		return errors.New("boom")
	}
	return nil
}

type preOnly struct{ recordingTask }

func (p preOnly) PreStop(context.Context, Target) error { return p.record("pre") }

type postOnly struct{ recordingTask }

func (p postOnly) PostStop(context.Context, Target) error { return p.record("post") }

type both struct{ recordingTask }

func (b both) PreStop(context.Context, Target) error  { return b.record("pre") }
func (b both) PostStop(context.Context, Target) error { return b.record("post") }

func newTestRegistry(log *[]string) *Registry {
	var mu sync.Mutex
	r := NewRegistry(Dependencies{})
	r.Register("pre", func(arg string, _ Dependencies) (interface{}, error) {
		return preOnly{recordingTask{name: "pre" + arg, log: log, mu: &mu, fails: arg == "fail"}}, nil
	})
	r.Register("post", func(arg string, _ Dependencies) (interface{}, error) {
		return postOnly{recordingTask{name: "post" + arg, log: log, mu: &mu, fails: arg == "fail"}}, nil
	})
	r.Register("both", func(arg string, _ Dependencies) (interface{}, error) {
		return both{recordingTask{name: "both", log: log, mu: &mu}}, nil
	})
	r.Register("inert", func(string, Dependencies) (interface{}, error) {
		return struct{}{}, nil
	})
	r.Register("broken", func(string, Dependencies) (interface{}, error) {
		return nil, errors.New("bad argument")
	})
	return r
}

func TestLoadClassifiesByCapability(t *testing.T) {
	var log []string
	set, err := newTestRegistry(&log).Load([]config.TaskConfig{
		{Name: "post", Args: "1"},
		{Name: "both"},
		{Name: "pre", Args: "1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(set.Pre) != 2 || set.Pre[0].Name != "both" || set.Pre[1].Name != "pre" {
		t.Fatalf("unexpected pre tasks: %+v", set.Pre)
	}
	if len(set.Post) != 2 || set.Post[0].Name != "post" || set.Post[1].Name != "both" {
		t.Fatalf("unexpected post tasks: %+v", set.Post)
	}
}

func TestLoadRejectsUnusableTasks(t *testing.T) {
	var log []string
	_, err := newTestRegistry(&log).Load([]config.TaskConfig{
		{Name: "missing"},
		{Name: "inert"},
		{Name: "broken"},
	})
	var verr *config.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Problems) != 3 {
		t.Fatalf("expected 3 problems, got %v", verr.Problems)
	}
	for _, want := range []string{`unknown task "missing"`, "neither", "bad argument"} {
		if !strings.Contains(verr.Error(), want) {
			t.Fatalf("expected %q in %q", want, verr.Error())
		}
	}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	var log []string
	set, err := newTestRegistry(&log).Load([]config.TaskConfig{
		{Name: "post", Args: "1"},
		{Name: "post", Args: "fail"},
		{Name: "post", Args: "3"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = set.RunPost(context.Background(), Target{BrokerID: 3, Host: "kafka-3"})
	var failed *TaskFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected TaskFailedError, got %v", err)
	}
	if failed.BrokerID != 3 || failed.Phase != PhasePostStop || failed.Task != "post" {
		t.Fatalf("unexpected failure fields: %+v", failed)
	}
	if strings.Join(log, ",") != "post1:post,postfail:post" {
		t.Fatalf("expected remaining hooks to be skipped, got %v", log)
	}
}

func TestDefaultRegistryNames(t *testing.T) {
	names := DefaultRegistry(Dependencies{}).Names()
	want := []string{"maintenance_window", "post_stop_command", "post_stop_script", "pre_stop_command", "pre_stop_script", "version_precheck"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestCommandHookRunsOverTransport(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell commands not supported on Windows test environment")
	}
	set, err := DefaultRegistry(Dependencies{Dialer: remote.NewLocalDialer(nil, nil)}).Load([]config.TaskConfig{
		{Name: "pre_stop_command", Args: `test "$KR_TARGET_HOST" = kafka-1`},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := set.RunPre(context.Background(), Target{BrokerID: 1, Host: "kafka-1"}); err != nil {
		t.Fatalf("expected command to succeed, got %v", err)
	}

	err = set.RunPre(context.Background(), Target{BrokerID: 2, Host: "kafka-2"})
	var opErr *remote.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError cause, got %v", err)
	}
}

func TestCommandHookRequiresDialer(t *testing.T) {
	_, err := DefaultRegistry(Dependencies{}).Load([]config.TaskConfig{{Name: "post_stop_command", Args: "true"}})
	if err == nil {
		t.Fatal("expected error without a dialer")
	}
}

type fakeReader struct {
	payload string
	err     error
}

func (f fakeReader) Read(context.Context, string, string) (json.RawMessage, error) {
	return json.RawMessage(f.payload), f.err
}

func TestVersionPrecheck(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "wildcard match", payload: `{"kafka.server:type=app-info,id=1":{"version":"3.6.1"}}`},
		{name: "bare string", payload: `"3.6.1"`},
		{name: "mismatch", payload: `{"kafka.server:type=app-info,id=1":{"version":"3.5.0"}}`, wantErr: true},
		{name: "no version", payload: `{"kafka.server:type=app-info,id=1":{}}`, wantErr: true},
		{name: "garbage", payload: `[1,2]`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task, err := newVersionPrecheck("3.6.1", Dependencies{Jolokia: fakeReader{payload: tc.payload}})
			if err != nil {
				t.Fatalf("new task: %v", err)
			}
			err = task.(PreStopTask).PreStop(context.Background(), Target{BrokerID: 1, Host: "kafka-1"})
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
