package lock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/clusterrebootd/kafka-rolling/internal/testutil"
)

func newTestManager(t *testing.T, endpoints []string, runID string) *EtcdManager {
	t.Helper()
	manager, err := NewEtcdManager(EtcdManagerOptions{
		Endpoints: endpoints,
		Cluster:   "standard",
		TTL:       3 * time.Second,
		RunID:     runID,
		Operation: "restart",
		Operator:  "alice",
		Hostname:  "ops-1",
		ProcessID: 4242,
		Clock:     func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to create etcd manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestEtcdManagerAcquireAndRelease(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	manager := newTestManager(t, cluster.Endpoints, "run-1")

	lease, err := manager.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected acquire to succeed, got %v", err)
	}
	if lease == nil {
		t.Fatal("expected lease to be non-nil")
	}

	holder, found, err := manager.CurrentHolder(context.Background())
	if err != nil || !found {
		t.Fatalf("expected holder, got found=%v err=%v", found, err)
	}
	if holder.RunID != "run-1" || holder.Operator != "alice" || holder.PID != 4242 {
		t.Fatalf("unexpected holder %+v", holder)
	}

	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}
	if _, found, err := manager.CurrentHolder(context.Background()); err != nil || found {
		t.Fatalf("expected lock to be free, got found=%v err=%v", found, err)
	}
}

func TestEtcdManagerContentionNamesHolder(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	first := newTestManager(t, cluster.Endpoints, "run-1")
	second := newTestManager(t, cluster.Endpoints, "run-2")

	lease1, err := first.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected first acquire to succeed, got %v", err)
	}

	_, err = second.Acquire(context.Background())
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired when lock held, got %v", err)
	}
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected HeldError, got %T", err)
	}
	if held.Holder.RunID != "run-1" || held.Cluster != "standard" {
		t.Fatalf("unexpected holder details: %+v", held)
	}
	if !strings.Contains(err.Error(), "run-1") {
		t.Fatalf("expected holder in message, got %q", err.Error())
	}

	if err := lease1.Release(context.Background()); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}

	lease2, err := second.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected second acquire to succeed, got %v", err)
	}
	if err := lease2.Release(context.Background()); err != nil {
		t.Fatalf("expected second release to succeed, got %v", err)
	}
}

func TestEtcdManagerAcquireContextCancelled(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	manager := newTestManager(t, cluster.Endpoints, "run-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := manager.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation error, got %v", err)
	}
}

func TestEtcdManagerNamespaceApplied(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)

	manager, err := NewEtcdManager(EtcdManagerOptions{
		Endpoints: cluster.Endpoints,
		Namespace: "env/prod",
		Cluster:   "standard",
		TTL:       3 * time.Second,
		RunID:     "run-1",
	})
	if err != nil {
		t.Fatalf("failed to create etcd manager: %v", err)
	}
	defer manager.Close()

	lease, err := manager.Acquire(context.Background())
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	internal, ok := lease.(*etcdLease)
	if !ok {
		t.Fatalf("expected lease to be etcdLease, got %T", lease)
	}
	key := internal.mutex.Key()
	if !strings.HasPrefix(key, "/env/prod/kafka-rolling/standard/lock/") {
		t.Fatalf("expected key to include namespace prefix, got %s", key)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("failed to release lease: %v", err)
	}
}

func TestNewEtcdManagerValidatesOptions(t *testing.T) {
	base := EtcdManagerOptions{Endpoints: []string{"127.0.0.1:2379"}, Cluster: "standard", TTL: time.Second, RunID: "r"}

	cases := map[string]func(o *EtcdManagerOptions){
		"no endpoints": func(o *EtcdManagerOptions) { o.Endpoints = nil },
		"no cluster":   func(o *EtcdManagerOptions) { o.Cluster = " " },
		"no ttl":       func(o *EtcdManagerOptions) { o.TTL = 0 },
		"no run id":    func(o *EtcdManagerOptions) { o.RunID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := base
			mutate(&opts)
			if _, err := NewEtcdManager(opts); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
