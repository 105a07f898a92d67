package progress

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStoreOptions configures the etcd-backed checkpoint store.
type EtcdStoreOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Namespace   string
	Cluster     string
	TLS         *tls.Config
	// Retention expires a checkpoint that was not updated for this long.
	// Zero keeps it until cleared.
	Retention time.Duration
	Clock     func() time.Time
}

// EtcdStore keeps the checkpoint under /<namespace>/kafka-rolling/<cluster>/progress.
type EtcdStore struct {
	client    *clientv3.Client
	key       string
	retention time.Duration
	now       func() time.Time
}

// NewEtcdStore constructs a checkpoint store backed by etcd.
func NewEtcdStore(opts EtcdStoreOptions) (*EtcdStore, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("progress etcd store requires at least one endpoint")
	}
	cluster := strings.TrimSpace(opts.Cluster)
	if cluster == "" {
		return nil, errors.New("progress etcd store requires a cluster name")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 opts.TLS,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	return &EtcdStore{
		client:    client,
		key:       Key(opts.Namespace, cluster),
		retention: opts.Retention,
		now:       clock,
	}, nil
}

// Key returns the etcd key holding the checkpoint of cluster.
func Key(namespace, cluster string) string {
	return applyNamespace(namespace, "kafka-rolling/"+strings.Trim(cluster, "/")+"/progress")
}

// Close releases underlying client resources.
func (s *EtcdStore) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}

// Save implements Store.
func (s *EtcdStore) Save(ctx context.Context, cp Checkpoint) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now().UTC()
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return err
	}

	var opts []clientv3.OpOption
	if s.retention > 0 {
		seconds := int64(math.Ceil(s.retention.Seconds()))
		lease, err := s.client.Grant(ctx, seconds)
		if err != nil {
			if isContextErr(err) {
				return err
			}
			return fmt.Errorf("grant progress lease: %w", err)
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}

	if _, err := s.client.Put(ctx, s.key, string(payload), opts...); err != nil {
		if isContextErr(err) {
			return err
		}
		return fmt.Errorf("store progress checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *EtcdStore) Load(ctx context.Context) (Checkpoint, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := s.client.Get(clientv3.WithRequireLeader(ctx), s.key)
	if err != nil {
		if isContextErr(err) {
			return Checkpoint{}, false, err
		}
		return Checkpoint{}, false, fmt.Errorf("read progress checkpoint: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return Checkpoint{}, false, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(resp.Kvs[0].Value, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("parse progress checkpoint: %w", err)
	}
	return cp, true, nil
}

// Clear implements Store.
func (s *EtcdStore) Clear(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.client.Delete(ctx, s.key); err != nil {
		if isContextErr(err) {
			return err
		}
		return fmt.Errorf("clear progress checkpoint: %w", err)
	}
	return nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func applyNamespace(namespace, key string) string {
	normalizedKey := "/" + strings.TrimLeft(key, "/")
	trimmedNamespace := strings.Trim(namespace, "/")
	if trimmedNamespace == "" {
		return normalizedKey
	}
	return "/" + trimmedNamespace + normalizedKey
}

var _ Store = (*EtcdStore)(nil)
