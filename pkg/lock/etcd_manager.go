package lock

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdManagerOptions configures the etcd-backed lock manager.
type EtcdManagerOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Namespace   string
	Cluster     string
	TTL         time.Duration
	TLS         *tls.Config
	RunID       string
	Operation   string
	Operator    string
	Hostname    string
	ProcessID   int
	Clock       func() time.Time
}

// EtcdManager coordinates lock acquisition via etcd mutexes.
type EtcdManager struct {
	client     *clientv3.Client
	cluster    string
	key        string
	ttlSeconds int
	identity   Holder
	now        func() time.Time
}

// NewEtcdManager builds a lock manager for one cluster backed by etcd.
func NewEtcdManager(opts EtcdManagerOptions) (*EtcdManager, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd lock manager requires at least one endpoint")
	}
	cluster := strings.Trim(strings.TrimSpace(opts.Cluster), "/")
	if cluster == "" {
		return nil, errors.New("etcd lock manager requires a cluster name")
	}
	if opts.TTL <= 0 {
		return nil, errors.New("etcd lock manager requires a positive TTL")
	}
	runID := strings.TrimSpace(opts.RunID)
	if runID == "" {
		return nil, errors.New("etcd lock manager requires a run id for metadata")
	}

	pid := opts.ProcessID
	if pid <= 0 {
		pid = os.Getpid()
	}
	hostname := strings.TrimSpace(opts.Hostname)
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	ttlSeconds := int(math.Ceil(opts.TTL.Seconds()))
	if ttlSeconds <= 0 {
		return nil, errors.New("etcd lock manager TTL must be at least 1 second")
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

	return &EtcdManager{
		client:     client,
		cluster:    cluster,
		key:        Key(opts.Namespace, cluster),
		ttlSeconds: ttlSeconds,
		identity: Holder{
			RunID:     runID,
			Operation: opts.Operation,
			Operator:  opts.Operator,
			Hostname:  hostname,
			PID:       pid,
		},
		now: clock,
	}, nil
}

// Key returns the mutex prefix guarding cluster.
func Key(namespace, cluster string) string {
	return applyNamespace(namespace, "kafka-rolling/"+strings.Trim(cluster, "/")+"/lock")
}

// Close releases underlying client resources.
func (m *EtcdManager) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}

// Acquire attempts to obtain the cluster lock without waiting. When another
// run holds it the returned error is a *HeldError naming that run.
func (m *EtcdManager) Acquire(ctx context.Context) (Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	linearizableCtx := clientv3.WithRequireLeader(ctx)

	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(m.ttlSeconds), concurrency.WithContext(ctx))
	if err != nil {
		if isContextErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	mutex := concurrency.NewMutex(session, m.key)
	if err := mutex.TryLock(linearizableCtx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, m.heldError(ctx)
		}
		if isContextErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("try lock: %w", err)
	}

	if err := m.annotateLease(linearizableCtx, session, mutex); err != nil {
		cleanupBase := clientv3.WithRequireLeader(context.Background())
		cleanupCtx, cancel := context.WithTimeout(cleanupBase, 5*time.Second)
		_ = mutex.Unlock(cleanupCtx)
		cancel()
		_ = session.Close()
		if isContextErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("annotate lock: %w", err)
	}

	return &etcdLease{session: session, mutex: mutex}, nil
}

// CurrentHolder returns the annotation of the run holding the lock, if any.
func (m *EtcdManager) CurrentHolder(ctx context.Context) (Holder, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := m.client.Get(clientv3.WithRequireLeader(ctx), m.key+"/", clientv3.WithFirstCreate()...)
	if err != nil {
		return Holder{}, false, fmt.Errorf("read lock holder: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return Holder{}, false, nil
	}
	var holder Holder
	if err := json.Unmarshal(resp.Kvs[0].Value, &holder); err != nil {
		// The mutex key exists but is not annotated yet.
		return Holder{}, true, nil
	}
	return holder, true, nil
}

func (m *EtcdManager) heldError(ctx context.Context) error {
	holder, found, err := m.CurrentHolder(ctx)
	if err != nil || !found {
		return ErrNotAcquired
	}
	return &HeldError{Cluster: m.cluster, Holder: holder}
}

var _ Manager = (*EtcdManager)(nil)

type etcdLease struct {
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

func (l *etcdLease) Release(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx = clientv3.WithRequireLeader(ctx)

	unlockErr := l.mutex.Unlock(ctx)
	closeErr := l.session.Close()

	if unlockErr != nil && !errors.Is(unlockErr, concurrency.ErrLockReleased) {
		if isContextErr(unlockErr) {
			return unlockErr
		}
		return fmt.Errorf("unlock: %w", unlockErr)
	}
	if closeErr != nil {
		if isContextErr(closeErr) {
			return closeErr
		}
		return fmt.Errorf("close session: %w", closeErr)
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

func (m *EtcdManager) annotateLease(ctx context.Context, session *concurrency.Session, mutex *concurrency.Mutex) error {
	annotation := m.identity
	annotation.AcquiredAt = m.now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(annotation)
	if err != nil {
		return err
	}

	_, err = session.Client().Put(ctx, mutex.Key(), string(payload), clientv3.WithLease(session.Lease()))
	return err
}
