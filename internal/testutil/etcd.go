// Package testutil starts throwaway infrastructure for package tests.
package testutil

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

const (
	etcdStartTimeout = 15 * time.Second
	etcdStopTimeout  = 5 * time.Second
)

// EmbeddedEtcd is a single-member etcd listening on loopback ports chosen by
// the kernel. It is stopped when the test ends.
type EmbeddedEtcd struct {
	Server    *embed.Etcd
	Endpoints []string
}

// StartEmbeddedEtcd boots a fresh etcd member with its data under t.TempDir.
func StartEmbeddedEtcd(t testing.TB) *EmbeddedEtcd {
	t.Helper()

	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.Logger = "zap"
	cfg.LogLevel = "error"
	cfg.EnableGRPCGateway = false

	peer := loopbackURL(t)
	client := loopbackURL(t)
	cfg.ListenPeerUrls = []url.URL{peer}
	cfg.AdvertisePeerUrls = []url.URL{peer}
	cfg.ListenClientUrls = []url.URL{client}
	cfg.AdvertiseClientUrls = []url.URL{client}
	cfg.InitialCluster = fmt.Sprintf("%s=%s", cfg.Name, peer.String())

	server, err := embed.StartEtcd(cfg)
	if err != nil {
		t.Fatalf("failed to start embedded etcd: %v", err)
	}

	select {
	case <-server.Server.ReadyNotify():
	case <-time.After(etcdStartTimeout):
		server.Server.Stop()
		<-server.Server.StopNotify()
		t.Fatalf("embedded etcd not ready after %s", etcdStartTimeout)
	}

	e := &EmbeddedEtcd{Server: server}
	for _, listener := range server.Clients {
		e.Endpoints = append(e.Endpoints, listener.Addr().String())
	}

	t.Cleanup(func() {
		server.Close()
		select {
		case <-server.Server.StopNotify():
		case <-time.After(etcdStopTimeout):
		}
	})
	return e
}

// Get returns the raw value stored at key, or false when it does not exist.
func (e *EmbeddedEtcd) Get(t testing.TB, key string) ([]byte, bool) {
	t.Helper()

	client, err := clientv3.New(clientv3.Config{Endpoints: e.Endpoints, DialTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("failed to connect to embedded etcd: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Get(ctx, key)
	if err != nil {
		t.Fatalf("failed to read %s: %v", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false
	}
	return resp.Kvs[0].Value, true
}

// loopbackURL asks for an ephemeral port; embed resolves port 0 on listen.
func loopbackURL(t testing.TB) url.URL {
	t.Helper()

	u, err := url.Parse("http://127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to build loopback url: %v", err)
	}
	return *u
}
