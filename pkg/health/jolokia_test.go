package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

const metricPath = "read/kafka.server:type=ReplicaManager,name=UnderReplicatedPartitions/Value"

func newTestProber(t *testing.T, handler http.HandlerFunc) (*JolokiaProber, string) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	prober, err := NewJolokiaProber(port, "jolokia/", metricPath, time.Second, nil)
	if err != nil {
		t.Fatalf("new prober: %v", err)
	}
	return prober, host
}

func TestProbeReadsEnvelopeValue(t *testing.T) {
	var gotPath string
	prober, host := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"request":{"type":"read"},"value":3,"status":200}`))
	})

	res, err := prober.Probe(context.Background(), host)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.UnderReplicated != 3 {
		t.Fatalf("expected 3 under-replicated partitions, got %d", res.UnderReplicated)
	}
	if gotPath != "/jolokia/"+metricPath {
		t.Fatalf("unexpected request path %q", gotPath)
	}
}

func TestProbeAcceptsBareScalar(t *testing.T) {
	prober, host := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0\n"))
	})

	res, err := prober.Probe(context.Background(), host)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.UnderReplicated != 0 {
		t.Fatalf("expected zero, got %d", res.UnderReplicated)
	}
}

func TestProbeUnreachableCases(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"not found": func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		},
		"malformed body": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		},
		"missing value": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":200}`))
		},
		"jolokia error status": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":404,"error":"javax.management.InstanceNotFoundException"}`))
		},
		"non numeric value": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"value":"lots","status":200}`))
		},
		"fractional value": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"value":1.5,"status":200}`))
		},
		"negative value": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"value":-1,"status":200}`))
		},
		"empty body": func(w http.ResponseWriter, r *http.Request) {},
	}

	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			prober, host := newTestProber(t, handler)
			if _, err := prober.Probe(context.Background(), host); !errors.Is(err, ErrUnreachable) {
				t.Fatalf("expected ErrUnreachable, got %v", err)
			}
		})
	}
}

func TestProbeConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	prober, err := NewJolokiaProber(port, "jolokia/", metricPath, time.Second, nil)
	if err != nil {
		t.Fatalf("new prober: %v", err)
	}
	if _, err := prober.Probe(context.Background(), "127.0.0.1"); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestProbeHonoursContextTimeout(t *testing.T) {
	release := make(chan struct{})
	prober, host := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := prober.Probe(ctx, host); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable on timeout, got %v", err)
	}
}

func TestReadReturnsRawValue(t *testing.T) {
	prober, host := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value":{"kafka.server:type=app-info,id=1":{"version":"3.6.1"}},"status":200}`))
	})

	raw, err := prober.Read(context.Background(), host, "read/kafka.server:type=app-info,id=*/version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"kafka.server:type=app-info,id=1":{"version":"3.6.1"}}` {
		t.Fatalf("unexpected raw value %s", raw)
	}
}

func TestNewJolokiaProberValidates(t *testing.T) {
	if _, err := NewJolokiaProber(0, "", metricPath, time.Second, nil); err == nil {
		t.Fatal("expected error for port 0")
	}
	if _, err := NewJolokiaProber(8778, "", " ", time.Second, nil); err == nil {
		t.Fatal("expected error for empty metric path")
	}
	prober, err := NewJolokiaProber(8778, "/jolokia/", metricPath, time.Second, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := prober.URL("kafka-1", metricPath); got != "http://kafka-1:8778/jolokia/"+metricPath {
		t.Fatalf("unexpected url %q", got)
	}
}
