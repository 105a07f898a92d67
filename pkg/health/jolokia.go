// Package health probes a broker's Jolokia endpoint for its count of
// under-replicated partitions.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrUnreachable is returned when a broker does not answer, answers with a
// non-2xx status, or answers with a body that cannot be interpreted.
var ErrUnreachable = errors.New("broker unreachable")

const maxBodyBytes = 1 << 20

// Result is a successful probe.
type Result struct {
	Host            string
	UnderReplicated int
	Duration        time.Duration
}

// Prober reports the under-replicated partition count of a single broker.
type Prober interface {
	Probe(ctx context.Context, host string) (Result, error)
}

// JolokiaProber reads the metric through the broker's Jolokia agent. It does
// not retry; retry policy belongs to the caller.
type JolokiaProber struct {
	port       int
	prefix     string
	metricPath string
	client     *http.Client
}

// NewJolokiaProber constructs a prober for http://{host}:{port}/{prefix}{metricPath}.
// A nil client falls back to an http.Client with the given timeout.
func NewJolokiaProber(port int, prefix, metricPath string, timeout time.Duration, client *http.Client) (*JolokiaProber, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("jolokia port %d is out of range", port)
	}
	if strings.TrimSpace(metricPath) == "" {
		return nil, errors.New("jolokia metric path must not be empty")
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &JolokiaProber{
		port:       port,
		prefix:     prefix,
		metricPath: metricPath,
		client:     client,
	}, nil
}

// URL returns the address probed for host.
func (p *JolokiaProber) URL(host, path string) string {
	prefix := strings.TrimLeft(p.prefix, "/")
	return fmt.Sprintf("http://%s:%d/%s%s", host, p.port, prefix, strings.TrimLeft(path, "/"))
}

// Probe implements Prober.
func (p *JolokiaProber) Probe(ctx context.Context, host string) (Result, error) {
	start := time.Now()
	raw, err := p.Read(ctx, host, p.metricPath)
	res := Result{Host: host, Duration: time.Since(start)}
	if err != nil {
		return res, err
	}
	count, err := parseCount(raw)
	if err != nil {
		return res, fmt.Errorf("%w: %s: %v", ErrUnreachable, host, err)
	}
	res.UnderReplicated = count
	return res, nil
}

// Read performs a Jolokia GET for path on host and returns the payload's
// value. Bare JSON bodies (no Jolokia envelope) are returned as-is.
func (p *JolokiaProber) Read(ctx context.Context, host, path string) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL(host, path), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: build request: %v", ErrUnreachable, host, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, fmt.Errorf("%w: %s: status %d", ErrUnreachable, host, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read body: %v", ErrUnreachable, host, err)
	}
	value, err := unwrapEnvelope(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, host, err)
	}
	return value, nil
}

type envelope struct {
	Value  json.RawMessage `json:"value"`
	Status *int            `json:"status"`
	Error  string          `json:"error"`
}

func unwrapEnvelope(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}
	if trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return nil, errors.New("malformed body")
		}
		return json.RawMessage(trimmed), nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("malformed body: %v", err)
	}
	if env.Status != nil && *env.Status != http.StatusOK {
		if env.Error != "" {
			return nil, fmt.Errorf("jolokia status %d: %s", *env.Status, env.Error)
		}
		return nil, fmt.Errorf("jolokia status %d", *env.Status)
	}
	if len(env.Value) == 0 {
		return nil, errors.New("response has no value, broker is probably still starting up")
	}
	return env.Value, nil
}

func parseCount(raw json.RawMessage) (int, error) {
	var number json.Number
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&number); err != nil {
		return 0, fmt.Errorf("value %s is not a number", string(raw))
	}
	f, err := strconv.ParseFloat(number.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("value %s is not a number", number)
	}
	if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, fmt.Errorf("value %s is not a partition count", number)
	}
	return int(f), nil
}

var _ Prober = (*JolokiaProber)(nil)
