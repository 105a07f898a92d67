package observability

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prometheusNamespace = "kafka_rolling"

// PrometheusCollector translates Metric values into Prometheus metrics held
// in a registry dedicated to one run.
type PrometheusCollector struct {
	registry *prometheus.Registry
	mu       sync.Mutex
	vecs     map[string]registeredVec
}

type registeredVec struct {
	kind   MetricType
	labels []string
	vec    interface{}
}

// NewPrometheusCollector builds a collector backed by a dedicated Prometheus registry.
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		vecs:     make(map[string]registeredVec),
	}
}

// Collect implements MetricsCollector.
func (c *PrometheusCollector) Collect(metric Metric) {
	if c == nil || metric.Name == "" {
		return
	}

	labels := cloneLabels(metric.Labels)
	labelNames := sortedKeys(labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.vecs[metric.Name]
	if ok {
		if entry.kind != metric.Type || !equalStringSlices(entry.labels, labelNames) {
			return
		}
	} else {
		vec := newVec(metric, labelNames)
		if vec == nil {
			return
		}
		if err := c.registry.Register(vec.(prometheus.Collector)); err != nil {
			return
		}
		entry = registeredVec{kind: metric.Type, labels: labelNames, vec: vec}
		c.vecs[metric.Name] = entry
	}

	switch v := entry.vec.(type) {
	case *prometheus.CounterVec:
		if metric.Value > 0 {
			v.With(labels).Add(metric.Value)
		}
	case *prometheus.HistogramVec:
		v.With(labels).Observe(metric.Value)
	case *prometheus.GaugeVec:
		v.With(labels).Set(metric.Value)
	}
}

func newVec(metric Metric, labelNames []string) interface{} {
	switch metric.Type {
	case MetricCounter:
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
		}, labelNames)
	case MetricHistogram:
		opts := prometheus.HistogramOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}
		if metric.Unit != "" {
			opts.ConstLabels = map[string]string{"unit": metric.Unit}
		}
		return prometheus.NewHistogramVec(opts, labelNames)
	case MetricGauge:
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
		}, labelNames)
	default:
		return nil
	}
}

// Registry returns the underlying registry for use with HTTP handlers.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler exposes the Prometheus registry via an http.Handler.
func (c *PrometheusCollector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WriteTextfile dumps the registry in the text exposition format, suitable
// for the node exporter textfile collector.
func (c *PrometheusCollector) WriteTextfile(path string) error {
	if c == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func helpText(metric Metric) string {
	if strings.TrimSpace(metric.Description) != "" {
		return metric.Description
	}
	if metric.Unit != "" {
		return metric.Name + " (" + metric.Unit + ")"
	}
	return metric.Name
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneLabels(labels map[string]string) prometheus.Labels {
	if len(labels) == 0 {
		return nil
	}
	cloned := make(prometheus.Labels, len(labels))
	for k, v := range labels {
		cloned[k] = v
	}
	return cloned
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ MetricsCollector = (*PrometheusCollector)(nil)
