// Package prometheus 把样本聚合到 Prometheus 指标并推送到 Pushgateway。
package prometheus

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"yqhp/load-engine/pkg/metrics"
	"yqhp/load-engine/pkg/output"
)

const (
	defaultJobName      = "load_engine"
	defaultPushInterval = 10 * time.Second
	defaultTimeout      = 5 * time.Second
	namespace           = "load_engine"
)

// labelNames 只有这些标签会成为 Prometheus label，避免基数失控
var labelNames = []string{"name", "method", "status", "check", "scenario"}

func init() {
	output.Register("prometheus", New)
}

// Config holds configuration for the Pushgateway output.
type Config struct {
	PushGatewayURL string
	JobName        string
	PushInterval   time.Duration
	Timeout        time.Duration
}

// ParseConfig parses "http://host:9091?job=name&interval=5s".
func ParseConfig(arg string) (Config, error) {
	cfg := Config{
		PushGatewayURL: "http://localhost:9091",
		JobName:        defaultJobName,
		PushInterval:   defaultPushInterval,
		Timeout:        defaultTimeout,
	}
	if strings.TrimSpace(arg) == "" {
		return cfg, nil
	}
	u, err := url.Parse(arg)
	if err != nil {
		return cfg, fmt.Errorf("parse pushgateway url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return cfg, fmt.Errorf("pushgateway url %q: scheme must be http or https", arg)
	}
	q := u.Query()
	if v := q.Get("job"); v != "" {
		cfg.JobName = v
	}
	if v := q.Get("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("pushgateway interval %q: must be a positive duration", v)
		}
		cfg.PushInterval = d
	}
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("pushgateway timeout %q: %w", v, err)
		}
		cfg.Timeout = d
	}
	u.RawQuery = ""
	cfg.PushGatewayURL = strings.TrimSuffix(u.String(), "/")
	return cfg, nil
}

// Output aggregates samples into client_golang collectors.
type Output struct {
	output.SampleBuffer

	params   output.Params
	config   Config
	registry *prometheus.Registry
	pusher   *push.Pusher

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	summaries  map[string]*prometheus.SummaryVec
	rates      map[string]*prometheus.CounterVec
	flusher    *output.PeriodicFlusher
	pushErrors int
}

// New creates the output from params.ConfigArgument.
func New(params output.Params) (output.Output, error) {
	cfg, err := ParseConfig(params.ConfigArgument)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(params, cfg), nil
}

// NewWithConfig creates the output with an explicit config.
func NewWithConfig(params output.Params, cfg Config) *Output {
	o := &Output{
		params:    params,
		config:    cfg,
		registry:  prometheus.NewRegistry(),
		counters:  make(map[string]*prometheus.CounterVec),
		gauges:    make(map[string]*prometheus.GaugeVec),
		summaries: make(map[string]*prometheus.SummaryVec),
		rates:     make(map[string]*prometheus.CounterVec),
	}
	o.pusher = push.New(cfg.PushGatewayURL, cfg.JobName).Gatherer(o.registry)
	if params.RunID != "" {
		o.pusher = o.pusher.Grouping("run_id", params.RunID)
	}
	return o
}

func (o *Output) Description() string {
	return fmt.Sprintf("prometheus (%s)", o.config.PushGatewayURL)
}

func (o *Output) Start() error {
	pf, err := output.NewPeriodicFlusher(o.config.PushInterval, o.flush)
	if err != nil {
		return err
	}
	o.flusher = pf
	return nil
}

// Stop performs a final aggregation and push.
func (o *Output) Stop() error {
	if o.flusher != nil {
		o.flusher.Stop()
	}
	return nil
}

func (o *Output) SetRunStatus(_ output.RunStatus) {}

// Registry exposes the collectors, e.g. for scraping in tests.
func (o *Output) Registry() *prometheus.Registry {
	return o.registry
}

func (o *Output) flush() {
	o.Aggregate()
	ctx, cancel := context.WithTimeout(context.Background(), o.config.Timeout)
	defer cancel()
	if err := o.pusher.PushContext(ctx); err != nil {
		o.mu.Lock()
		o.pushErrors++
		o.mu.Unlock()
		if o.params.Logger != nil {
			o.params.Logger.Warn("push metrics to %s: %v", o.config.PushGatewayURL, err)
		}
	}
}

// Aggregate moves buffered samples into the collectors.
func (o *Output) Aggregate() {
	containers := o.GetBufferedSamples()
	if len(containers) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, c := range containers {
		for _, s := range c.GetSamples() {
			if s.Metric != nil {
				o.add(s)
			}
		}
	}
}

func (o *Output) add(s metrics.Sample) {
	labels := o.labels(s.Tags)
	name := metricName(s.Metric.Name)

	switch s.Metric.Type {
	case metrics.Counter:
		o.counterVec(o.counters, name+"_total", s.Metric.Name).With(labels).Add(s.Value)
	case metrics.Gauge:
		vec, ok := o.gauges[name]
		if !ok {
			vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: name, Help: s.Metric.Name,
			}, labelNames)
			o.register(vec)
			o.gauges[name] = vec
		}
		vec.With(labels).Set(s.Value)
	case metrics.Rate:
		labels = withOutcome(labels, s.Value != 0)
		o.counterVec(o.rates, name+"_samples_total", s.Metric.Name, "outcome").With(labels).Inc()
	case metrics.Trend:
		if s.Metric.Contains == metrics.Time {
			name += "_ms"
		}
		vec, ok := o.summaries[name]
		if !ok {
			vec = prometheus.NewSummaryVec(prometheus.SummaryOpts{
				Namespace:  namespace,
				Name:       name,
				Help:       s.Metric.Name,
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.95: 0.005, 0.99: 0.001},
			}, labelNames)
			o.register(vec)
			o.summaries[name] = vec
		}
		vec.With(labels).Observe(s.Value)
	}
}

func (o *Output) counterVec(m map[string]*prometheus.CounterVec, name, help string, extra ...string) *prometheus.CounterVec {
	if vec, ok := m[name]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: name, Help: help,
	}, append(append([]string{}, labelNames...), extra...))
	o.register(vec)
	m[name] = vec
	return vec
}

func (o *Output) register(c prometheus.Collector) {
	if err := o.registry.Register(c); err != nil && o.params.Logger != nil {
		o.params.Logger.Error("register prometheus collector: %v", err)
	}
}

func (o *Output) labels(tags map[string]string) prometheus.Labels {
	l := make(prometheus.Labels, len(labelNames)+1)
	for _, k := range labelNames {
		l[k] = tags[k]
	}
	if l["scenario"] == "" {
		l["scenario"] = o.params.Scenario
	}
	return l
}

func withOutcome(l prometheus.Labels, ok bool) prometheus.Labels {
	if ok {
		l["outcome"] = "true"
	} else {
		l["outcome"] = "false"
	}
	return l
}

// metricName 把指标名转换为合法的 Prometheus 名称
func metricName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
