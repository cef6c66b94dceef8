package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"yqhp/load-engine/pkg/logger"
	"yqhp/load-engine/pkg/metrics"
)

const thresholdsRate = 2 * time.Second

// ErrInvalidThreshold 阈值表达式无法解析
var ErrInvalidThreshold = errors.New("invalid threshold")

// ThresholdConfig defines a single threshold.
type ThresholdConfig struct {
	Expression     string        `json:"threshold" yaml:"threshold"`
	AbortOnFail    bool          `json:"abortOnFail,omitempty" yaml:"abortOnFail"`
	DelayAbortEval time.Duration `json:"delayAbortEval,omitempty" yaml:"delayAbortEval"`
}

// UnmarshalYAML accepts either a bare expression or a mapping.
func (c *ThresholdConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.Expression = node.Value
		return nil
	}
	var raw struct {
		Threshold      string `yaml:"threshold"`
		AbortOnFail    bool   `yaml:"abortOnFail"`
		DelayAbortEval string `yaml:"delayAbortEval"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.Expression = raw.Threshold
	c.AbortOnFail = raw.AbortOnFail
	if raw.DelayAbortEval != "" {
		d, err := time.ParseDuration(raw.DelayAbortEval)
		if err != nil {
			return fmt.Errorf("delayAbortEval: %w", err)
		}
		c.DelayAbortEval = d
	}
	return nil
}

// Threshold is a parsed threshold expression bound to a metric key.
type Threshold struct {
	Source         string
	MetricKey      string
	Aggregation    string
	Percentile     float64
	Operator       string
	Value          float64
	AbortOnFail    bool
	DelayAbortEval time.Duration
}

// ThresholdResult is the outcome of evaluating one threshold.
type ThresholdResult struct {
	Expression  string  `json:"expression"`
	Metric      string  `json:"metric"`
	Passed      bool    `json:"passed"`
	Observed    float64 `json:"observed_value"`
	AbortOnFail bool    `json:"abort_on_fail,omitempty"`
	NoData      bool    `json:"no_data,omitempty"`
}

var thresholdExpr = regexp.MustCompile(
	`^\s*(count|rate|value|min|max|avg|med|p\(\s*([0-9]+(?:\.[0-9]+)?)\s*\))\s*(<=|>=|===|==|!=|<|>)\s*(-?[0-9]+(?:\.[0-9]+)?(?:[eE][-+]?[0-9]+)?)\s*$`,
)

// ParseThreshold parses expressions like "p(95)<2000" or "rate < 0.05".
func ParseThreshold(metricKey string, cfg ThresholdConfig) (*Threshold, error) {
	if _, _, err := ParseMetricKey(metricKey); err != nil {
		return nil, fmt.Errorf("%w on %q: %v", ErrInvalidThreshold, metricKey, err)
	}
	m := thresholdExpr.FindStringSubmatch(cfg.Expression)
	if m == nil {
		return nil, fmt.Errorf("%w on %s: cannot parse %q", ErrInvalidThreshold, metricKey, cfg.Expression)
	}

	t := &Threshold{
		Source:         strings.TrimSpace(cfg.Expression),
		MetricKey:      strings.TrimSpace(metricKey),
		Aggregation:    m[1],
		Operator:       m[3],
		AbortOnFail:    cfg.AbortOnFail,
		DelayAbortEval: cfg.DelayAbortEval,
	}
	if t.Operator == "===" {
		t.Operator = "=="
	}
	if m[2] != "" {
		p, err := strconv.ParseFloat(m[2], 64)
		if err != nil || p < 0 || p > 100 {
			return nil, fmt.Errorf("%w on %s: percentile out of range in %q", ErrInvalidThreshold, metricKey, cfg.Expression)
		}
		t.Aggregation = "p"
		t.Percentile = p
	}
	v, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return nil, fmt.Errorf("%w on %s: bad value in %q", ErrInvalidThreshold, metricKey, cfg.Expression)
	}
	t.Value = v
	return t, nil
}

// Observe extracts the aggregate this threshold compares against.
func (t *Threshold) Observe(ms MetricSnapshot, elapsed time.Duration) float64 {
	switch t.Aggregation {
	case "count":
		if ms.Type == metrics.Counter {
			return ms.Sum
		}
		return float64(ms.Count)
	case "rate":
		if ms.Type == metrics.Counter {
			if sec := elapsed.Seconds(); sec > 0 {
				return ms.Sum / sec
			}
			return 0
		}
		return ms.Rate()
	case "value":
		return ms.Value
	case "min":
		return ms.Min
	case "max":
		return ms.Max
	case "avg":
		return ms.Mean()
	case "med":
		return ms.Percentile(50)
	case "p":
		return ms.Percentile(t.Percentile)
	}
	return math.NaN()
}

// Check compares an observed value using the threshold's operator.
func (t *Threshold) Check(observed float64) bool {
	switch t.Operator {
	case "<":
		return observed < t.Value
	case "<=":
		return observed <= t.Value
	case ">":
		return observed > t.Value
	case ">=":
		return observed >= t.Value
	case "==":
		return observed == t.Value
	case "!=":
		return observed != t.Value
	}
	return false
}

// Thresholds holds every threshold of a run.
type Thresholds struct {
	items    []*Threshold
	breached atomic.Uint32
	aborted  atomic.Bool

	mu   sync.Mutex
	last []ThresholdResult
}

// NewThresholds parses all definitions; every invalid expression is reported.
func NewThresholds(defs map[string][]ThresholdConfig) (*Thresholds, error) {
	t := &Thresholds{}
	var errs []error

	keys := make([]string, 0, len(defs))
	for k := range defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, cfg := range defs[key] {
			th, err := ParseThreshold(key, cfg)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			t.items = append(t.items, th)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return t, nil
}

// Len returns the number of thresholds.
func (t *Thresholds) Len() int {
	if t == nil {
		return 0
	}
	return len(t.items)
}

// Attach registers the submetrics referenced by thresholds on the stream.
func (t *Thresholds) Attach(s *Stream) error {
	if t == nil {
		return nil
	}
	for _, th := range t.items {
		if err := s.AddSubmetric(th.MetricKey); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidThreshold, err)
		}
	}
	return nil
}

// Evaluate checks every threshold against the snapshot. A Trend or Gauge
// with no samples passes and is flagged NoData; Counter and Rate aggregates
// of an empty metric are 0.
func (t *Thresholds) Evaluate(snap *Snapshot) []ThresholdResult {
	if t == nil {
		return nil
	}
	results := make([]ThresholdResult, 0, len(t.items))
	var breached uint32

	for _, th := range t.items {
		res := ThresholdResult{Expression: th.Source, Metric: th.MetricKey, AbortOnFail: th.AbortOnFail}
		ms, ok := snap.Get(th.MetricKey)
		switch {
		case !ok || ms.Empty() && (ms.Type == metrics.Trend || ms.Type == metrics.Gauge || ms.Type == ""):
			res.NoData = true
			res.Passed = true
		default:
			res.Observed = th.Observe(ms, snap.Elapsed)
			res.Passed = th.Check(res.Observed)
		}
		if !res.Passed {
			breached++
		}
		results = append(results, res)
	}

	t.breached.Store(breached)
	t.mu.Lock()
	t.last = results
	t.mu.Unlock()
	return results
}

// Last returns the results of the latest evaluation.
func (t *Thresholds) Last() []ThresholdResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ThresholdResult, len(t.last))
	copy(out, t.last)
	return out
}

// BreachedCount returns how many thresholds failed at the latest evaluation.
func (t *Thresholds) BreachedCount() uint32 {
	return t.breached.Load()
}

// Aborted reports whether an abortOnFail threshold has triggered.
func (t *Thresholds) Aborted() bool {
	return t.aborted.Load()
}

// Run evaluates thresholds every two seconds until ctx is done. When an
// abortOnFail threshold fails past its delay, abort is called once.
func (t *Thresholds) Run(ctx context.Context, s *Stream, abort func(error)) {
	t.run(ctx, s, abort, thresholdsRate)
}

func (t *Thresholds) run(ctx context.Context, s *Stream, abort func(error), every time.Duration) {
	if t.Len() == 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Snapshot()
			results := t.Evaluate(snap)
			if names := t.abortingFailures(results, snap.Elapsed); len(names) > 0 {
				if t.aborted.CompareAndSwap(false, true) && abort != nil {
					logger.Warn("thresholds on %s crossed, aborting run", strings.Join(names, ", "))
					abort(fmt.Errorf("thresholds on metrics '%s' were crossed; abortOnFail enabled",
						strings.Join(names, ", ")))
				}
				return
			}
		}
	}
}

func (t *Thresholds) abortingFailures(results []ThresholdResult, elapsed time.Duration) []string {
	var names []string
	for i, r := range results {
		th := t.items[i]
		if !r.Passed && th.AbortOnFail && elapsed >= th.DelayAbortEval {
			names = append(names, r.Metric)
		}
	}
	sort.Strings(names)
	return names
}

// Finalize flushes the stream and performs the end-of-run evaluation.
func (t *Thresholds) Finalize(s *Stream) []ThresholdResult {
	s.Flush()
	if t == nil {
		return nil
	}
	return t.Evaluate(s.Snapshot())
}

// AnyFailed reports whether any result failed.
func AnyFailed(results []ThresholdResult) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}
