// Package summary 生成运行结束时的汇总报告（k6 风格的 metrics/values 文档），
// 并负责把报告渲染到终端或导出到文件、对象存储。
package summary

import (
	"encoding/json"
	"io"
	"sort"
	"time"

	"yqhp/load-engine/internal/metrics/engine"
	"yqhp/load-engine/pkg/metrics"
)

// RunInfo describes the run a summary belongs to.
type RunInfo struct {
	RunID      string
	Scenario   string
	Executor   string
	Status     string
	StartTime  time.Time
	Duration   time.Duration
	Iterations int64
	MaxVUs     int
	Error      error
}

// Summary is the end-of-run document.
type Summary struct {
	RunID      string                    `json:"run_id"`
	Scenario   string                    `json:"scenario"`
	Executor   string                    `json:"executor,omitempty"`
	Status     string                    `json:"status"`
	Error      string                    `json:"error,omitempty"`
	StartTime  time.Time                 `json:"start_time"`
	State      State                     `json:"state"`
	Iterations int64                     `json:"iterations"`
	MaxVUs     int                       `json:"max_vus"`
	Metrics    map[string]*MetricSummary `json:"metrics"`
	Failures   []Failure                 `json:"failures,omitempty"`

	// ThresholdsPassed 为 false 时进程以 99 退出
	ThresholdsPassed bool `json:"thresholds_passed"`
}

// State 运行状态
type State struct {
	TestRunDurationMs float64 `json:"testRunDurationMs"`
}

// MetricSummary 单个指标（或子指标）的汇总
type MetricSummary struct {
	Type       metrics.MetricType `json:"type"`
	Contains   metrics.ValueType  `json:"contains,omitempty"`
	Values     map[string]float64 `json:"values"`
	Thresholds map[string]Verdict `json:"thresholds,omitempty"`
	Parent     string             `json:"parent,omitempty"`
	Tags       map[string]string  `json:"tags,omitempty"`
}

// Verdict 阈值结论
type Verdict struct {
	OK       bool    `json:"ok"`
	Observed float64 `json:"observed"`
	NoData   bool    `json:"no_data,omitempty"`
}

// Build assembles a Summary from the final snapshot and threshold results.
// Metrics without samples are left out unless a threshold references them.
func Build(snap *engine.Snapshot, results []engine.ThresholdResult, info RunInfo) *Summary {
	duration := info.Duration
	if duration <= 0 && snap != nil {
		duration = snap.Elapsed
	}

	s := &Summary{
		RunID:            info.RunID,
		Scenario:         info.Scenario,
		Executor:         info.Executor,
		Status:           info.Status,
		StartTime:        info.StartTime,
		State:            State{TestRunDurationMs: float64(duration) / float64(time.Millisecond)},
		Iterations:       info.Iterations,
		MaxVUs:           info.MaxVUs,
		Metrics:          make(map[string]*MetricSummary),
		ThresholdsPassed: !engine.AnyFailed(results),
	}
	if info.Error != nil {
		s.Error = info.Error.Error()
	}
	if snap == nil {
		snap = &engine.Snapshot{Metrics: map[string]engine.MetricSnapshot{}}
	}

	seconds := duration.Seconds()
	for _, name := range snap.Names() {
		ms := snap.Metrics[name]
		if ms.Empty() {
			continue
		}
		s.Metrics[name] = newMetricSummary(ms, seconds)
	}

	for _, r := range results {
		key := r.Metric
		ms, ok := snap.Get(r.Metric)
		if ok {
			key = ms.Name
		}
		m := s.Metrics[key]
		if m == nil {
			if ok {
				m = newMetricSummary(ms, seconds)
			} else {
				m = &MetricSummary{Values: map[string]float64{}}
			}
			s.Metrics[key] = m
		}
		if m.Thresholds == nil {
			m.Thresholds = make(map[string]Verdict)
		}
		m.Thresholds[r.Expression] = Verdict{OK: r.Passed, Observed: r.Observed, NoData: r.NoData}
	}

	return s
}

func newMetricSummary(ms engine.MetricSnapshot, seconds float64) *MetricSummary {
	m := &MetricSummary{
		Type:     ms.Type,
		Contains: ms.Contains,
		Values:   ms.Format(seconds),
	}
	if ms.IsSubmetric() {
		m.Parent = ms.Metric
		m.Tags = ms.Tags
	}
	return m
}

// WithFailures attaches the failure breakdown collected during the run.
func (s *Summary) WithFailures(f []Failure) *Summary {
	s.Failures = f
	return s
}

// Names returns top-level metric names in sorted order.
func (s *Summary) Names() []string {
	names := make([]string, 0, len(s.Metrics))
	for k, m := range s.Metrics {
		if m.Parent == "" {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// Submetrics returns the keys of parent's submetrics in sorted order.
func (s *Summary) Submetrics(parent string) []string {
	var keys []string
	for k, m := range s.Metrics {
		if m.Parent == parent {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Value returns one aggregate of a metric, e.g. Value("http_req_failed", "rate").
func (s *Summary) Value(metric, key string) (float64, bool) {
	m, ok := s.Metrics[metric]
	if !ok {
		return 0, false
	}
	v, ok := m.Values[key]
	return v, ok
}

// WriteJSON writes the summary as an indented JSON document.
func WriteJSON(w io.Writer, s *Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
