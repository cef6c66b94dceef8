package metrics

import (
	"fmt"
	"math"
	"sync"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// IsFinite 报告 v 既不是 NaN 也不是 ±Inf，非有限值不进入任何聚合
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Sink 定义指标聚合器接口，所有实现都是并发安全的
type Sink interface {
	// Add 添加一个样本值
	Add(sample Sample)
	// Format 返回格式化的统计结果，duration 单位为秒
	Format(duration float64) map[string]float64
	// IsEmpty 检查是否为空
	IsEmpty() bool
	// Snapshot 返回当前状态的不可变拷贝
	Snapshot() SinkSnapshot
}

// NewSink 根据指标类型创建对应的 Sink
func NewSink(metricType MetricType) Sink {
	switch metricType {
	case Gauge:
		return &GaugeSink{}
	case Rate:
		return &RateSink{}
	case Trend:
		return NewTrendSink()
	default:
		return &CounterSink{}
	}
}

// SinkSnapshot 是某一时刻聚合值的只读视图
type SinkSnapshot struct {
	Type   MetricType
	Count  int64
	Sum    float64
	Value  float64
	Min    float64
	Max    float64
	Passes int64
	Fails  int64

	hist *hdrhistogram.Histogram
}

// Empty 是否没有任何样本
func (s SinkSnapshot) Empty() bool {
	return s.Count == 0
}

// Mean 平均值；空快照返回 0
func (s SinkSnapshot) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return clamp(s.Sum/float64(s.Count), s.Min, s.Max)
}

// Rate 返回 Rate 指标的非零占比
func (s SinkSnapshot) Rate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Passes) / float64(s.Count)
}

// Percentile 返回 p 分位（0..100）。仅对 Trend 有意义，其余类型返回 Value。
func (s SinkSnapshot) Percentile(p float64) float64 {
	if s.hist == nil || s.Count == 0 {
		return s.Value
	}
	return trendQuantile(s.hist, p, s.Min, s.Max)
}

// Format 与对应 Sink.Format 相同的键集合
func (s SinkSnapshot) Format(duration float64) map[string]float64 {
	switch s.Type {
	case Counter:
		out := map[string]float64{"count": s.Sum}
		if duration > 0 {
			out["rate"] = s.Sum / duration
		}
		return out
	case Gauge:
		return map[string]float64{"value": s.Value, "min": s.Min, "max": s.Max}
	case Rate:
		return map[string]float64{
			"passes": float64(s.Passes),
			"fails":  float64(s.Fails),
			"rate":   s.Rate(),
		}
	case Trend:
		out := map[string]float64{
			"count": float64(s.Count),
			"min":   s.Min,
			"max":   s.Max,
		}
		if s.Count > 0 {
			out["avg"] = s.Mean()
			out["med"] = s.Percentile(50)
			out["p(90)"] = s.Percentile(90)
			out["p(95)"] = s.Percentile(95)
			out["p(99)"] = s.Percentile(99)
		}
		return out
	}
	return nil
}

// CounterSink 计数器聚合器
type CounterSink struct {
	Value float64
	Count int64
	mu    sync.Mutex
}

// Add 添加样本
func (c *CounterSink) Add(sample Sample) {
	if !IsFinite(sample.Value) {
		return
	}
	c.mu.Lock()
	c.Value += sample.Value
	c.Count++
	c.mu.Unlock()
}

// Format 返回统计结果
func (c *CounterSink) Format(duration float64) map[string]float64 {
	return c.Snapshot().Format(duration)
}

// IsEmpty 检查是否为空
func (c *CounterSink) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Count == 0
}

// Snapshot 拷贝当前状态
func (c *CounterSink) Snapshot() SinkSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SinkSnapshot{Type: Counter, Count: c.Count, Sum: c.Value, Value: c.Value}
}

// GaugeSink 仪表盘聚合器
type GaugeSink struct {
	Value  float64
	Min    float64
	Max    float64
	Sum    float64
	Count  int64
	minSet bool
	mu     sync.Mutex
}

// Add 添加样本
func (g *GaugeSink) Add(sample Sample) {
	if !IsFinite(sample.Value) {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Value = sample.Value
	g.Sum += sample.Value
	g.Count++
	if !g.minSet || sample.Value < g.Min {
		g.Min = sample.Value
		g.minSet = true
	}
	if g.Count == 1 || sample.Value > g.Max {
		g.Max = sample.Value
	}
}

// Format 返回统计结果
func (g *GaugeSink) Format(duration float64) map[string]float64 {
	return g.Snapshot().Format(duration)
}

// IsEmpty 检查是否为空
func (g *GaugeSink) IsEmpty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Count == 0
}

// Snapshot 拷贝当前状态
func (g *GaugeSink) Snapshot() SinkSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return SinkSnapshot{Type: Gauge, Count: g.Count, Sum: g.Sum, Value: g.Value, Min: g.Min, Max: g.Max}
}

// RateSink 比率聚合器
type RateSink struct {
	Trues int64
	Total int64
	mu    sync.Mutex
}

// Add 添加样本（value != 0 表示 true）
func (r *RateSink) Add(sample Sample) {
	if !IsFinite(sample.Value) {
		return
	}
	r.mu.Lock()
	r.Total++
	if sample.Value != 0 {
		r.Trues++
	}
	r.mu.Unlock()
}

// Format 返回统计结果
func (r *RateSink) Format(duration float64) map[string]float64 {
	return r.Snapshot().Format(duration)
}

// IsEmpty 检查是否为空
func (r *RateSink) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Total == 0
}

// Snapshot 拷贝当前状态
func (r *RateSink) Snapshot() SinkSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return SinkSnapshot{
		Type:   Rate,
		Count:  r.Total,
		Sum:    float64(r.Trues),
		Passes: r.Trues,
		Fails:  r.Total - r.Trues,
		Value:  float64(r.Trues),
	}
}

const (
	// trendScale 样本值（毫秒）按微秒精度存入直方图
	trendScale = 1000
	// trendMaxValue 直方图上限：1 小时（微秒）
	trendMaxValue = int64(3600 * 1000 * 1000)
	// TrendSignificantDigits 2 位有效数字，任意分位的相对误差不超过 1%
	TrendSignificantDigits = 2
	// TrendRelativeError 百分位的最大相对误差
	TrendRelativeError = 0.01
)

// TrendSink 趋势聚合器。分位数由 HDR 直方图给出，min/max/sum 精确统计。
// 插入为 O(1)，内存与样本数无关。
type TrendSink struct {
	Count  int64
	Sum    float64
	Min    float64
	Max    float64
	hist   *hdrhistogram.Histogram
	minSet bool
	mu     sync.Mutex
}

// NewTrendSink 创建趋势聚合器
func NewTrendSink() *TrendSink {
	return &TrendSink{hist: newTrendHistogram()}
}

func newTrendHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(1, trendMaxValue, TrendSignificantDigits)
}

// Add 添加样本
func (t *TrendSink) Add(sample Sample) {
	v := sample.Value
	if !IsFinite(v) {
		return
	}

	scaled := int64(math.Round(v * trendScale))
	if scaled < 0 {
		scaled = 0
	}
	if scaled > trendMaxValue {
		scaled = trendMaxValue
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hist == nil {
		t.hist = newTrendHistogram()
	}
	_ = t.hist.RecordValue(scaled)
	t.Count++
	t.Sum += v
	if !t.minSet || v < t.Min {
		t.Min = v
		t.minSet = true
	}
	if t.Count == 1 || v > t.Max {
		t.Max = v
	}
}

// Format 返回统计结果
func (t *TrendSink) Format(duration float64) map[string]float64 {
	return t.Snapshot().Format(duration)
}

// IsEmpty 检查是否为空
func (t *TrendSink) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Count == 0
}

// Percentile 计算指定百分位数
func (t *TrendSink) Percentile(p float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Count == 0 {
		return 0
	}
	return trendQuantile(t.hist, p, t.Min, t.Max)
}

// Snapshot 拷贝当前状态，包括直方图
func (t *TrendSink) Snapshot() SinkSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := SinkSnapshot{Type: Trend, Count: t.Count, Sum: t.Sum, Min: t.Min, Max: t.Max}
	if t.hist != nil && t.Count > 0 {
		snap.hist = hdrhistogram.Import(t.hist.Export())
		snap.Value = t.Max
	}
	return snap
}

func trendQuantile(h *hdrhistogram.Histogram, p, lo, hi float64) float64 {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	v := float64(h.ValueAtQuantile(p)) / trendScale
	return clamp(v, lo, hi)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PercentileKey 返回 p 对应的格式化键，如 p(95)、p(99.9)
func PercentileKey(p float64) string {
	return fmt.Sprintf("p(%g)", p)
}
