package metrics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType 定义指标类型
type MetricType string

const (
	// Counter 计数器类型，只增不减
	Counter MetricType = "counter"
	// Gauge 仪表盘类型，保留最后一个值
	Gauge MetricType = "gauge"
	// Rate 比率类型，计算非零样本占比
	Rate MetricType = "rate"
	// Trend 趋势类型，计算百分位数等统计值
	Trend MetricType = "trend"
)

// ErrMetricKindMismatch 同名指标以不同类型写入
var ErrMetricKindMismatch = errors.New("metric kind mismatch")

// ErrNonFiniteValue 样本值为 NaN 或 ±Inf
var ErrNonFiniteValue = errors.New("non-finite sample value")

// ErrInvalidMetricName 指标名为空或包含非法字符
var ErrInvalidMetricName = errors.New("invalid metric name")

// ParseMetricType 解析指标类型字符串
func ParseMetricType(s string) (MetricType, error) {
	switch MetricType(strings.ToLower(strings.TrimSpace(s))) {
	case Counter:
		return Counter, nil
	case Gauge:
		return Gauge, nil
	case Rate:
		return Rate, nil
	case Trend:
		return Trend, nil
	}
	return "", fmt.Errorf("unknown metric type %q", s)
}

// Metric 定义一个指标
type Metric struct {
	Name     string     `json:"name"`
	Type     MetricType `json:"type"`
	Contains ValueType  `json:"contains,omitempty"`
	Sink     Sink       `json:"-"`
}

// ValueType 定义值的类型
type ValueType string

const (
	// Default 默认值类型
	Default ValueType = "default"
	// Time 时间类型（毫秒）
	Time ValueType = "time"
	// Data 数据量类型（字节）
	Data ValueType = "data"
)

// Sample 表示单个指标样本，创建后不可修改
type Sample struct {
	Metric *Metric           `json:"-"`
	Time   time.Time         `json:"time"`
	Value  float64           `json:"value"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// BoolValue 把布尔值转成 Rate 样本值
func BoolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SampleContainer 是可以返回多个样本的接口
type SampleContainer interface {
	GetSamples() []Sample
}

// Samples 是 Sample 切片，实现 SampleContainer 接口
type Samples []Sample

// GetSamples 返回样本切片
func (s Samples) GetSamples() []Sample {
	return s
}

// Registry 管理所有已注册的指标。一个指标的类型在首次注册时确定。
type Registry struct {
	metrics map[string]*Metric
	mu      sync.RWMutex
}

// NewRegistry 创建新的指标注册表
func NewRegistry() *Registry {
	return &Registry{
		metrics: make(map[string]*Metric),
	}
}

// NewMetric 创建并注册新指标；同名指标已存在时类型必须一致。
func (r *Registry) NewMetric(name string, metricType MetricType, contains ...ValueType) (*Metric, error) {
	if name == "" || strings.ContainsAny(name, "{}") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMetricName, name)
	}

	r.mu.RLock()
	m, ok := r.metrics[name]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if m, ok = r.metrics[name]; !ok {
			vt := Default
			if len(contains) > 0 {
				vt = contains[0]
			}
			m = &Metric{
				Name:     name,
				Type:     metricType,
				Contains: vt,
				Sink:     NewSink(metricType),
			}
			r.metrics[name] = m
		}
		r.mu.Unlock()
	}

	if m.Type != metricType {
		return nil, fmt.Errorf("%w: %s is a %s, not a %s", ErrMetricKindMismatch, name, m.Type, metricType)
	}
	return m, nil
}

// Get 获取已注册的指标
func (r *Registry) Get(name string) *Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// All 返回所有已注册的指标
func (r *Registry) All() map[string]*Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Metric, len(r.metrics))
	for k, v := range r.metrics {
		result[k] = v
	}
	return result
}

// Names 返回排序后的指标名
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.metrics))
	for k := range r.metrics {
		names = append(names, k)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
