// Package json 把样本以 NDJSON 写入文件，格式与 k6 的 json 输出一致。
package json

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"yqhp/load-engine/pkg/metrics"
	"yqhp/load-engine/pkg/output"
)

func init() {
	output.Register("json", New)
}

// Output JSON 文件输出
type Output struct {
	params    output.Params
	closer    io.Closer
	writer    *bufio.Writer
	encoder   *json.Encoder
	seen      map[string]struct{}
	mu        sync.Mutex
	runStatus output.RunStatus
}

type metricEntry struct {
	Type   string     `json:"type"`
	Metric string     `json:"metric"`
	Data   metricData `json:"data"`
}

type metricData struct {
	Name     string             `json:"name"`
	Type     metrics.MetricType `json:"type"`
	Contains metrics.ValueType  `json:"contains"`
}

type pointEntry struct {
	Type   string    `json:"type"`
	Metric string    `json:"metric"`
	Data   pointData `json:"data"`
}

type pointData struct {
	Time  time.Time         `json:"time"`
	Value float64           `json:"value"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// New 创建 JSON 输出
func New(params output.Params) (output.Output, error) {
	return &Output{
		params: params,
		seen:   make(map[string]struct{}),
	}, nil
}

// NewWithWriter 创建写入 w 的 JSON 输出，用于测试或标准输出
func NewWithWriter(w io.Writer) *Output {
	o := &Output{seen: make(map[string]struct{})}
	o.writer = bufio.NewWriter(w)
	o.encoder = json.NewEncoder(o.writer)
	return o
}

// Description 返回描述
func (o *Output) Description() string {
	return fmt.Sprintf("json (%s)", o.params.ConfigArgument)
}

// Start 启动输出
func (o *Output) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.encoder != nil {
		return nil
	}

	filename := o.params.ConfigArgument
	if filename == "" {
		filename = fmt.Sprintf("metrics_%s.json", time.Now().Format("20060102_150405"))
	}

	var w io.Writer
	if filename == "-" {
		w = os.Stdout
	} else {
		file, err := os.Create(filename)
		if err != nil {
			return fmt.Errorf("create json output file: %w", err)
		}
		o.closer = file
		w = file
	}

	o.writer = bufio.NewWriter(w)
	o.encoder = json.NewEncoder(o.writer)
	return nil
}

// Stop 停止输出
func (o *Output) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.writer == nil {
		return nil
	}
	if err := o.writer.Flush(); err != nil {
		return err
	}
	if o.closer != nil {
		return o.closer.Close()
	}
	return nil
}

// AddMetricSamples 添加指标样本
func (o *Output) AddMetricSamples(containers []metrics.SampleContainer) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.encoder == nil {
		return
	}

	for _, container := range containers {
		for _, sample := range container.GetSamples() {
			if sample.Metric == nil {
				continue
			}
			if _, ok := o.seen[sample.Metric.Name]; !ok {
				o.seen[sample.Metric.Name] = struct{}{}
				o.encode(metricEntry{
					Type:   "Metric",
					Metric: sample.Metric.Name,
					Data: metricData{
						Name:     sample.Metric.Name,
						Type:     sample.Metric.Type,
						Contains: sample.Metric.Contains,
					},
				})
			}
			o.encode(pointEntry{
				Type:   "Point",
				Metric: sample.Metric.Name,
				Data:   pointData{Time: sample.Time, Value: sample.Value, Tags: sample.Tags},
			})
		}
	}
}

func (o *Output) encode(v interface{}) {
	if err := o.encoder.Encode(v); err != nil && o.params.Logger != nil {
		o.params.Logger.Error("write json sample: %v", err)
	}
}

// SetRunStatus 设置运行状态
func (o *Output) SetRunStatus(status output.RunStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runStatus = status
}
