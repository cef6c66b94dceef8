// Package output 定义指标输出插件接口以及样本分发管道。
package output

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"yqhp/load-engine/pkg/metrics"
)

// Output 定义输出插件接口
type Output interface {
	// Description 返回输出插件的描述
	Description() string

	// Start 启动输出插件
	Start() error

	// Stop 停止输出插件
	Stop() error

	// AddMetricSamples 添加指标样本，只在分发协程中调用
	AddMetricSamples(samples []metrics.SampleContainer)

	// SetRunStatus 设置运行状态（用于最终汇总）
	SetRunStatus(status RunStatus)
}

// RunStatus 表示测试运行状态
type RunStatus struct {
	Duration   float64 // 运行时长（秒）
	Iterations int64   // 总迭代次数
	VUs        int     // 最大 VU 数量
	Status     string  // 状态：running, completed, failed, aborted
	Error      error   // 错误信息
}

// Params 是创建 Output 时的参数
type Params struct {
	// OutputType 输出类型
	OutputType string

	// ConfigArgument 配置参数（如 URL、文件路径等）
	ConfigArgument string

	// Logger 日志记录器
	Logger Logger

	// RunID 运行 ID
	RunID string

	// Scenario 场景名称
	Scenario string

	// Tags 全局标签
	Tags map[string]string
}

// Logger 日志接口
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// Factory 是创建 Output 的工厂函数类型
type Factory func(params Params) (Output, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register 注册输出工厂
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Get 获取输出工厂
func Get(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// List 列出所有已注册的输出类型
func List() []string {
	registryMu.RLock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	registryMu.RUnlock()
	sort.Strings(names)
	return names
}

// Create 创建输出实例
func Create(outputType string, params Params) (Output, error) {
	factory, ok := Get(outputType)
	if !ok {
		return nil, &UnknownOutputError{Type: outputType}
	}
	params.OutputType = outputType
	return factory(params)
}

// ParseSpec 解析 --out 参数，格式为 type=arg 或 type
func ParseSpec(spec string) (outputType, arg string, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", "", fmt.Errorf("empty output spec")
	}
	outputType, arg, _ = strings.Cut(spec, "=")
	if outputType == "" {
		return "", "", fmt.Errorf("output spec %q has no type", spec)
	}
	return outputType, arg, nil
}

// UnknownOutputError 未知输出类型错误
type UnknownOutputError struct {
	Type string
}

func (e *UnknownOutputError) Error() string {
	return "unknown output type: " + e.Type
}
