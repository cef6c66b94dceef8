package output

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"yqhp/load-engine/pkg/metrics"
)

const (
	// dispatchInterval 批量分发给输出的间隔
	dispatchInterval = 50 * time.Millisecond
	// defaultSamplesChannelSize 默认样本通道大小
	defaultSamplesChannelSize = 1000
)

// Manager fans sample batches out to a fixed set of outputs. Outputs are
// only called from the dispatch goroutine.
type Manager struct {
	outputs []Output
	logger  Logger
}

// NewManager 创建输出管理器
func NewManager(outputs []Output, logger Logger) *Manager {
	return &Manager{outputs: outputs, logger: logger}
}

// Start starts every output and dispatches what arrives on samples until it
// is closed. finish waits for the last batch, hands status to each output
// and stops them.
func (m *Manager) Start(samples <-chan metrics.SampleContainer) (finish func(RunStatus), err error) {
	if err := m.startOutputs(); err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.dispatch(samples)
	}()

	var once sync.Once
	finish = func(status RunStatus) {
		once.Do(func() {
			wg.Wait()
			if err := m.stopOutputs(status); err != nil && m.logger != nil {
				m.logger.Warn("outputs stopped with errors: %v", err)
			}
		})
	}
	return finish, nil
}

func (m *Manager) dispatch(samples <-chan metrics.SampleContainer) {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	var batch []metrics.SampleContainer
	send := func() {
		if len(batch) == 0 {
			return
		}
		for _, out := range m.outputs {
			out.AddMetricSamples(batch)
		}
		batch = nil
	}
	for {
		select {
		case c, ok := <-samples:
			if !ok {
				send()
				return
			}
			batch = append(batch, c)
		case <-ticker.C:
			send()
		}
	}
}

// startOutputs 依次启动，任一失败则停止已启动的输出
func (m *Manager) startOutputs() error {
	for i, out := range m.outputs {
		if err := out.Start(); err != nil {
			for _, started := range m.outputs[:i] {
				_ = started.Stop()
			}
			return err
		}
		if m.logger != nil {
			m.logger.Debug("output %s started", out.Description())
		}
	}
	return nil
}

// stopOutputs 并发停止所有输出，每个输出都会被停止，返回第一个错误
func (m *Manager) stopOutputs(status RunStatus) error {
	if status.Status == "" {
		status.Status = "completed"
		if status.Error != nil {
			status.Status = "failed"
		}
	}

	var g errgroup.Group
	for _, out := range m.outputs {
		out := out
		g.Go(func() error {
			out.SetRunStatus(status)
			if err := out.Stop(); err != nil {
				if m.logger != nil {
					m.logger.Error("stop output %s: %v", out.Description(), err)
				}
				return fmt.Errorf("stop output %s: %w", out.Description(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// NewSamplesChannel 创建样本通道，size <= 0 时使用默认大小
func NewSamplesChannel(size int) chan metrics.SampleContainer {
	if size <= 0 {
		size = defaultSamplesChannelSize
	}
	return make(chan metrics.SampleContainer, size)
}
