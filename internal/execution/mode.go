package execution

import (
	"context"
	"sync"
	"time"

	"yqhp/load-engine/pkg/types"
)

// Mode 定义执行模式的接口。
// 每种模式控制 VU 的管理方式和迭代的执行方式。
type Mode interface {
	// Name 返回执行模式的名称。
	Name() types.ExecutionMode

	// Run 使用给定配置启动执行模式。
	// 阻塞直到执行完成或上下文被取消。
	Run(ctx context.Context, config *ModeConfig) error

	// Stop 停止执行模式：不再开始新的迭代，进行中的迭代被取消。
	Stop(ctx context.Context) error

	// GetState 返回当前执行状态。
	GetState() *ModeState
}

// ModeConfig 包含执行模式的配置。
type ModeConfig struct {
	// VUs 是虚拟用户数量（用于基于 VU 的模式）。
	VUs int

	// Duration 是总执行时长；per-vu-iterations 和 shared-iterations 中作为 maxDuration。
	Duration time.Duration

	// Iterations 是迭代次数（per-vu-iterations 为每个 VU，shared-iterations 为总数）。
	Iterations int

	// StartVUs 是 ramping-vus 的初始 VU 数量。
	StartVUs int

	// Stages 定义执行阶段（用于递增模式）。
	Stages []types.Stage

	// Rate 是每个 TimeUnit 开始的迭代数（用于到达率模式）。
	Rate int

	// TimeUnit 是速率计算的时间单位。
	TimeUnit time.Duration

	// PreAllocatedVUs 是预分配的 VU 数量（用于到达率模式）。
	PreAllocatedVUs int

	// MaxVUs 是最大 VU 数量（用于到达率模式）。
	MaxVUs int

	// GracefulStop 是执行结束后等待进行中迭代的时长。
	GracefulStop time.Duration

	// IterationFunc 是每次迭代执行的函数。
	IterationFunc IterationFunc

	// OnVUStart 在 VU 启动时调用。
	OnVUStart func(vuID int)

	// OnVUStop 在 VU 退出时调用，之后该 VU 的状态不再使用。
	OnVUStop func(vuID int)

	// OnIterationComplete 在迭代结束时调用。
	OnIterationComplete func(vuID int, iteration int, duration time.Duration, err error)

	// OnDroppedIteration 在到达率模式没有空闲 VU 时调用。
	OnDroppedIteration func()
}

// IterationFunc 是执行单次迭代的函数签名。
// 返回包装了 ErrStopVU 的错误会让该 VU 退出。
type IterationFunc func(ctx context.Context, vuID int, iteration int) error

// ModeState 表示执行模式的当前状态。
type ModeState struct {
	// ActiveVUs 是当前活跃（未标记退出）的 VU 数量。
	ActiveVUs int

	// RetiringVUs 是已标记退出、正在完成当前迭代的 VU 数量。
	RetiringVUs int

	// TargetVUs 是目标 VU 数量。
	TargetVUs int

	// MaxVUs 是运行期间同时存在的最大 VU 数量。
	MaxVUs int

	// CompletedIterations 是已结束的迭代次数。
	CompletedIterations int64

	// DroppedIterations 是到达率模式中被丢弃的迭代次数。
	DroppedIterations int64

	// CurrentRate 是到达率模式每秒开始的迭代数。
	CurrentRate float64

	// CurrentStage 是 ramping-vus 当前阶段的下标。
	CurrentStage int

	// Running 表示模式是否正在运行。
	Running bool

	// StartTime 是执行开始时间。
	StartTime time.Time

	// ElapsedTime 是已执行时长。
	ElapsedTime time.Duration
}

// BaseMode 为执行模式提供通用功能。
type BaseMode struct {
	name    types.ExecutionMode
	state   ModeState
	stateMu sync.RWMutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started sync.Once
}

// NewBaseMode 创建一个新的基础模式。
func NewBaseMode(name types.ExecutionMode) *BaseMode {
	return &BaseMode{
		name:   name,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Name 返回模式名称。
func (b *BaseMode) Name() types.ExecutionMode {
	return b.name
}

// GetState 返回当前状态的拷贝。
func (b *BaseMode) GetState() *ModeState {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	state := b.state
	if state.Running {
		state.ElapsedTime = time.Since(state.StartTime)
	}
	return &state
}

// SetState 更新状态。
func (b *BaseMode) SetState(fn func(*ModeState)) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	fn(&b.state)
}

// IsStopped 如果已请求停止则返回 true。
func (b *BaseMode) IsStopped() bool {
	select {
	case <-b.stopCh:
		return true
	default:
		return false
	}
}

// RequestStop 发送停止信号。
func (b *BaseMode) RequestStop() {
	select {
	case <-b.stopCh:
	default:
		close(b.stopCh)
	}
}

// SignalDone 发送完成信号。
func (b *BaseMode) SignalDone() {
	select {
	case <-b.doneCh:
	default:
		close(b.doneCh)
	}
}

// WaitDone 等待模式完成。
func (b *BaseMode) WaitDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.doneCh:
		return nil
	}
}

// Stop 请求停止并等待 Run 返回。
func (b *BaseMode) Stop(ctx context.Context) error {
	b.RequestStop()
	return b.WaitDone(ctx)
}

// begin 标记运行开始；同一实例只能运行一次。
func (b *BaseMode) begin() error {
	first := false
	b.started.Do(func() { first = true })
	if !first {
		return ErrModeAlreadyRunning
	}
	b.SetState(func(s *ModeState) {
		s.Running = true
		s.StartTime = time.Now()
	})
	return nil
}

// end 标记运行结束。
func (b *BaseMode) end() {
	b.SetState(func(s *ModeState) {
		s.Running = false
		s.ElapsedTime = time.Since(s.StartTime)
	})
	b.SignalDone()
}

// stopContext 返回在 Stop 被调用时取消的子上下文。
func (b *BaseMode) stopContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-b.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func checkConfig(config *ModeConfig) error {
	if config == nil {
		return ErrNilConfig
	}
	if config.IterationFunc == nil {
		return ErrNilIterationFunc
	}
	return nil
}
