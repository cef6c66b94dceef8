package execution

import (
	"context"
	"time"

	"go.uber.org/ratelimit"

	"yqhp/load-engine/pkg/types"
)

// ConstantArrivalRateMode implements the constant-arrival-rate execution mode.
// Iterations start at Rate per TimeUnit regardless of how long they take;
// VUs come from a pool that grows up to MaxVUs. When no VU is free the
// iteration is dropped.
type ConstantArrivalRateMode struct {
	*BaseMode
	pool   *vuPool
	workCh chan struct{}
}

// NewConstantArrivalRateMode creates a new constant arrival rate mode.
func NewConstantArrivalRateMode() *ConstantArrivalRateMode {
	return &ConstantArrivalRateMode{
		BaseMode: NewBaseMode(types.ModeConstantArrivalRate),
	}
}

// Run starts the constant arrival rate execution.
func (m *ConstantArrivalRateMode) Run(ctx context.Context, config *ModeConfig) error {
	if err := checkConfig(config); err != nil {
		return err
	}
	if config.Rate <= 0 {
		return ErrInvalidRate
	}
	if config.TimeUnit < 0 {
		return ErrInvalidTimeUnit
	}
	if config.Duration <= 0 {
		return ErrInvalidDuration
	}
	timeUnit := config.TimeUnit
	if timeUnit == 0 {
		timeUnit = time.Second
	}
	preAllocated := config.PreAllocatedVUs
	if preAllocated <= 0 {
		preAllocated = 1
	}
	maxVUs := config.MaxVUs
	if maxVUs < preAllocated {
		maxVUs = preAllocated
	}

	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	execCtx, cancel := m.stopContext(ctx)
	defer cancel()
	runCtx, cancelRun := context.WithTimeout(execCtx, config.Duration)
	defer cancelRun()

	m.workCh = make(chan struct{})
	genDone := make(chan struct{})
	next := func(ctx context.Context, _ int) bool {
		select {
		case <-m.workCh:
			return true
		case <-ctx.Done():
			return false
		case <-genDone:
			return false
		}
	}

	m.pool = newVUPool(m.BaseMode, config)
	m.SetState(func(s *ModeState) {
		s.TargetVUs = preAllocated
	})
	for i := 0; i < preAllocated; i++ {
		m.pool.start(execCtx, i, next)
	}

	m.SetState(func(s *ModeState) {
		s.CurrentRate = float64(config.Rate) / timeUnit.Seconds()
	})
	m.generate(runCtx, execCtx, ratelimit.New(config.Rate, ratelimit.Per(timeUnit)), maxVUs, next)
	close(genDone)

	if execCtx.Err() != nil {
		m.pool.abort()
		return nil
	}
	m.pool.shutdown(config.GracefulStop)
	return nil
}

// generate hands one start token per limiter slot to an idle VU until runCtx is done.
func (m *ConstantArrivalRateMode) generate(runCtx, vuCtx context.Context, limiter ratelimit.Limiter, maxVUs int, next nextFunc) {
	slots := make(chan struct{})
	go func() {
		for {
			limiter.Take()
			select {
			case slots <- struct{}{}:
			case <-runCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-runCtx.Done():
			return
		case <-slots:
		}

		select {
		case m.workCh <- struct{}{}:
			continue
		default:
		}

		if m.pool.live() < maxVUs && m.pool.startFree(vuCtx, next) {
			select {
			case m.workCh <- struct{}{}:
				continue
			case <-runCtx.Done():
				return
			}
		}

		m.SetState(func(s *ModeState) {
			s.DroppedIterations++
		})
		if m.pool.config.OnDroppedIteration != nil {
			m.pool.config.OnDroppedIteration()
		}
	}
}
