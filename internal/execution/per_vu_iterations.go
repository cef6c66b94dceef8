package execution

import (
	"context"

	"yqhp/load-engine/pkg/types"
)

// PerVUIterationsMode implements the per-vu-iterations execution mode.
// Each of N VUs executes exactly K iterations and then retires. When
// Duration (maxDuration) elapses every VU is cancelled mid-iteration.
type PerVUIterationsMode struct {
	*BaseMode
	pool *vuPool
}

// NewPerVUIterationsMode creates a new per-VU iterations mode.
func NewPerVUIterationsMode() *PerVUIterationsMode {
	return &PerVUIterationsMode{
		BaseMode: NewBaseMode(types.ModePerVUIterations),
	}
}

// Run starts the per-VU iterations execution.
func (m *PerVUIterationsMode) Run(ctx context.Context, config *ModeConfig) error {
	if err := checkConfig(config); err != nil {
		return err
	}
	if config.VUs <= 0 {
		return ErrInvalidVUs
	}
	if config.Iterations <= 0 {
		return ErrInvalidIterations
	}
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	execCtx, cancel := m.stopContext(ctx)
	defer cancel()
	if config.Duration > 0 {
		var cancelTimeout context.CancelFunc
		execCtx, cancelTimeout = context.WithTimeout(execCtx, config.Duration)
		defer cancelTimeout()
	}

	iterationsPerVU := config.Iterations
	next := func(_ context.Context, iter int) bool {
		return iter < iterationsPerVU
	}

	m.pool = newVUPool(m.BaseMode, config)
	m.SetState(func(s *ModeState) {
		s.TargetVUs = config.VUs
	})
	for i := 0; i < config.VUs; i++ {
		m.pool.start(execCtx, i, next)
	}

	done := make(chan struct{})
	go func() {
		m.pool.wait()
		close(done)
	}()

	select {
	case <-done:
	case <-execCtx.Done():
		m.pool.abort()
	}
	m.pool.close()
	return nil
}
