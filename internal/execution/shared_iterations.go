package execution

import (
	"context"
	"sync/atomic"

	"yqhp/load-engine/pkg/types"
)

// SharedIterationsMode implements the shared-iterations execution mode.
// A fixed total of iterations is shared by all VUs; faster VUs run more.
type SharedIterationsMode struct {
	*BaseMode
	pool    *vuPool
	claimed atomic.Int64
}

// NewSharedIterationsMode creates a new shared iterations mode.
func NewSharedIterationsMode() *SharedIterationsMode {
	return &SharedIterationsMode{
		BaseMode: NewBaseMode(types.ModeSharedIterations),
	}
}

// Run starts the shared iterations execution.
func (m *SharedIterationsMode) Run(ctx context.Context, config *ModeConfig) error {
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

	total := int64(config.Iterations)
	next := func(context.Context, int) bool {
		return m.claimed.Add(1) <= total
	}

	vus := config.VUs
	if vus > config.Iterations {
		vus = config.Iterations
	}

	m.pool = newVUPool(m.BaseMode, config)
	m.SetState(func(s *ModeState) {
		s.TargetVUs = vus
	})
	for i := 0; i < vus; i++ {
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
