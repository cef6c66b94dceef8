package execution

import (
	"context"
	"time"

	"yqhp/load-engine/pkg/types"
)

// ConstantVUsMode implements the constant-vus execution mode.
// It maintains a fixed number of VUs looping for the test duration.
type ConstantVUsMode struct {
	*BaseMode
	pool *vuPool
}

// NewConstantVUsMode creates a new constant VUs mode.
func NewConstantVUsMode() *ConstantVUsMode {
	return &ConstantVUsMode{
		BaseMode: NewBaseMode(types.ModeConstantVUs),
	}
}

// Run starts the constant VUs execution.
func (m *ConstantVUsMode) Run(ctx context.Context, config *ModeConfig) error {
	if err := checkConfig(config); err != nil {
		return err
	}
	if config.VUs <= 0 {
		return ErrInvalidVUs
	}
	if config.Duration <= 0 {
		return ErrInvalidDuration
	}
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	execCtx, cancel := m.stopContext(ctx)
	defer cancel()

	next := func(context.Context, int) bool { return true }
	m.pool = newVUPool(m.BaseMode, config)
	m.SetState(func(s *ModeState) {
		s.TargetVUs = config.VUs
	})
	for i := 0; i < config.VUs; i++ {
		m.pool.start(execCtx, i, next)
	}

	timer := time.NewTimer(config.Duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		m.pool.shutdown(config.GracefulStop)
	case <-execCtx.Done():
		m.pool.abort()
	}
	return nil
}
