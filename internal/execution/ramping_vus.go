package execution

import (
	"context"
	"time"

	"yqhp/load-engine/pkg/types"
)

const rampTick = 50 * time.Millisecond

// RampingVUsMode implements the ramping-vus execution mode.
// The active VU count follows the stages by linear interpolation; excess
// VUs retire after their current iteration instead of being interrupted.
type RampingVUsMode struct {
	*BaseMode
	pool *vuPool
}

// NewRampingVUsMode creates a new ramping VUs mode.
func NewRampingVUsMode() *RampingVUsMode {
	return &RampingVUsMode{
		BaseMode: NewBaseMode(types.ModeRampingVUs),
	}
}

// Run starts the ramping VUs execution.
func (m *RampingVUsMode) Run(ctx context.Context, config *ModeConfig) error {
	if err := checkConfig(config); err != nil {
		return err
	}
	if len(config.Stages) == 0 {
		return ErrNoStages
	}
	for _, st := range config.Stages {
		if st.Duration < 0 || st.Target < 0 {
			return ErrInvalidStage
		}
	}
	if config.StartVUs < 0 {
		return ErrInvalidVUs
	}
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	execCtx, cancel := m.stopContext(ctx)
	defer cancel()

	next := func(context.Context, int) bool { return true }
	m.pool = newVUPool(m.BaseMode, config)

	current := config.StartVUs
	m.adjustVUs(execCtx, current, next)

	for idx, stage := range config.Stages {
		m.SetState(func(s *ModeState) {
			s.CurrentStage = idx
		})
		if !m.executeStage(execCtx, current, stage.Target, stage.Duration, next) {
			m.pool.abort()
			return nil
		}
		current = stage.Target
	}

	m.pool.shutdown(config.GracefulStop)
	return nil
}

// executeStage ramps from startVUs to targetVUs over duration. It returns
// false when the run was cancelled.
func (m *RampingVUsMode) executeStage(ctx context.Context, startVUs, targetVUs int, duration time.Duration, next nextFunc) bool {
	if duration <= 0 {
		m.adjustVUs(ctx, targetVUs, next)
		return ctx.Err() == nil
	}

	stageStart := time.Now()
	ticker := time.NewTicker(rampTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			elapsed := time.Since(stageStart)
			if elapsed >= duration {
				m.adjustVUs(ctx, targetVUs, next)
				return true
			}
			m.adjustVUs(ctx, interpolate(startVUs, targetVUs, elapsed, duration), next)
		}
	}
}

// interpolate returns the VU target at elapsed within a stage, rounded toward startVUs.
func interpolate(startVUs, targetVUs int, elapsed, duration time.Duration) int {
	if duration <= 0 || elapsed >= duration {
		return targetVUs
	}
	progress := float64(elapsed) / float64(duration)
	return startVUs + int(float64(targetVUs-startVUs)*progress)
}

func (m *RampingVUsMode) adjustVUs(ctx context.Context, targetVUs int, next nextFunc) {
	m.pool.scaleTo(ctx, targetVUs, next)
}
