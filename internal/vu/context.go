// Package vu runs scenarios as virtual users: it owns per-VU state, builds
// the ExecutionContext handed to every iteration and records iteration metrics.
package vu

import (
	"context"
	"fmt"
	"time"

	"yqhp/load-engine/internal/check"
	"yqhp/load-engine/internal/httpclient"
	"yqhp/load-engine/internal/metrics/engine"
	"yqhp/load-engine/pkg/logger"
)

// Scenario is one iteration of user behaviour. Returning an error ends the
// iteration; the failure policy decides whether the VU continues.
type Scenario func(ctx context.Context, ec *ExecutionContext) error

// ExecutionContext is everything an iteration may touch.
type ExecutionContext struct {
	// VU 从 1 开始编号
	VU        int
	Iteration int
	Scenario  string
	Env       map[string]string

	State   *State
	HTTP    *httpclient.Client
	Checks  *check.Evaluator
	Metrics *engine.Recorder
}

// Getenv returns Env[key], or def when unset or empty.
func (ec *ExecutionContext) Getenv(key, def string) string {
	if v, ok := ec.Env[key]; ok && v != "" {
		return v
	}
	return def
}

// Check 运行检查并记录结果
func (ec *ExecutionContext) Check(resp *httpclient.Response, preds ...check.Predicate) bool {
	return ec.Checks.Check(resp, preds...)
}

// Logf 以 [VU n] 前缀输出调试日志
func (ec *ExecutionContext) Logf(format string, args ...any) {
	logger.Debug("[VU %d] %s", ec.VU, fmt.Sprintf(format, args...))
}

// Sleep pauses for d. It returns ctx.Err() as soon as ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sleep is the context-aware think time of the VU.
func (ec *ExecutionContext) Sleep(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, d)
}
