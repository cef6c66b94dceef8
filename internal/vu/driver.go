package vu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"yqhp/load-engine/internal/check"
	"yqhp/load-engine/internal/execution"
	"yqhp/load-engine/internal/httpclient"
	"yqhp/load-engine/internal/metrics/engine"
	"yqhp/load-engine/pkg/logger"
	"yqhp/load-engine/pkg/metrics"
)

// FailurePolicy decides what happens to a VU whose iteration failed.
type FailurePolicy string

const (
	// AbortIteration 结束当前迭代，VU 继续下一次迭代
	AbortIteration FailurePolicy = "abort-iteration"
	// AbortVU 结束当前迭代并让 VU 退出
	AbortVU FailurePolicy = "abort-vu"
)

// ErrUnknownFailurePolicy 未知的失败策略
var ErrUnknownFailurePolicy = errors.New("unknown failure policy")

// ParseFailurePolicy parses a policy name; "" means abort-iteration.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", AbortIteration:
		return AbortIteration, nil
	case AbortVU:
		return AbortVU, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFailurePolicy, s)
}

// ErrNilScenario 场景函数为空
var ErrNilScenario = errors.New("scenario is nil")

// Options 配置 Driver
type Options struct {
	Scenario      string
	Env           map[string]string
	FailurePolicy FailurePolicy
	// Tags 附加到该场景所有样本上
	Tags map[string]string
}

type slot struct {
	state *State
	rec   *engine.Recorder
	http  *httpclient.Client
	check *check.Evaluator
}

// Driver adapts a Scenario to an execution mode.
type Driver struct {
	stream   *engine.Stream
	client   *httpclient.Client
	scenario Scenario
	opts     Options

	mu      sync.Mutex
	slots   map[int]*slot
	maxLive int
	errors  int64
}

// NewDriver creates a driver. client may be nil for scenarios without HTTP.
func NewDriver(stream *engine.Stream, client *httpclient.Client, scenario Scenario, opts Options) (*Driver, error) {
	if scenario == nil {
		return nil, ErrNilScenario
	}
	policy, err := ParseFailurePolicy(string(opts.FailurePolicy))
	if err != nil {
		return nil, err
	}
	opts.FailurePolicy = policy
	return &Driver{
		stream:   stream,
		client:   client,
		scenario: scenario,
		opts:     opts,
		slots:    make(map[int]*slot),
	}, nil
}

// Bind installs the driver's iteration function and VU hooks on cfg.
// Hooks already present on cfg are still called.
func (d *Driver) Bind(cfg *execution.ModeConfig) {
	cfg.IterationFunc = d.Iteration

	prevStart, prevStop, prevDropped := cfg.OnVUStart, cfg.OnVUStop, cfg.OnDroppedIteration
	cfg.OnVUStart = func(id int) {
		d.vuStarted(id)
		if prevStart != nil {
			prevStart(id)
		}
	}
	cfg.OnVUStop = func(id int) {
		d.vuStopped(id)
		if prevStop != nil {
			prevStop(id)
		}
	}
	cfg.OnDroppedIteration = func() {
		_ = d.stream.Record(metrics.DroppedIterationsName, metrics.Counter, 1, d.baseTags())
		if prevDropped != nil {
			prevDropped()
		}
	}
}

// Iteration runs one scenario iteration for VU vuID. It satisfies
// execution.IterationFunc.
func (d *Driver) Iteration(ctx context.Context, vuID int, iteration int) error {
	s := d.slot(vuID)
	ec := &ExecutionContext{
		VU:        vuID + 1,
		Iteration: iteration,
		Scenario:  d.opts.Scenario,
		Env:       d.opts.Env,
		State:     s.state,
		HTTP:      s.http,
		Checks:    s.check,
		Metrics:   s.rec,
	}

	start := time.Now()
	err := d.run(ctx, ec)
	duration := time.Since(start)

	if interrupted(ctx) {
		// 被中断的迭代不计入 iterations
		logger.Debug("[VU %d] iteration %d interrupted after %s", ec.VU, iteration, duration)
		return err
	}

	_ = s.rec.Record(metrics.IterationsName, metrics.Counter, 1, nil)
	_ = s.rec.RecordDuration(metrics.IterationDurationName, duration, nil)
	if err == nil {
		return nil
	}

	_ = s.rec.Record(metrics.IterationErrorsName, metrics.Counter, 1, nil)
	d.mu.Lock()
	d.errors++
	d.mu.Unlock()
	logger.Debug("[VU %d] iteration %d failed: %v", ec.VU, iteration, err)

	if d.opts.FailurePolicy == AbortVU {
		return fmt.Errorf("%w: %v", execution.ErrStopVU, err)
	}
	return err
}

func (d *Driver) run(ctx context.Context, ec *ExecutionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("VU %d panic: %v", ec.VU, r)
			logger.Warn("[VU %d] iteration %d panic: %v", ec.VU, ec.Iteration, r)
		}
	}()
	return d.scenario(ctx, ec)
}

// IterationErrors returns how many iterations failed.
func (d *Driver) IterationErrors() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errors
}

// MaxVUs returns the highest number of simultaneously live VUs.
func (d *Driver) MaxVUs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxLive
}

// State returns the state of a live VU, or nil.
func (d *Driver) State(vuID int) *State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.slots[vuID]; ok {
		return s.state
	}
	return nil
}

func (d *Driver) slot(vuID int) *slot {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.slots[vuID]; ok {
		return s
	}
	return d.newSlotLocked(vuID)
}

func (d *Driver) newSlotLocked(vuID int) *slot {
	rec := d.stream.Recorder(vuID, d.baseTags())
	s := &slot{
		state: NewState(),
		rec:   rec,
		check: check.NewEvaluator(rec, nil),
	}
	if d.client != nil {
		s.http = d.client.WithRecorder(rec)
	}
	d.slots[vuID] = s
	if len(d.slots) > d.maxLive {
		d.maxLive = len(d.slots)
	}
	return s
}

func (d *Driver) vuStarted(vuID int) {
	d.mu.Lock()
	if _, ok := d.slots[vuID]; !ok {
		d.newSlotLocked(vuID)
	}
	d.recordVUsLocked()
	d.mu.Unlock()

	logger.Debug("[VU %d] started", vuID+1)
}

func (d *Driver) vuStopped(vuID int) {
	d.mu.Lock()
	if s, ok := d.slots[vuID]; ok {
		s.state.Clear()
		delete(d.slots, vuID)
	}
	d.recordVUsLocked()
	d.mu.Unlock()

	logger.Debug("[VU %d] stopped", vuID+1)
}

// recordVUsLocked 须持有 d.mu
func (d *Driver) recordVUsLocked() {
	tags := d.baseTags()
	_ = d.stream.Record(metrics.VUsName, metrics.Gauge, float64(len(d.slots)), tags)
	_ = d.stream.Record(metrics.VUsMaxName, metrics.Gauge, float64(d.maxLive), tags)
}

func (d *Driver) baseTags() map[string]string {
	tags := make(map[string]string, len(d.opts.Tags)+1)
	for k, v := range d.opts.Tags {
		tags[k] = v
	}
	if d.opts.Scenario != "" {
		tags["scenario"] = d.opts.Scenario
	}
	return tags
}

// interrupted 报告 ctx 已取消或其 deadline 已过
func interrupted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	d, ok := ctx.Deadline()
	return ok && !time.Now().Before(d)
}
