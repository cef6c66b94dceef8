// Package runner wires a validated configuration into one load test run:
// outputs, metric stream, thresholds, scenario, executor, summary and history.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"yqhp/load-engine/internal/config"
	"yqhp/load-engine/internal/execution"
	"yqhp/load-engine/internal/history"
	"yqhp/load-engine/internal/httpclient"
	"yqhp/load-engine/internal/metrics/engine"
	"yqhp/load-engine/internal/output/summary"
	"yqhp/load-engine/internal/scenario"
	"yqhp/load-engine/internal/vu"
	"yqhp/load-engine/pkg/logger"
	"yqhp/load-engine/pkg/metrics"
	"yqhp/load-engine/pkg/output"
)

// 进程退出码
const (
	ExitOK               = 0
	ExitError            = 1
	ExitThresholdsFailed = 99
	ExitConfigError      = 104
)

// 运行状态
const (
	StatusCompleted   = "completed"
	StatusAborted     = "aborted"
	StatusInterrupted = "interrupted"
	StatusFailed      = "failed"
)

const (
	exportTimeout  = 30 * time.Second
	historyTimeout = 10 * time.Second
)

// ErrConfig 标记在任何 VU 启动前发现的配置错误
var ErrConfig = errors.New("invalid configuration")

// Result is the outcome of one run.
type Result struct {
	RunID      string
	ExitCode   int
	Status     string
	Summary    *summary.Summary
	Snapshot   *engine.Snapshot
	Thresholds []engine.ThresholdResult
	// IterationErrors 失败的迭代数
	IterationErrors int64
	Err             error
}

// Option configures a Runner.
type Option func(*Runner)

// WithStdout sets where the text summary is written. Default os.Stdout.
func WithStdout(w io.Writer) Option {
	return func(r *Runner) { r.stdout = w }
}

// WithScenarios replaces the scenario registry.
func WithScenarios(reg *scenario.Registry) Option {
	return func(r *Runner) { r.scenarios = reg }
}

// WithModes replaces the executor registry.
func WithModes(reg *execution.Registry) Option {
	return func(r *Runner) { r.modes = reg }
}

// WithExtraOutputs adds outputs that are not created from --out specs.
func WithExtraOutputs(outs ...output.Output) Option {
	return func(r *Runner) { r.extra = append(r.extra, outs...) }
}

// Runner executes one configuration.
type Runner struct {
	cfg       *config.Config
	stdout    io.Writer
	scenarios *scenario.Registry
	modes     *execution.Registry
	extra     []output.Output
}

// New creates a runner for cfg.
func New(cfg *config.Config, opts ...Option) *Runner {
	r := &Runner{
		cfg:       cfg,
		stdout:    os.Stdout,
		scenarios: scenario.DefaultRegistry,
		modes:     execution.DefaultRegistry,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// prepared 是 VU 启动前需要准备好的全部组件
type prepared struct {
	runID      string
	mode       execution.Mode
	modeCfg    *execution.ModeConfig
	scenario   vu.Scenario
	client     *httpclient.Client
	thresholds *engine.Thresholds
	outputs    []output.Output
	collector  *summary.Collector
}

// Run executes the run and blocks until it ends. Cancelling ctx interrupts
// the run; the summary is still produced from what was recorded.
func (r *Runner) Run(ctx context.Context) *Result {
	p, err := r.prepare()
	if err != nil {
		logger.Error("配置错误: %v", err)
		return &Result{ExitCode: ExitConfigError, Status: StatusFailed, Err: err}
	}
	res := &Result{RunID: p.runID}

	cfg := r.cfg
	stream := engine.NewStream(nil, engine.Options{
		FlushInterval: cfg.Metrics.FlushInterval,
		MaxBuffered:   cfg.Metrics.MaxBuffered,
		SubmetricTags: cfg.Metrics.SubmetricTags,
		Outputs:       p.outputs,
		Logger:        logger.Std{},
	})
	if err := p.thresholds.Attach(stream); err != nil {
		res.ExitCode, res.Status, res.Err = ExitConfigError, StatusFailed, fmt.Errorf("%w: %v", ErrConfig, err)
		return res
	}
	if err := stream.Start(); err != nil {
		res.ExitCode, res.Status, res.Err = ExitError, StatusFailed, err
		logger.Error("启动指标输出失败: %v", err)
		return res
	}

	driver, err := vu.NewDriver(stream, p.client, p.scenario, vu.Options{
		Scenario:      cfg.Scenario.Name,
		Env:           cfg.Scenario.Env,
		FailurePolicy: vu.FailurePolicy(cfg.Scenario.FailurePolicy),
		Tags:          cfg.Scenario.Tags,
	})
	if err != nil {
		stream.Close(output.RunStatus{Status: StatusFailed, Error: err})
		res.ExitCode, res.Status, res.Err = ExitConfigError, StatusFailed, fmt.Errorf("%w: %v", ErrConfig, err)
		return res
	}
	driver.Bind(p.modeCfg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		abortMu  sync.Mutex
		abortErr error
	)
	thrCtx, stopThresholds := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.thresholds.Run(thrCtx, stream, func(err error) {
			abortMu.Lock()
			abortErr = err
			abortMu.Unlock()
			cancel()
		})
	}()

	logger.Info("run %s started: scenario=%s executor=%s", p.runID, cfg.Scenario.Name, p.mode.Name())
	start := time.Now()
	runErr := p.mode.Run(runCtx, p.modeCfg)
	duration := time.Since(start)

	stopThresholds()
	wg.Wait()
	results := p.thresholds.Finalize(stream)
	snap := stream.Snapshot()

	var iterations int64
	if m, ok := snap.Get(metrics.IterationsName); ok {
		iterations = int64(m.Sum)
	}

	abortMu.Lock()
	aborted := abortErr
	abortMu.Unlock()

	status, runErr := runStatus(ctx, runErr, aborted)
	stream.Close(output.RunStatus{
		Duration:   duration.Seconds(),
		Iterations: iterations,
		VUs:        driver.MaxVUs(),
		Status:     status,
		Error:      runErr,
	})

	sum := summary.Build(snap, results, summary.RunInfo{
		RunID:      p.runID,
		Scenario:   cfg.Scenario.Name,
		Executor:   string(p.mode.Name()),
		Status:     status,
		StartTime:  start,
		Duration:   duration,
		Iterations: iterations,
		MaxVUs:     driver.MaxVUs(),
		Error:      runErr,
	}).WithFailures(p.collector.Failures())

	res.Status = status
	res.Summary = sum
	res.Snapshot = snap
	res.Thresholds = results
	res.IterationErrors = driver.IterationErrors()
	res.Err = runErr
	res.ExitCode = exitCode(status, runErr, results)

	if !cfg.Summary.Quiet {
		if err := summary.RenderText(r.stdout, sum); err != nil {
			logger.Warn("输出汇总失败: %v", err)
		}
	}
	r.export(sum)
	r.saveHistory(sum, res.ExitCode)

	logger.Info("run %s finished: status=%s iterations=%d duration=%s exit=%d",
		p.runID, status, iterations, duration.Round(time.Millisecond), res.ExitCode)
	return res
}

// prepare 校验配置并创建所有组件；任何错误都包装 ErrConfig
func (r *Runner) prepare() (*prepared, error) {
	cfg := r.cfg
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is nil", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	modeName, modeCfg := cfg.ModeConfig()
	mode, err := r.modes.Get(modeName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	sc, err := r.scenarios.New(cfg.Scenario.Name, scenario.Params{
		Wallets:      cfg.Scenario.Wallets,
		Transactions: cfg.Scenario.Transactions,
		Debts:        cfg.Scenario.Debts,
		Password:     cfg.Scenario.Password,
		ThinkTime:    cfg.Scenario.ThinkTime,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	thresholds, err := engine.NewThresholds(cfg.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	client, err := httpclient.New(httpclient.Options{
		BaseURL:         cfg.HTTP.BaseURL,
		Headers:         cfg.HTTP.Headers,
		Timeout:         cfg.HTTP.Timeout,
		RPS:             cfg.HTTP.RPS,
		MaxConnsPerHost: cfg.HTTP.MaxConnsPerHost,
		UserAgent:       cfg.HTTP.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	runID := uuid.NewString()
	outputs, err := r.createOutputs(runID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	collector := summary.NewCollector()
	outputs = append(outputs, collector)
	outputs = append(outputs, r.extra...)

	return &prepared{
		runID:      runID,
		mode:       mode,
		modeCfg:    modeCfg,
		scenario:   sc,
		client:     client,
		thresholds: thresholds,
		outputs:    outputs,
		collector:  collector,
	}, nil
}

func (r *Runner) createOutputs(runID string) ([]output.Output, error) {
	outs := make([]output.Output, 0, len(r.cfg.Outputs)+1)
	for _, spec := range r.cfg.Outputs {
		typ, arg, err := output.ParseSpec(spec)
		if err != nil {
			return nil, err
		}
		out, err := output.Create(typ, output.Params{
			ConfigArgument: arg,
			Logger:         logger.Std{},
			RunID:          runID,
			Scenario:       r.cfg.Scenario.Name,
			Tags:           r.cfg.Scenario.Tags,
		})
		if err != nil {
			return nil, fmt.Errorf("创建输出 %s 失败: %w", typ, err)
		}
		logger.Debug("output %s: %s", typ, out.Description())
		outs = append(outs, out)
	}
	return outs, nil
}

// export 汇总导出失败只记录日志，不影响退出码
func (r *Runner) export(sum *summary.Summary) {
	target := r.cfg.Summary.Export
	if target == "" {
		return
	}
	m := r.cfg.Summary.Minio
	sink, err := summary.NewSink(target, summary.MinioOptions{
		Endpoint:  m.Endpoint,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		UseSSL:    m.UseSSL,
		Region:    m.Region,
	})
	if err != nil {
		logger.Error("汇总导出目标无效: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()
	if err := summary.Export(ctx, sink, sum); err != nil {
		logger.Error("%v", err)
		return
	}
	logger.Info("summary exported to %s", sink)
}

func (r *Runner) saveHistory(sum *summary.Summary, exitCode int) {
	dsn := r.cfg.History.DSN
	if dsn == "" {
		return
	}
	rec, err := history.NewRunRecord(sum, exitCode)
	if err != nil {
		logger.Error("构建运行记录失败: %v", err)
		return
	}
	store, err := history.Open(dsn)
	if err != nil {
		logger.Error("%v", err)
		return
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		logger.Error("迁移运行历史表失败: %v", err)
		return
	}
	if err := store.Save(ctx, rec); err != nil {
		logger.Error("保存运行历史失败: %v", err)
	}
}

// runStatus 归类本次运行的结束原因
func runStatus(parent context.Context, runErr, abortErr error) (string, error) {
	switch {
	case abortErr != nil:
		return StatusAborted, abortErr
	case parent.Err() != nil:
		return StatusInterrupted, parent.Err()
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		return StatusFailed, runErr
	}
	return StatusCompleted, nil
}

func exitCode(status string, runErr error, results []engine.ThresholdResult) int {
	switch {
	case status == StatusAborted || engine.AnyFailed(results):
		return ExitThresholdsFailed
	case runErr != nil:
		return ExitError
	}
	return ExitOK
}
