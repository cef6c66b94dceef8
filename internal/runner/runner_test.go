package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/load-engine/internal/config"
	"yqhp/load-engine/internal/metrics/engine"
	"yqhp/load-engine/internal/mockapi"
	"yqhp/load-engine/internal/output/summary"
	"yqhp/load-engine/internal/scenario"
	"yqhp/load-engine/internal/scenario/expense"
	"yqhp/load-engine/internal/vu"
	"yqhp/load-engine/pkg/metrics"
	_ "yqhp/load-engine/pkg/output/json"
	"yqhp/load-engine/pkg/types"
)

func startMock(t *testing.T, opts mockapi.Options) (*mockapi.Server, string) {
	t.Helper()
	srv, baseURL, err := mockapi.StartLocal(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, baseURL
}

func smallConfig(baseURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.HTTP.BaseURL = baseURL
	cfg.HTTP.Timeout = 5 * time.Second
	cfg.Scenario.Name = expense.RegistrationName
	cfg.Scenario.Wallets = 3
	cfg.Scenario.Transactions = 6
	cfg.Scenario.Debts = 4
	cfg.Scenario.ThinkTime = 0
	cfg.Execution.VUs = 5
	cfg.Execution.Iterations = 1
	cfg.Execution.MaxDuration = time.Minute
	cfg.Summary.Quiet = true
	cfg.Thresholds = map[string][]engine.ThresholdConfig{
		metrics.HTTPReqDurationName: {{Expression: "p(95)<2000"}, {Expression: "p(99)<5000"}},
		metrics.HTTPReqFailedName:   {{Expression: "rate<0.05"}},
		expense.ErrorsMetric:        {{Expression: "rate<0.05"}},
	}
	return cfg
}

func TestRun_RegistrationPasses(t *testing.T) {
	srv, baseURL := startMock(t, mockapi.Options{Plan: mockapi.PlanPremium})
	cfg := smallConfig(baseURL)
	var out bytes.Buffer
	cfg.Summary.Quiet = false

	res := New(cfg, WithStdout(&out)).Run(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, ExitOK, res.ExitCode)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.NotEmpty(t, res.RunID)
	assert.Len(t, res.Thresholds, 4)
	assert.False(t, engine.AnyFailed(res.Thresholds))

	require.NotNil(t, res.Summary)
	assert.Equal(t, int64(5), res.Summary.Iterations)
	assert.True(t, res.Summary.ThresholdsPassed)
	v, ok := res.Summary.Value(expense.WalletOperationsMetric, "count")
	require.True(t, ok)
	assert.Equal(t, 15.0, v)

	assert.Equal(t, 5, srv.Store().Counts().Users)
	assert.Contains(t, out.String(), expense.WalletOperationsMetric)
}

func TestRun_AllServerErrorsFailThresholds(t *testing.T) {
	_, baseURL := startMock(t, mockapi.Options{FailStatus: 500})
	cfg := smallConfig(baseURL)
	cfg.Execution.VUs = 3

	res := New(cfg).Run(context.Background())

	assert.Equal(t, ExitThresholdsFailed, res.ExitCode)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, engine.AnyFailed(res.Thresholds))
	assert.Equal(t, int64(3), res.IterationErrors)

	failed, ok := res.Snapshot.Get(metrics.HTTPReqFailedName)
	require.True(t, ok)
	assert.Equal(t, 1.0, failed.Rate())

	require.NotNil(t, res.Summary)
	assert.False(t, res.Summary.ThresholdsPassed)
	require.NotEmpty(t, res.Summary.Failures)
	assert.Equal(t, "500", res.Summary.Failures[0].Status)
}

func TestRun_AbortOnFail(t *testing.T) {
	_, baseURL := startMock(t, mockapi.Options{FailStatus: 500})
	cfg := smallConfig(baseURL)
	cfg.Execution.Executor = string(types.ModeConstantVUs)
	cfg.Execution.VUs = 2
	cfg.Execution.Duration = 30 * time.Second
	cfg.Thresholds = map[string][]engine.ThresholdConfig{
		metrics.HTTPReqFailedName: {{Expression: "rate<0.05", AbortOnFail: true}},
	}

	start := time.Now()
	res := New(cfg).Run(context.Background())

	assert.Less(t, time.Since(start), 20*time.Second)
	assert.Equal(t, StatusAborted, res.Status)
	assert.Equal(t, ExitThresholdsFailed, res.ExitCode)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "abortOnFail")
}

func TestRun_Interrupted(t *testing.T) {
	_, baseURL := startMock(t, mockapi.Options{Latency: 10 * time.Millisecond})
	cfg := smallConfig(baseURL)
	cfg.Execution.VUs = 2
	cfg.Scenario.Transactions = 100000
	cfg.Thresholds = nil

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	res := New(cfg).Run(ctx)

	assert.Equal(t, StatusInterrupted, res.Status)
	assert.Equal(t, ExitError, res.ExitCode)
	require.NotNil(t, res.Summary)
	// 被中断的迭代不计数
	assert.Equal(t, int64(0), res.Summary.Iterations)
	reqs, ok := res.Snapshot.Get(metrics.HTTPReqsName)
	require.True(t, ok)
	assert.Greater(t, reqs.Sum, 0.0)
}

func TestRun_ConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
	}{
		{"zero vus", func(c *config.Config) { c.Execution.VUs = 0 }},
		{"unknown executor", func(c *config.Config) { c.Execution.Executor = "bursty" }},
		{"unknown scenario", func(c *config.Config) { c.Scenario.Name = "checkout" }},
		{"bad threshold", func(c *config.Config) {
			c.Thresholds = map[string][]engine.ThresholdConfig{"http_req_duration": {{Expression: "p(95) <<< 1"}}}
		}},
		{"unknown output", func(c *config.Config) { c.Outputs = []string{"carbon=localhost:2003"} }},
		{"bad base url", func(c *config.Config) { c.HTTP.BaseURL = "ftp://example.com" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, baseURL := startMock(t, mockapi.Options{})
			cfg := smallConfig(baseURL)
			tt.modify(cfg)

			res := New(cfg).Run(context.Background())

			assert.Equal(t, ExitConfigError, res.ExitCode)
			require.Error(t, res.Err)
			assert.ErrorIs(t, res.Err, ErrConfig)
			assert.Nil(t, res.Summary)
			assert.Equal(t, int64(0), srv.Requests(), "no VU may start on a config error")
		})
	}
}

func TestRun_ScenarioFromCustomRegistry(t *testing.T) {
	reg := scenario.NewRegistry()
	reg.Register("noop", func(scenario.Params) vu.Scenario {
		return func(ctx context.Context, ec *vu.ExecutionContext) error {
			return ec.Metrics.Record("noop_calls", metrics.Counter, 1, nil)
		}
	})
	cfg := smallConfig("http://127.0.0.1:1")
	cfg.Scenario.Name = "noop"
	cfg.Execution.VUs = 4
	cfg.Execution.Iterations = 3
	cfg.Thresholds = map[string][]engine.ThresholdConfig{"noop_calls": {{Expression: "count==12"}}}

	res := New(cfg, WithScenarios(reg)).Run(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, ExitOK, res.ExitCode)
	assert.Equal(t, int64(12), res.Summary.Iterations)
	assert.Equal(t, 4, res.Summary.MaxVUs)
}

func TestRun_ExportsSummaryAndSamples(t *testing.T) {
	_, baseURL := startMock(t, mockapi.Options{Plan: mockapi.PlanPremium})
	dir := t.TempDir()
	cfg := smallConfig(baseURL)
	cfg.Execution.VUs = 1
	cfg.Summary.Export = filepath.Join(dir, "reports", "summary.json")
	cfg.Outputs = []string{"json=" + filepath.Join(dir, "samples.json")}

	res := New(cfg).Run(context.Background())
	require.Equal(t, ExitOK, res.ExitCode)

	data, err := os.ReadFile(cfg.Summary.Export)
	require.NoError(t, err)
	var doc summary.Summary
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, res.RunID, doc.RunID)
	assert.Equal(t, expense.RegistrationName, doc.Scenario)
	assert.Contains(t, doc.Metrics, metrics.HTTPReqsName)

	samples, err := os.ReadFile(filepath.Join(dir, "samples.json"))
	require.NoError(t, err)
	assert.Contains(t, string(samples), metrics.HTTPReqDurationName)
}

func TestExitCode(t *testing.T) {
	failed := []engine.ThresholdResult{{Passed: false}}
	passed := []engine.ThresholdResult{{Passed: true}}

	assert.Equal(t, ExitOK, exitCode(StatusCompleted, nil, passed))
	assert.Equal(t, ExitThresholdsFailed, exitCode(StatusCompleted, nil, failed))
	assert.Equal(t, ExitThresholdsFailed, exitCode(StatusAborted, assert.AnError, nil))
	assert.Equal(t, ExitError, exitCode(StatusFailed, assert.AnError, passed))
	// 阈值失败优先
	assert.Equal(t, ExitThresholdsFailed, exitCode(StatusInterrupted, context.Canceled, failed))
}

func TestRunStatus(t *testing.T) {
	bg := context.Background()
	cancelled, cancel := context.WithCancel(bg)
	cancel()

	s, err := runStatus(bg, nil, nil)
	assert.Equal(t, StatusCompleted, s)
	assert.NoError(t, err)

	s, err = runStatus(bg, context.Canceled, assert.AnError)
	assert.Equal(t, StatusAborted, s)
	assert.Equal(t, assert.AnError, err)

	s, _ = runStatus(cancelled, nil, nil)
	assert.Equal(t, StatusInterrupted, s)

	s, err = runStatus(bg, assert.AnError, nil)
	assert.Equal(t, StatusFailed, s)
	assert.Equal(t, assert.AnError, err)
}
