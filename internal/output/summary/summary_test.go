package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/load-engine/internal/metrics/engine"
	"yqhp/load-engine/pkg/metrics"
)

func buildStream(t *testing.T) *engine.Stream {
	t.Helper()
	s := engine.NewStream(nil, engine.Options{})
	rec := s.Recorder(0, nil)
	for i := 1; i <= 10; i++ {
		tags := map[string]string{"name": "CreateWallet", "status": "201"}
		require.NoError(t, rec.RecordDuration(metrics.HTTPReqDurationName, time.Duration(i)*10*time.Millisecond, tags))
		require.NoError(t, rec.RecordBool(metrics.HTTPReqFailedName, false, tags))
		require.NoError(t, rec.Record(metrics.HTTPReqsName, metrics.Counter, 1, tags))
		require.NoError(t, rec.RecordBool(metrics.ChecksName, i != 10, map[string]string{"check": "status is 201"}))
	}
	require.NoError(t, rec.Record("wallet_operations", metrics.Counter, 10, nil))
	s.Flush()
	return s
}

func TestBuild(t *testing.T) {
	s := buildStream(t)
	th, err := engine.NewThresholds(map[string][]engine.ThresholdConfig{
		"http_req_duration":                   {{Expression: "p(95)<2000"}},
		"http_req_duration{name:CreateWallet}": {{Expression: "max<50"}},
		"iteration_duration":                  {{Expression: "avg<100"}},
	})
	require.NoError(t, err)
	results := th.Evaluate(s.Snapshot())

	sum := Build(s.Snapshot(), results, RunInfo{
		RunID:      "run-1",
		Scenario:   "registration",
		Executor:   "per-vu-iterations",
		Status:     "completed",
		Duration:   2 * time.Second,
		Iterations: 5,
		MaxVUs:     5,
	})

	assert.Equal(t, 2000.0, sum.State.TestRunDurationMs)
	assert.False(t, sum.ThresholdsPassed, "max<50 fails")

	dur := sum.Metrics["http_req_duration"]
	require.NotNil(t, dur)
	assert.Equal(t, metrics.Trend, dur.Type)
	assert.Equal(t, metrics.Time, dur.Contains)
	assert.InDelta(t, 55.0, dur.Values["avg"], 0.001)
	assert.True(t, dur.Thresholds["p(95)<2000"].OK)

	sub := sum.Metrics["http_req_duration{name:CreateWallet}"]
	require.NotNil(t, sub)
	assert.Equal(t, "http_req_duration", sub.Parent)
	assert.False(t, sub.Thresholds["max<50"].OK)
	assert.InDelta(t, 100.0, sub.Thresholds["max<50"].Observed, 1)

	// 未产生样本但被阈值引用的指标仍然出现
	it := sum.Metrics["iteration_duration"]
	require.NotNil(t, it)
	assert.True(t, it.Thresholds["avg<100"].NoData)

	v, ok := sum.Value("wallet_operations", "count")
	require.True(t, ok)
	assert.Equal(t, 10.0, v)
	v, ok = sum.Value("wallet_operations", "rate")
	require.True(t, ok)
	assert.Equal(t, 5.0, v)

	rate, ok := sum.Value(metrics.HTTPReqFailedName, "rate")
	require.True(t, ok)
	assert.Equal(t, 0.0, rate)

	assert.Contains(t, sum.Names(), "http_req_duration")
	assert.NotContains(t, sum.Names(), "http_req_duration{name:CreateWallet}")
	assert.Equal(t, []string{"http_req_duration{name:CreateWallet}"}, sum.Submetrics("http_req_duration"))
}

func TestBuildNilSnapshot(t *testing.T) {
	sum := Build(nil, nil, RunInfo{Status: "failed", Error: errors.New("boom")})
	assert.Empty(t, sum.Metrics)
	assert.True(t, sum.ThresholdsPassed)
	assert.Equal(t, "boom", sum.Error)
}

func TestWriteJSON(t *testing.T) {
	s := buildStream(t)
	sum := Build(s.Snapshot(), nil, RunInfo{RunID: "run-2", Status: "completed", Duration: time.Second})

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sum))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "run-2", doc["run_id"])
	state := doc["state"].(map[string]any)
	assert.Equal(t, 1000.0, state["testRunDurationMs"])
	m := doc["metrics"].(map[string]any)
	reqs := m["http_reqs"].(map[string]any)
	assert.Equal(t, "counter", reqs["type"])
	assert.Equal(t, 10.0, reqs["values"].(map[string]any)["count"])
}

func TestRenderText(t *testing.T) {
	s := buildStream(t)
	th, err := engine.NewThresholds(map[string][]engine.ThresholdConfig{
		"http_req_failed": {{Expression: "rate<0.05"}},
	})
	require.NoError(t, err)
	sum := Build(s.Snapshot(), th.Evaluate(s.Snapshot()), RunInfo{
		Scenario: "registration",
		Executor: "per-vu-iterations",
		Status:   "completed",
		Duration: 3 * time.Second,
	})
	sum.WithFailures([]Failure{{Kind: "check", Name: "status is 201", Count: 1}})

	var buf bytes.Buffer
	require.NoError(t, RenderText(&buf, sum))
	out := buf.String()

	assert.Contains(t, out, "执行汇总")
	assert.Contains(t, out, "registration (per-vu-iterations)")
	assert.Contains(t, out, "运行时长:     3.00s")
	assert.Contains(t, out, "✓ http_req_failed rate<0.05")
	assert.Contains(t, out, "✗ status is 201")
	assert.Contains(t, out, "90.00%")
	assert.Contains(t, out, "{ name:CreateWallet }")
	assert.Contains(t, out, "avg=55.00ms")
	assert.Contains(t, out, "失败分布")
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "500.00µs", formatTime(0.5))
	assert.Equal(t, "12.50ms", formatTime(12.5))
	assert.Equal(t, "1.50s", formatTime(1500))
	assert.Equal(t, "2m0s", formatTime(120000))
	assert.Equal(t, "999 B", formatBytes(999))
	assert.Equal(t, "1.5 kB", formatBytes(1500))
	assert.Equal(t, "2.0 MB", formatBytes(2e6))
	assert.Equal(t, "42", formatNumber(42))
	assert.Equal(t, "0.125", formatNumber(0.125))
	assert.Equal(t, "0.00%", percent(0, 0))
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	require.NoError(t, c.Start())

	failed := &metrics.Metric{Name: metrics.HTTPReqFailedName, Type: metrics.Rate}
	checks := &metrics.Metric{Name: metrics.ChecksName, Type: metrics.Rate}
	now := time.Now()
	c.AddMetricSamples([]metrics.SampleContainer{metrics.Samples{
		{Metric: failed, Time: now, Value: 1, Tags: map[string]string{"name": "Login", "status": "500"}},
		{Metric: failed, Time: now.Add(time.Second), Value: 1, Tags: map[string]string{"name": "Login", "status": "500"}},
		{Metric: failed, Time: now, Value: 0, Tags: map[string]string{"name": "Login", "status": "200"}},
		{Metric: failed, Time: now, Value: 1, Tags: map[string]string{"name": "Register", "status": "0"}},
		{Metric: checks, Time: now, Value: 0, Tags: map[string]string{"check": "has token"}},
		{Metric: checks, Time: now, Value: 1, Tags: map[string]string{"check": "has token"}},
	}})
	require.NoError(t, c.Stop())

	f := c.Failures()
	require.Len(t, f, 3)
	assert.Equal(t, Failure{Kind: "request", Name: "Login", Status: "500", Count: 2, FirstSeen: now, LastSeen: now.Add(time.Second)}, f[0])
	assert.Equal(t, "request", f[1].Kind)
	assert.Equal(t, "Register", f[1].Name)
	assert.Equal(t, "check", f[2].Kind)
	assert.Equal(t, int64(1), f[2].Count)
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "summary.json")
	sink, err := NewSink(path, MinioOptions{})
	require.NoError(t, err)
	assert.Equal(t, path, sink.String())

	sum := Build(nil, nil, RunInfo{RunID: "run-3", Status: "completed"})
	require.NoError(t, Export(context.Background(), sink, sum))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id": "run-3"`)
}

func TestNewSinkMinioTargets(t *testing.T) {
	_, err := NewSink("", MinioOptions{})
	assert.ErrorIs(t, err, ErrInvalidExportTarget)

	_, err = NewSink("minio://bucket-only", MinioOptions{Endpoint: "localhost:9000"})
	assert.ErrorIs(t, err, ErrInvalidExportTarget)

	_, err = NewSink("minio://reports/run.json", MinioOptions{})
	assert.ErrorIs(t, err, ErrInvalidExportTarget)

	sink, err := NewSink("minio://reports/runs/run.json", MinioOptions{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, "minio://reports/runs/run.json", sink.String())
}
