package prometheus

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/load-engine/pkg/metrics"
	"yqhp/load-engine/pkg/output"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9091", cfg.PushGatewayURL)
	assert.Equal(t, defaultJobName, cfg.JobName)

	cfg, err = ParseConfig("http://gw:9091/?job=smoke&interval=2s&timeout=1s")
	require.NoError(t, err)
	assert.Equal(t, "http://gw:9091", cfg.PushGatewayURL)
	assert.Equal(t, "smoke", cfg.JobName)
	assert.Equal(t, 2*time.Second, cfg.PushInterval)
	assert.Equal(t, time.Second, cfg.Timeout)

	_, err = ParseConfig("gw:9091")
	assert.Error(t, err)
	_, err = ParseConfig("http://gw:9091?interval=-1s")
	assert.Error(t, err)
}

func TestMetricName(t *testing.T) {
	assert.Equal(t, "http_req_duration", metricName("http_req_duration"))
	assert.Equal(t, "wallet_ops_v2", metricName("wallet-ops.v2"))
	assert.Equal(t, "_9lives", metricName("9lives"))
}

func samples() []metrics.SampleContainer {
	now := time.Now()
	reqs := &metrics.Metric{Name: "http_reqs", Type: metrics.Counter}
	dur := &metrics.Metric{Name: "http_req_duration", Type: metrics.Trend, Contains: metrics.Time}
	failed := &metrics.Metric{Name: "http_req_failed", Type: metrics.Rate}
	vus := &metrics.Metric{Name: "vus", Type: metrics.Gauge}
	tags := map[string]string{"name": "Login", "method": "POST", "status": "200", "vu": "3"}
	return []metrics.SampleContainer{metrics.Samples{
		{Metric: reqs, Time: now, Value: 1, Tags: tags},
		{Metric: reqs, Time: now, Value: 1, Tags: tags},
		{Metric: dur, Time: now, Value: 120, Tags: tags},
		{Metric: failed, Time: now, Value: 0, Tags: tags},
		{Metric: failed, Time: now, Value: 1, Tags: tags},
		{Metric: vus, Time: now, Value: 5},
	}}
}

func TestAggregate(t *testing.T) {
	o := NewWithConfig(output.Params{Scenario: "registration"}, Config{
		PushGatewayURL: "http://127.0.0.1:1", JobName: "test", PushInterval: time.Hour, Timeout: time.Second,
	})
	o.AddMetricSamples(samples())
	o.Aggregate()

	assert.Equal(t, 2.0, testutil.ToFloat64(o.counters["http_reqs_total"].WithLabelValues("Login", "POST", "200", "", "registration")))
	assert.Equal(t, 5.0, testutil.ToFloat64(o.gauges["vus"].WithLabelValues("", "", "", "", "registration")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.rates["http_req_failed_samples_total"].WithLabelValues("Login", "POST", "200", "", "registration", "true")))
	assert.Equal(t, 1, testutil.CollectAndCount(o.summaries["http_req_duration_ms"]))

	names, err := o.Registry().Gather()
	require.NoError(t, err)
	var found []string
	for _, mf := range names {
		found = append(found, mf.GetName())
	}
	assert.Contains(t, found, "load_engine_http_req_duration_ms")
}

func TestPushOnStop(t *testing.T) {
	var (
		mu     sync.Mutex
		paths  []string
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	out, err := New(output.Params{ConfigArgument: srv.URL + "?job=ci&interval=1h", RunID: "run-9"})
	require.NoError(t, err)
	require.NoError(t, out.Start())
	out.AddMetricSamples(samples())
	require.NoError(t, out.Stop())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, paths)
	assert.Equal(t, "/metrics/job/ci/run_id/run-9", paths[len(paths)-1])
	assert.NotEmpty(t, bodies[len(bodies)-1])
}
