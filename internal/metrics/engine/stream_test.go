package engine

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"yqhp/load-engine/pkg/metrics"
	"yqhp/load-engine/pkg/output"
)

type captureOutput struct {
	output.SampleBuffer
	started, stopped bool
	status           output.RunStatus
}

func (c *captureOutput) Description() string { return "capture" }
func (c *captureOutput) Start() error          { c.started = true; return nil }
func (c *captureOutput) Stop() error           { c.stopped = true; return nil }
func (c *captureOutput) SetRunStatus(s output.RunStatus) {
	c.status = s
}

func countSamples(containers []metrics.SampleContainer) int {
	n := 0
	for _, c := range containers {
		n += len(c.GetSamples())
	}
	return n
}

func TestStream_RecordAndSnapshot(t *testing.T) {
	s := NewStream(nil, Options{})
	rec := s.Recorder(1, map[string]string{"vu": "1"})

	require.NoError(t, rec.Record("wallet_operations", metrics.Counter, 1, nil))
	require.NoError(t, rec.Record("wallet_operations", metrics.Counter, 2, nil))
	require.NoError(t, rec.RecordBool("errors", false, nil))
	require.NoError(t, rec.RecordDuration("http_req_duration", 150*time.Millisecond, map[string]string{"name": "Login"}))

	s.Flush()
	snap := s.Snapshot()

	wallet, ok := snap.Get("wallet_operations")
	require.True(t, ok)
	assert.Equal(t, 3.0, wallet.Sum)
	assert.Equal(t, metrics.Counter, wallet.Type)

	errs, ok := snap.Get("errors")
	require.True(t, ok)
	assert.Equal(t, 0.0, errs.Rate())

	dur, ok := snap.Get("http_req_duration")
	require.True(t, ok)
	assert.Equal(t, metrics.Time, dur.Contains)
	assert.InDelta(t, 150, dur.Max, 1e-9)

	sub, ok := snap.Get("http_req_duration{name:Login}")
	require.True(t, ok)
	assert.True(t, sub.IsSubmetric())
	assert.Equal(t, int64(1), sub.Count)
	assert.Equal(t, int64(4), s.SampleCount())
}

func TestStream_KindMismatch(t *testing.T) {
	s := NewStream(nil, Options{})
	rec := s.Recorder(1, nil)

	require.NoError(t, rec.Record("errors", metrics.Rate, 1, nil))
	err := rec.Record("errors", metrics.Trend, 12, nil)
	assert.ErrorIs(t, err, metrics.ErrMetricKindMismatch)

	other := s.Recorder(2, nil)
	err = other.Record("errors", metrics.Counter, 1, nil)
	assert.ErrorIs(t, err, metrics.ErrMetricKindMismatch)

	err = s.Record("errors", metrics.Gauge, 1, nil)
	assert.ErrorIs(t, err, metrics.ErrMetricKindMismatch)
}

func TestStream_RejectsNonFiniteValues(t *testing.T) {
	s := NewStream(nil, Options{})
	rec := s.Recorder(1, nil)

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.ErrorIs(t, rec.Record("custom", metrics.Counter, v, nil), metrics.ErrNonFiniteValue)
		assert.ErrorIs(t, s.Record("level", metrics.Gauge, v, nil), metrics.ErrNonFiniteValue)
	}
	require.NoError(t, rec.Record("custom", metrics.Counter, 2, nil))

	s.Flush()
	snap := s.Snapshot()
	custom, ok := snap.Get("custom")
	require.True(t, ok)
	assert.Equal(t, 2.0, custom.Sum)
	_, ok = snap.Get("level")
	assert.False(t, ok)
	assert.Equal(t, int64(1), s.SampleCount())
}

func TestStream_SamplesCarryRecorderTags(t *testing.T) {
	out := &captureOutput{}
	s := NewStream(nil, Options{Outputs: []output.Output{out}, FlushInterval: 10 * time.Millisecond})
	require.NoError(t, s.Start())

	rec := s.Recorder(7, map[string]string{"vu": "7", "scenario": "registration"})
	require.NoError(t, rec.Record("iterations", metrics.Counter, 1, map[string]string{"scenario": "override"}))
	s.Close(output.RunStatus{Status: "completed"})

	assert.True(t, out.started)
	assert.True(t, out.stopped)
	assert.Equal(t, "completed", out.status.Status)

	got := out.GetBufferedSamples()
	require.Equal(t, 1, countSamples(got))
	sample := got[0].GetSamples()[0]
	assert.Equal(t, "7", sample.Tags["vu"])
	assert.Equal(t, "override", sample.Tags["scenario"])
}

func TestStream_ExplicitSubmetric(t *testing.T) {
	s := NewStream(nil, Options{SubmetricTags: []string{}})
	require.NoError(t, s.AddSubmetric("http_reqs{method:POST,status:201}"))

	rec := s.Recorder(1, nil)
	require.NoError(t, rec.Record("http_reqs", metrics.Counter, 1, map[string]string{"method": "POST", "status": "201"}))
	require.NoError(t, rec.Record("http_reqs", metrics.Counter, 1, map[string]string{"method": "POST", "status": "500"}))
	require.NoError(t, rec.Record("http_reqs", metrics.Counter, 1, map[string]string{"method": "GET", "status": "201"}))
	s.Flush()

	snap := s.Snapshot()
	sub, ok := snap.Get("http_reqs{status:201,method:POST}")
	require.True(t, ok)
	assert.Equal(t, 1.0, sub.Sum)

	total, ok := snap.Get("http_reqs")
	require.True(t, ok)
	assert.Equal(t, 3.0, total.Sum)

	_, ok = snap.Get("http_reqs{status:201}")
	assert.False(t, ok, "auto submetrics are disabled")
}

func TestStream_EarlyFlushWhenBufferFull(t *testing.T) {
	s := NewStream(nil, Options{FlushInterval: time.Hour, MaxBuffered: 10})
	require.NoError(t, s.Start())
	defer s.Close(output.RunStatus{})

	rec := s.Recorder(1, nil)
	for i := 0; i < 25; i++ {
		require.NoError(t, rec.Record("http_reqs", metrics.Counter, 1, nil))
	}

	assert.Eventually(t, func() bool {
		return s.SampleCount() >= 10
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStream_SnapshotDoesNotBlockWriters(t *testing.T) {
	s := NewStream(nil, Options{FlushInterval: 5 * time.Millisecond})
	require.NoError(t, s.Start())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				snap := s.Snapshot()
				if m, ok := snap.Get("http_req_duration"); ok && m.Count > 0 {
					_ = m.Percentile(95)
				}
			}
		}
	}()

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rec := s.Recorder(id, nil)
			for i := 0; i < 500; i++ {
				_ = rec.RecordDuration("http_req_duration", time.Duration(i)*time.Millisecond, nil)
			}
		}(w)
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
	s.Close(output.RunStatus{})

	m, ok := s.Snapshot().Get("http_req_duration")
	require.True(t, ok)
	assert.Equal(t, int64(8*500), m.Count)
}

func TestStream_RateUnderConcurrentWriters(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		workers := rapid.IntRange(1, 16).Draw(t, "workers")
		perWorker := rapid.SliceOfN(rapid.Bool(), 1, 200).Draw(t, "values")

		s := NewStream(nil, Options{FlushInterval: time.Millisecond})
		if err := s.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}

		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				rec := s.Recorder(id, nil)
				for _, v := range perWorker {
					_ = rec.RecordBool("checks", v, nil)
				}
			}(w)
		}
		wg.Wait()
		s.Close(output.RunStatus{})

		trues := 0
		for _, v := range perWorker {
			if v {
				trues++
			}
		}
		want := float64(trues*workers) / float64(len(perWorker)*workers)

		m, ok := s.Snapshot().Get("checks")
		if !ok {
			t.Fatalf("checks metric missing")
		}
		if m.Count != int64(len(perWorker)*workers) {
			t.Fatalf("count = %d, want %d", m.Count, len(perWorker)*workers)
		}
		if m.Rate() != want {
			t.Fatalf("rate = %v, want %v", m.Rate(), want)
		}
	})
}

func TestParseMetricKey(t *testing.T) {
	name, tags, err := ParseMetricKey("http_req_duration{name:CreateWallet}")
	require.NoError(t, err)
	assert.Equal(t, "http_req_duration", name)
	assert.Equal(t, map[string]string{"name": "CreateWallet"}, tags)

	name, tags, err = ParseMetricKey(`checks{check:"login token present", group : auth}`)
	require.NoError(t, err)
	assert.Equal(t, "checks", name)
	assert.Equal(t, "login token present", tags["check"])
	assert.Equal(t, "auth", tags["group"])

	name, tags, err = ParseMetricKey("errors")
	require.NoError(t, err)
	assert.Equal(t, "errors", name)
	assert.Nil(t, tags)

	for _, bad := range []string{"", "{name:x}", "http_reqs{name}", "http_reqs{name:x"} {
		_, _, err := ParseMetricKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestSubmetricKey_SortsTags(t *testing.T) {
	assert.Equal(t, "m{a:1,b:2}", SubmetricKey("m", map[string]string{"b": "2", "a": "1"}))
	assert.Equal(t, "m", SubmetricKey("m", nil))
}
