package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/load-engine/internal/metrics/engine"
	"yqhp/load-engine/pkg/metrics"
)

func newRecordingClient(t *testing.T, opts Options) (*Client, *engine.Stream) {
	t.Helper()
	stream := engine.NewStream(nil, engine.Options{})
	c, err := New(opts)
	require.NoError(t, err)
	return c.WithRecorder(stream.Recorder(0, nil)), stream
}

func TestClient_RecordsSuccessfulRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/wallets", r.URL.Path)
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"w-1"}}`))
	}))
	defer srv.Close()

	c, stream := newRecordingClient(t, Options{
		BaseURL: srv.URL + "/",
		Headers: map[string]string{"Authorization": "Bearer abc"},
	})

	resp := c.Post(context.Background(), "/api/v1/wallets", []byte(`{"name":"cash"}`),
		&Params{Tags: map[string]string{"name": "CreateWallet"}})
	require.NoError(t, resp.Error)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.False(t, resp.Failed())
	assert.True(t, resp.OK())
	assert.Equal(t, srv.URL+"/api/v1/wallets", resp.URL)

	stream.Flush()
	snap := stream.Snapshot()

	reqs, ok := snap.Get(metrics.HTTPReqsName)
	require.True(t, ok)
	assert.Equal(t, 1.0, reqs.Sum)

	failed, ok := snap.Get(metrics.HTTPReqFailedName)
	require.True(t, ok)
	assert.Equal(t, 0.0, failed.Rate())

	dur, ok := snap.Get("http_req_duration{name:CreateWallet}")
	require.True(t, ok)
	assert.Equal(t, int64(1), dur.Count)

	sent, ok := snap.Get(metrics.DataSentName)
	require.True(t, ok)
	assert.Greater(t, sent.Sum, float64(len(`{"name":"cash"}`)))

	received, ok := snap.Get(metrics.DataReceivedName)
	require.True(t, ok)
	assert.Greater(t, received.Sum, float64(len(`{"data":{"id":"w-1"}}`)))
}

func TestClient_ServerErrorIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, stream := newRecordingClient(t, Options{BaseURL: srv.URL})
	for i := 0; i < 4; i++ {
		resp := c.Get(context.Background(), "/x", nil)
		assert.NoError(t, resp.Error)
		assert.False(t, resp.NetworkError)
		assert.Equal(t, 500, resp.Status)
		assert.True(t, resp.Failed())
	}

	stream.Flush()
	failed, ok := stream.Snapshot().Get(metrics.HTTPReqFailedName)
	require.True(t, ok)
	assert.Equal(t, 1.0, failed.Rate())
	assert.Equal(t, int64(4), failed.Count)

	byStatus, ok := stream.Snapshot().Get(metrics.HTTPReqsName)
	require.True(t, ok)
	assert.Equal(t, 4.0, byStatus.Sum)
}

func TestClient_NetworkErrorIsRecorded(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, stream := newRecordingClient(t, Options{Timeout: time.Second})
	resp := c.Get(context.Background(), "http://"+addr+"/health", nil)

	assert.True(t, resp.NetworkError)
	assert.Equal(t, 0, resp.Status)
	assert.Error(t, resp.Error)
	assert.True(t, resp.Failed())

	stream.Flush()
	reqs, ok := stream.Snapshot().Get(metrics.HTTPReqsName)
	require.True(t, ok)
	assert.Equal(t, 1.0, reqs.Sum)
	failed, _ := stream.Snapshot().Get(metrics.HTTPReqFailedName)
	assert.Equal(t, 1.0, failed.Rate())
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	defer close(release)

	c, _ := newRecordingClient(t, Options{BaseURL: srv.URL})
	begin := time.Now()
	resp := c.Get(context.Background(), "/slow", &Params{Timeout: 50 * time.Millisecond})

	assert.Less(t, time.Since(begin), time.Second)
	assert.True(t, resp.TimedOut)
	assert.True(t, resp.NetworkError)
	assert.Equal(t, 0, resp.Status)
}

func TestClient_ContextDeadlineBoundsRequest(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c, _ := newRecordingClient(t, Options{BaseURL: srv.URL})
	begin := time.Now()
	resp := c.Get(ctx, "/slow", nil)

	assert.Less(t, time.Since(begin), time.Second)
	assert.True(t, resp.NetworkError)
	assert.ErrorIs(t, resp.Error, context.DeadlineExceeded)
	// 请求返回时 ctx 必须已经结束，调用方不会再发下一步
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

// expiredContext 的 deadline 已过，但 Err 仍返回 nil，模拟 timer 尚未触发
type expiredContext struct {
	context.Context
}

func (expiredContext) Deadline() (time.Time, bool) {
	return time.Now().Add(-time.Millisecond), true
}

func TestClient_ExpiredDeadlineIsNotSent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c, stream := newRecordingClient(t, Options{BaseURL: srv.URL})
	resp := c.Get(expiredContext{context.Background()}, "/late", nil)

	assert.ErrorIs(t, resp.Error, context.DeadlineExceeded)
	assert.True(t, resp.Failed())
	assert.Equal(t, int32(0), hits.Load())

	stream.Flush()
	reqs, ok := stream.Snapshot().Get(metrics.HTTPReqsName)
	require.True(t, ok)
	assert.Equal(t, 1.0, reqs.Sum)
}

func TestClient_CancelledContextIsNotSentButRecorded(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, stream := newRecordingClient(t, Options{BaseURL: srv.URL})
	resp := c.Get(ctx, "/never", &Params{Tags: map[string]string{"name": "Never"}})

	assert.ErrorIs(t, resp.Error, context.Canceled)
	assert.True(t, resp.Failed())
	assert.Equal(t, int32(0), hits.Load())

	stream.Flush()
	failed, ok := stream.Snapshot().Get(metrics.HTTPReqFailedName)
	require.True(t, ok)
	assert.Equal(t, int64(1), failed.Count)
	assert.Equal(t, 1.0, failed.Rate())
}

func TestClient_RPSLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL, RPS: 20})
	require.NoError(t, err)

	begin := time.Now()
	for i := 0; i < 30; i++ {
		require.NoError(t, c.Get(context.Background(), "/", nil).Error)
	}
	// burst of 20, then 10 more at 20/s
	assert.GreaterOrEqual(t, time.Since(begin), 400*time.Millisecond)
}

func TestClient_ResolveURL(t *testing.T) {
	c, err := New(Options{BaseURL: "http://localhost:3000/"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", c.BaseURL())
	assert.Equal(t, "http://localhost:3000/api/v1/auth/login", c.resolve("/api/v1/auth/login"))
	assert.Equal(t, "http://localhost:3000/health", c.resolve("health"))
	assert.Equal(t, "https://other/x", c.resolve("https://other/x"))

	_, err = New(Options{BaseURL: "localhost:3000"})
	assert.Error(t, err)
}

func TestClient_WithoutRecorder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, err := New(Options{})
	require.NoError(t, err)
	resp := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, resp.Error)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, srv.URL, resp.Name)
}
