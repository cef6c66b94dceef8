package output

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/load-engine/pkg/metrics"
)

type fakeOutput struct {
	SampleBuffer
	startErr error
	stopErr  error

	mu      sync.Mutex
	started bool
	stopped bool
	status  RunStatus
}

func (f *fakeOutput) Description() string { return "fake" }

func (f *fakeOutput) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeOutput) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return f.stopErr
}

func (f *fakeOutput) SetRunStatus(s RunStatus) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func TestManager_DispatchesEverySample(t *testing.T) {
	a, b := &fakeOutput{}, &fakeOutput{stopErr: errors.New("flush failed")}
	ch := NewSamplesChannel(0)
	finish, err := NewManager([]Output{a, b}, nil).Start(ch)
	require.NoError(t, err)

	m := &metrics.Metric{Name: "http_reqs", Type: metrics.Counter}
	for i := 0; i < 250; i++ {
		ch <- metrics.Samples{{Metric: m, Time: time.Now(), Value: 1}}
	}
	close(ch)
	finish(RunStatus{Iterations: 7})
	finish(RunStatus{})

	for _, out := range []*fakeOutput{a, b} {
		assert.Len(t, out.GetBufferedSamples(), 250)
		assert.True(t, out.stopped)
		assert.Equal(t, "completed", out.status.Status)
		assert.Equal(t, int64(7), out.status.Iterations)
	}
}

func TestManager_StartFailureStopsStarted(t *testing.T) {
	a := &fakeOutput{}
	b := &fakeOutput{startErr: errors.New("connection refused")}

	_, err := NewManager([]Output{a, b}, nil).Start(NewSamplesChannel(1))
	require.Error(t, err)
	assert.True(t, a.started)
	assert.True(t, a.stopped)
	assert.False(t, b.stopped)
}

func TestManager_FailedStatus(t *testing.T) {
	a := &fakeOutput{}
	ch := NewSamplesChannel(1)
	finish, err := NewManager([]Output{a}, nil).Start(ch)
	require.NoError(t, err)
	close(ch)
	finish(RunStatus{Error: errors.New("boom")})
	assert.Equal(t, "failed", a.status.Status)
}

func TestManager_StopOutputsStopsAllAndReportsError(t *testing.T) {
	flushErr := errors.New("flush failed")
	a, b, c := &fakeOutput{}, &fakeOutput{stopErr: flushErr}, &fakeOutput{}
	m := NewManager([]Output{a, b, c}, nil)

	err := m.stopOutputs(RunStatus{Status: "aborted"})
	require.Error(t, err)
	assert.ErrorIs(t, err, flushErr)
	for _, out := range []*fakeOutput{a, b, c} {
		assert.True(t, out.stopped)
		assert.Equal(t, "aborted", out.status.Status)
	}

	assert.NoError(t, NewManager([]Output{&fakeOutput{}}, nil).stopOutputs(RunStatus{}))
}
