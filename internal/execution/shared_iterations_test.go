package execution

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSharedIterationsMode_Run_InvalidConfig(t *testing.T) {
	assert.ErrorIs(t, NewSharedIterationsMode().Run(context.Background(),
		&ModeConfig{VUs: 1, IterationFunc: noopIteration}), ErrInvalidIterations)
	assert.ErrorIs(t, NewSharedIterationsMode().Run(context.Background(),
		&ModeConfig{Iterations: 1, IterationFunc: noopIteration}), ErrInvalidVUs)
}

func TestSharedIterationsMode_ExactTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		vus := rapid.IntRange(1, 8).Draw(t, "vus")
		iterations := rapid.IntRange(1, 60).Draw(t, "iterations")

		var calls atomic.Int32
		var started atomic.Int32
		mode := NewSharedIterationsMode()
		config := &ModeConfig{
			VUs:        vus,
			Iterations: iterations,
			IterationFunc: func(ctx context.Context, vuID int, iteration int) error {
				calls.Add(1)
				return nil
			},
			OnVUStart: func(int) { started.Add(1) },
		}
		if err := mode.Run(context.Background(), config); err != nil {
			t.Fatalf("run: %v", err)
		}
		if int(calls.Load()) != iterations {
			t.Fatalf("calls = %d, want %d", calls.Load(), iterations)
		}
		if int(started.Load()) > iterations {
			t.Fatalf("started %d VUs for %d iterations", started.Load(), iterations)
		}
	})
}

func TestSharedIterationsMode_MaxDuration(t *testing.T) {
	mode := NewSharedIterationsMode()
	config := &ModeConfig{
		VUs:        2,
		Iterations: 1_000_000,
		Duration:   80 * time.Millisecond,
		IterationFunc: func(ctx context.Context, vuID int, iteration int) error {
			select {
			case <-time.After(time.Millisecond):
			case <-ctx.Done():
			}
			return nil
		},
	}

	begin := time.Now()
	require.NoError(t, mode.Run(context.Background(), config))
	assert.Less(t, time.Since(begin), 2*time.Second)
	assert.Less(t, mode.GetState().CompletedIterations, int64(1_000_000))
}
