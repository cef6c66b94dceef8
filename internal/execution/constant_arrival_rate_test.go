package execution

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstantArrivalRateMode_Run_InvalidConfig(t *testing.T) {
	assert.ErrorIs(t, NewConstantArrivalRateMode().Run(context.Background(),
		&ModeConfig{Duration: time.Second, IterationFunc: noopIteration}), ErrInvalidRate)
	assert.ErrorIs(t, NewConstantArrivalRateMode().Run(context.Background(),
		&ModeConfig{Rate: 1, TimeUnit: -time.Second, Duration: time.Second, IterationFunc: noopIteration}), ErrInvalidTimeUnit)
	assert.ErrorIs(t, NewConstantArrivalRateMode().Run(context.Background(),
		&ModeConfig{Rate: 1, IterationFunc: noopIteration}), ErrInvalidDuration)
}

func TestConstantArrivalRateMode_StartsAtRate(t *testing.T) {
	mode := NewConstantArrivalRateMode()

	var calls atomic.Int32
	config := &ModeConfig{
		Rate:            50,
		TimeUnit:        time.Second,
		Duration:        400 * time.Millisecond,
		PreAllocatedVUs: 2,
		MaxVUs:          4,
		IterationFunc: func(ctx context.Context, vuID int, iteration int) error {
			calls.Add(1)
			return nil
		},
	}

	require.NoError(t, mode.Run(context.Background(), config))
	// 50/s over 0.4s is about 20 starts
	assert.InDelta(t, 20, calls.Load(), 8)
	assert.Equal(t, int64(0), mode.GetState().DroppedIterations)
	assert.InDelta(t, 50.0, mode.GetState().CurrentRate, 0.001)
}

func TestConstantArrivalRateMode_DropsWhenSaturated(t *testing.T) {
	mode := NewConstantArrivalRateMode()

	var dropped atomic.Int32
	var maxID atomic.Int32
	config := &ModeConfig{
		Rate:            100,
		TimeUnit:        time.Second,
		Duration:        300 * time.Millisecond,
		PreAllocatedVUs: 1,
		MaxVUs:          2,
		GracefulStop:    10 * time.Millisecond,
		IterationFunc: func(ctx context.Context, vuID int, iteration int) error {
			for {
				old := maxID.Load()
				if int32(vuID) <= old || maxID.CompareAndSwap(old, int32(vuID)) {
					break
				}
			}
			<-ctx.Done()
			return ctx.Err()
		},
		OnDroppedIteration: func() { dropped.Add(1) },
	}

	require.NoError(t, mode.Run(context.Background(), config))
	assert.Greater(t, dropped.Load(), int32(10))
	assert.Equal(t, int64(dropped.Load()), mode.GetState().DroppedIterations)
	assert.LessOrEqual(t, mode.GetState().MaxVUs, 2)
	assert.LessOrEqual(t, maxID.Load(), int32(1))
}
