package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConcurrencyGate_RaisesInvalidCapacity(t *testing.T) {
	assert.Equal(t, 1, NewConcurrencyGate(0).Capacity())
	assert.Equal(t, 1, NewConcurrencyGate(-3).Capacity())
	assert.Equal(t, 4, NewConcurrencyGate(4).Capacity())
}

func TestConcurrencyGate_BoundsInflight(t *testing.T) {
	const capacity = 2
	const workers = 24

	gate := NewConcurrencyGate(capacity)
	var inflight atomic.Int64
	var peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, gate.Acquire(context.Background()))
			defer gate.Release()

			n := inflight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inflight.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(capacity),
		"in-flight work exceeded gate capacity")
}

func TestConcurrencyGate_AcquireHonorsContext(t *testing.T) {
	gate := NewConcurrencyGate(1)
	require.NoError(t, gate.Acquire(context.Background()))
	defer gate.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := gate.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
