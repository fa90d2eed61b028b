package processing

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedPreservesSubmissionOrder(t *testing.T) {
	var delivered []int
	pool := NewOrdered(context.Background(), 4,
		func(ctx context.Context, n int) int {
			time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
			return n
		},
		func(n int) error {
			delivered = append(delivered, n)
			return nil
		},
	)

	for i := 1; i <= 50; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Wait())

	require.Len(t, delivered, 50)
	for i, n := range delivered {
		assert.Equal(t, i+1, n)
	}
}

func TestOrderedBoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	pool := NewOrdered(context.Background(), 2,
		func(ctx context.Context, n int) int {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return n
		},
		func(int) error { return nil },
	)

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Wait())
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestOrderedStopsOnDeliverError(t *testing.T) {
	errDone := errors.New("done")
	var delivered []int
	var cancelled int32

	pool := NewOrdered(context.Background(), 3,
		func(ctx context.Context, n int) int {
			if n > 3 {
				select {
				case <-ctx.Done():
					atomic.AddInt32(&cancelled, 1)
				case <-time.After(time.Second):
				}
			}
			return n
		},
		func(n int) error {
			delivered = append(delivered, n)
			if n == 3 {
				return errDone
			}
			return nil
		},
	)

	var submitErr error
	for i := 1; i <= 10; i++ {
		if submitErr = pool.Submit(i); submitErr != nil {
			break
		}
	}

	assert.ErrorIs(t, pool.Wait(), errDone)
	assert.Equal(t, []int{1, 2, 3}, delivered)
	if submitErr != nil {
		assert.ErrorIs(t, submitErr, errDone)
	}
}

func TestOrderedSequentialWithOneWorker(t *testing.T) {
	var inFlight int32
	var order []int
	pool := NewOrdered(context.Background(), 1,
		func(ctx context.Context, n int) int {
			assert.Equal(t, int32(1), atomic.AddInt32(&inFlight, 1))
			defer atomic.AddInt32(&inFlight, -1)
			return n
		},
		func(n int) error {
			order = append(order, n)
			return nil
		},
	)
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Wait())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestOrderedRecoversPanic(t *testing.T) {
	pool := NewOrdered(context.Background(), 2,
		func(ctx context.Context, n int) int {
			if n == 2 {
				panic("bad frame")
			}
			return n
		},
		func(int) error { return nil },
	)
	for i := 1; i <= 3; i++ {
		_ = pool.Submit(i)
	}

	err := pool.Wait()
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "bad frame", perr.Value)
}
