package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := New(nil)
	defer cq.Close()

	executed := false
	err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) error {
		executed = true
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, executed)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New(nil)
	defer cq.Close()

	expectedErr := errors.New("task failed")
	err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) error {
		return expectedErr
	})

	assert.ErrorIs(t, err, expectedErr)
}

func TestCommandQueue_SerialExecution(t *testing.T) {
	cq := New(nil)
	defer cq.Close()

	var running, maxRunning int32
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cq.Enqueue(context.Background(), "serial", func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				atomic.AddInt32(&running, -1)
				return nil
			})
		}(i)
	}
	wg.Wait()

	assert.Len(t, order, 5)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestCommandQueue_FIFO(t *testing.T) {
	cq := New(nil)
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cq.Enqueue(context.Background(), "fifo", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cq.Enqueue(context.Background(), "fifo", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		require.Eventually(t, func() bool { return cq.Stats("fifo").Queued == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := New(nil)
	defer cq.Close()

	bothRunning := make(chan struct{})
	var arrived int32
	task := func(ctx context.Context) error {
		if atomic.AddInt32(&arrived, 1) == 2 {
			close(bothRunning)
		}
		select {
		case <-bothRunning:
			return nil
		case <-time.After(time.Second):
			return errors.New("lanes did not overlap")
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, lane := range []string{"lane1", "lane2"} {
		wg.Add(1)
		go func(i int, lane string) {
			defer wg.Done()
			errs[i] = cq.Enqueue(context.Background(), lane, task)
		}(i, lane)
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
}

func TestCommandQueue_AbandonQueuedTask(t *testing.T) {
	cq := New(nil)
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cq.Enqueue(context.Background(), "lane", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := cq.Enqueue(ctx, "lane", func(ctx context.Context) error {
		ran = true
		return nil
	})
	close(release)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, cq.WaitForActive(time.Second))
	assert.False(t, ran)
	assert.Equal(t, 0, cq.Stats("lane").Queued)
}

func TestCommandQueue_CancelRunningTask(t *testing.T) {
	cq := New(nil)
	defer cq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	err := cq.Enqueue(ctx, "lane", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestCommandQueue_ClearLane(t *testing.T) {
	cq := New(nil)
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cq.Enqueue(context.Background(), "lane", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	result := make(chan error, 1)
	go func() {
		result <- cq.Enqueue(context.Background(), "lane", func(ctx context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool { return cq.Stats("lane").Queued == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, cq.ClearLane("lane"))
	assert.ErrorIs(t, <-result, ErrLaneCleared)

	stats := cq.Stats("lane")
	assert.True(t, stats.Running)
	close(release)
	assert.True(t, cq.WaitForActive(time.Second))
}

func TestCommandQueue_RemoveLane(t *testing.T) {
	cq := New(nil)
	defer cq.Close()

	require.NoError(t, cq.Enqueue(context.Background(), "gone", func(ctx context.Context) error { return nil }))
	cq.RemoveLane("gone")

	assert.Equal(t, LaneStats{}, cq.Stats("gone"))
	assert.Equal(t, 0, cq.ClearLane("gone"))
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New(nil)

	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- cq.Enqueue(context.Background(), "lane", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-started

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-result, context.Canceled)

	err := cq.Enqueue(context.Background(), "lane", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.NoError(t, cq.Close())
}
