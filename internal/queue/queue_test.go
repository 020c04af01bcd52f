package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueue_RunsTask(t *testing.T) {
	q := New(Config{})
	defer q.Stop(context.Background())

	done := make(chan struct{})
	require.NoError(t, q.Enqueue(Task{Name: "ok", Run: func(context.Context) error {
		close(done)
		return nil
	}}, 0))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestEnqueue_HonoursDelay(t *testing.T) {
	q := New(Config{})
	defer q.Stop(context.Background())

	start := time.Now()
	ran := make(chan time.Time, 1)
	require.NoError(t, q.Enqueue(Task{Name: "later", Run: func(context.Context) error {
		ran <- time.Now()
		return nil
	}}, 150*time.Millisecond))

	select {
	case at := <-ran:
		assert.GreaterOrEqual(t, at.Sub(start), 150*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task did not run")
	}
}

func TestRun_RetriesUpToMaxAttempts(t *testing.T) {
	q := New(Config{MaxAttempts: 3, RetryDelay: 10 * time.Millisecond})
	defer q.Stop(context.Background())

	var calls atomic.Int32
	require.NoError(t, q.Enqueue(Task{Name: "flaky", Run: func(context.Context) error {
		calls.Add(1)
		return errors.New("collector down")
	}}, 0))

	assert.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 0, q.Len())
}

func TestRun_RecoversPanics(t *testing.T) {
	q := New(Config{})
	defer q.Stop(context.Background())

	var after atomic.Bool
	require.NoError(t, q.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("boom") }}, 0))
	require.NoError(t, q.Enqueue(Task{Name: "after", Run: func(context.Context) error {
		after.Store(true)
		return nil
	}}, 0))

	assert.Eventually(t, after.Load, 2*time.Second, 5*time.Millisecond)
}

func TestStop_DrainsDelayedTasks(t *testing.T) {
	q := New(Config{})

	var ran atomic.Bool
	require.NoError(t, q.Enqueue(Task{Name: "far", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))
	assert.True(t, ran.Load())

	err := q.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, q.Stop(ctx))
}

func TestEnqueue_Full(t *testing.T) {
	q := New(Config{Capacity: 1})
	defer q.Stop(context.Background())

	noop := Task{Name: "noop", Run: func(context.Context) error { return nil }}
	require.NoError(t, q.Enqueue(noop, time.Hour))
	assert.ErrorIs(t, q.Enqueue(noop, time.Hour), ErrFull)
	assert.Error(t, q.Enqueue(Task{Name: "empty"}, 0))
}
