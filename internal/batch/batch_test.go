package batch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelator_FirstWriteWins(t *testing.T) {
	c := New()
	c.Set("A")
	c.Set("B")
	assert.Equal(t, "A", c.Get())
}

func TestCorrelator_LazyGenerate(t *testing.T) {
	c := New()
	assert.Empty(t, c.Peek())
	id := c.Get()
	require.NotEmpty(t, id)
	assert.Equal(t, id, c.Get())

	c.Set("late")
	assert.Equal(t, id, c.Get(), "generated id counts as the first write")
}

func TestCorrelator_Clear(t *testing.T) {
	c := New()
	c.Set("A")
	c.Clear()
	assert.Empty(t, c.Peek())
	c.Set("B")
	assert.Equal(t, "B", c.Get())
}

func TestCorrelator_ConcurrentGet(t *testing.T) {
	c := New()
	ids := make([]string, 32)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = c.Get()
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestStart_ReusesOuterCorrelator(t *testing.T) {
	ctx, outer := Start(context.Background())
	inner, c := Start(ctx)
	assert.Same(t, outer, c)
	assert.Equal(t, ID(ctx), ID(inner))
}

func TestID_WithoutCorrelator(t *testing.T) {
	a := ID(context.Background())
	b := ID(context.Background())
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
