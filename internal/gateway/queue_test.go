package gateway

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFOAcrossGrowth(t *testing.T) {
	q := newQueue[int](2)

	// Wrap the ring before it grows.
	q.push(1)
	q.push(2)
	v, _ := q.pop()
	assert.Equal(t, 1, v)
	for i := 3; i <= 10; i++ {
		require.True(t, q.push(i))
	}

	for want := 2; want <= 10; want++ {
		got, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	st := q.stats()
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, int64(10), st.Pushed)
	assert.Equal(t, int64(10), st.Popped)
	assert.Equal(t, 9, st.Peak)
	assert.Greater(t, st.Grows, 0)
}

func TestQueue_CloseDrains(t *testing.T) {
	q := newQueue[string](4)
	q.push("a")
	q.push("b")
	q.close()

	assert.False(t, q.push("c"))

	v, ok := q.pop()
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	v, ok = q.pop()
	assert.True(t, ok)
	assert.Equal(t, "b", v)
	_, ok = q.pop()
	assert.False(t, ok)
}

func TestQueue_PopWaitsForPush(t *testing.T) {
	q := newQueue[int](1)

	var wg sync.WaitGroup
	var got []int
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			v, ok := q.pop()
			if !ok {
				return
			}
			got = append(got, v)
		}
	}()

	for i := 0; i < 100; i++ {
		q.push(i)
	}
	q.close()
	wg.Wait()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}
