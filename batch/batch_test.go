package batch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchProcessor_SeedScenario2_WindowFlush(t *testing.T) {
	// Seed scenario 2: window=20ms, 3 adds within the window share one
	// batch call and get positional results back.
	var calls int
	var seen [][]int
	var mu sync.Mutex
	p := New[int, int](func(reqs []int) ([]int, error) {
		mu.Lock()
		calls++
		cp := append([]int(nil), reqs...)
		seen = append(seen, cp)
		mu.Unlock()
		out := make([]int, len(reqs))
		for i, r := range reqs {
			out[i] = r * 10
		}
		return out, nil
	}, Config{Window: 20 * time.Millisecond, MaxSize: 10})

	var wg sync.WaitGroup
	results := make([]int, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := p.Add(i + 1)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.ElementsMatch(t, []int{10, 20, 30}, results)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.TotalBatches)
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, 3, stats.LargestBatchSize)
	assert.Equal(t, 3, stats.SmallestBatchSize)
	assert.InDelta(t, 3.0, stats.AverageBatchSize(), 0.0001)
}

func TestBatchProcessor_SeedScenario3_LengthMismatch(t *testing.T) {
	// Seed scenario 3: fn returns 1 result for a batch of 3 requests; every
	// caller fails with a length-mismatch error.
	p := New[int, int](func(reqs []int) ([]int, error) {
		return []int{1}, nil
	}, Config{Window: 20 * time.Millisecond, MaxSize: 10})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Add(i)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		assert.Contains(t, err.Error(), "batch processor returned 1 results but expected 3")
	}
}

func TestBatchProcessor_MaxSizeFlushesImmediately(t *testing.T) {
	var calls int
	var mu sync.Mutex
	p := New[int, int](func(reqs []int) ([]int, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return reqs, nil
	}, Config{Window: time.Hour, MaxSize: 2})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Add(i)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestBatchProcessor_FnError_FailsWholeBatch(t *testing.T) {
	boom := errors.New("boom")
	p := New[int, int](func(reqs []int) ([]int, error) {
		return nil, boom
	}, Config{Window: 10 * time.Millisecond, MaxSize: 10})

	_, err := p.Add(1)
	assert.ErrorIs(t, err, boom)
}

func TestBatchProcessor_Clear(t *testing.T) {
	p := New[int, int](func(reqs []int) ([]int, error) {
		return reqs, nil
	}, Config{Window: time.Hour, MaxSize: 10})

	done := make(chan error, 1)
	go func() {
		_, err := p.Add(1)
		done <- err
	}()

	// Give Add time to enqueue before clearing.
	time.Sleep(10 * time.Millisecond)
	p.Clear(nil)

	err := <-done
	assert.ErrorIs(t, err, ErrCleared)
}

func TestBatchProcessor_Flush(t *testing.T) {
	p := New[int, int](func(reqs []int) ([]int, error) {
		return reqs, nil
	}, Config{Window: time.Hour, MaxSize: 10})

	done := make(chan error, 1)
	go func() {
		_, err := p.Add(1)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	n := p.Flush()
	assert.Equal(t, 1, n)
	assert.NoError(t, <-done)
}
