package orchestrator

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsSubmittedTasks(t *testing.T) {
	p := newWorkerPool(3, 8)
	defer p.Close()

	var count int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		ok := p.Submit(func() {
			defer wg.Done()
			atomic.AddInt32(&count, 1)
		})
		require.True(t, ok)
	}
	wg.Wait()
	assert.Equal(t, int32(20), atomic.LoadInt32(&count))
}

func TestWorkerPoolCloseWaitsForInFlight(t *testing.T) {
	p := newWorkerPool(1, 4)

	var done int32
	ok := p.Submit(func() {
		time.Sleep(50 * time.Millisecond)
		atomic.StoreInt32(&done, 1)
	})
	require.True(t, ok)

	p.Close()
	assert.Equal(t, int32(1), atomic.LoadInt32(&done))
}

func TestWorkerPoolRejectsAfterClose(t *testing.T) {
	p := newWorkerPool(1, 4)
	p.Close()
	assert.False(t, p.Submit(func() {}))
	// Close is idempotent.
	p.Close()
}
