package workerpool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitRunsJobs(t *testing.T) {
	p := New("test", 4, 16)
	defer p.Shutdown()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int]bool{}

	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			mu.Lock()
			seen[i] = true
			mu.Unlock()
		}))
	}

	wg.Wait()
	require.Len(t, seen, 10)
}

func TestSubmitAfterShutdownReturnsErrClosed(t *testing.T) {
	p := New("test", 1, 1)
	p.Shutdown()

	ran := false
	err := p.Submit(func() { ran = true })
	require.ErrorIs(t, err, ErrClosed)
	require.False(t, ran, "caller, not Submit, is responsible for running the job inline on ErrClosed")
}

func TestShutdownWaitsForInFlightJobs(t *testing.T) {
	p := New("test", 1, 1)

	started := make(chan struct{})
	finished := make(chan struct{})
	require.NoError(t, p.Submit(func() {
		close(started)
		time.Sleep(20 * time.Millisecond)
		close(finished)
	}))

	<-started
	p.Shutdown()

	select {
	case <-finished:
	default:
		t.Fatal("Shutdown returned before in-flight job finished")
	}
}
