// Package workerpool is a small fixed-size worker pool, generalized from
// friggdb's block-find fan-out pool to a plain func() job shape. kcvlog uses
// it for per-message reader dispatch jobs; pullers do not run on it, each
// runs on its own goroutine.
package workerpool

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

var metricQueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "kcvlog",
	Name:      "worker_pool_queue_length",
	Help:      "Current number of queued jobs, by pool name.",
}, []string{"pool"})

// ErrClosed is returned by Submit once the pool is shutting down or has
// shut down; callers that must not silently drop the job (spec.md §9's
// "rejected-task inlining" requirement) run it inline themselves on Submit
// returning ErrClosed.
var ErrClosed = errors.New("workerpool: pool is closed")

type job struct {
	fn func()
}

// Pool runs submitted jobs on a fixed number of background workers.
type Pool struct {
	name string
	jobs chan job

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	size atomic.Int32
}

// New starts a Pool with numWorkers goroutines draining a queue of depth
// queueDepth.
func New(name string, numWorkers, queueDepth int) *Pool {
	p := &Pool{
		name: name,
		jobs: make(chan job, queueDepth),
	}
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.size.Dec()
		metricQueueLength.WithLabelValues(p.name).Set(float64(p.size.Load()))
		j.fn()
	}
}

// Submit enqueues fn for execution by a worker. It returns ErrClosed
// without running fn if the pool has started shutting down; the caller is
// expected to run fn inline in that case.
func (p *Pool) Submit(fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	// hold the lock across the send so Shutdown can't close the channel
	// concurrently with a send on it.
	select {
	case p.jobs <- job{fn: fn}:
		p.size.Inc()
		metricQueueLength.WithLabelValues(p.name).Set(float64(p.size.Load()))
		p.mu.Unlock()
		return nil
	default:
		p.mu.Unlock()
		// queue full: run inline rather than block the caller indefinitely.
		fn()
		return nil
	}
}

// Shutdown stops accepting new jobs and waits for queued and in-flight jobs
// to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}
