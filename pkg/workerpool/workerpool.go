// Package workerpool implements the bounded worker pool and FIFO task
// queue described in spec.md §4.3: a fixed number of workers servicing
// accepted client sockets off a single queue, plus an independent
// concurrency-limit semaphore that caps in-flight requests regardless of
// worker count.
//
// Grounded on the channel-based worker pool in
// _examples/hemzaz-freightliner/pkg/replication/worker_pool.go (fixed
// worker count draining a task channel) and the
// golang.org/x/sync/semaphore.Weighted bulkhead pattern in
// _examples/hemzaz-freightliner/pkg/resilience/bulkhead.go. Unlike the
// freightliner worker pool, Submit here rejects outright when the queue
// is full or the pool has shut down (spec.md §4.3), rather than falling
// back to synchronous execution.
package workerpool

import (
	"context"
	"net"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Handler processes one accepted client connection. It owns conn for the
// duration of the call and must close it before returning.
type Handler func(ctx context.Context, conn net.Conn)

// Metrics is the subset of counters the pool reports.
type Metrics interface {
	QueueDepth(n int)
	InFlight(n int)
	SubmitRejected()
}

type noopMetrics struct{}

func (noopMetrics) QueueDepth(int)  {}
func (noopMetrics) InFlight(int)    {}
func (noopMetrics) SubmitRejected() {}

// Pool is a fixed-size worker pool draining a bounded FIFO task queue.
type Pool struct {
	tasks   chan net.Conn
	sem     *semaphore.Weighted
	handler Handler
	metrics Metrics

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	workers int
}

// New builds a Pool with the given worker count, task queue capacity,
// and independent in-flight concurrency limit. handler runs once per
// dequeued connection; it must close the connection.
func New(workers, queueCapacity, maxInFlight int, handler Handler, metrics Metrics) *Pool {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	p := &Pool{
		tasks:   make(chan net.Conn, queueCapacity),
		sem:     semaphore.NewWeighted(int64(maxInFlight)),
		handler: handler,
		metrics: metrics,
		group:   group,
		ctx:     gctx,
		cancel:  cancel,
		workers: workers,
	}

	for i := 0; i < workers; i++ {
		group.Go(p.workerLoop)
	}
	return p
}

// Submit enqueues conn in FIFO order. Returns false if the queue is at
// capacity or the pool has shut down; in that case the caller must close
// conn (spec.md §4.3).
func (p *Pool) Submit(conn net.Conn) bool {
	select {
	case <-p.ctx.Done():
		p.metrics.SubmitRejected()
		return false
	default:
	}

	select {
	case p.tasks <- conn:
		p.metrics.QueueDepth(len(p.tasks))
		return true
	default:
		p.metrics.SubmitRejected()
		return false
	}
}

// workerLoop is one worker: dequeue, acquire the in-flight semaphore,
// run the handler, release, repeat until shutdown with an empty queue.
func (p *Pool) workerLoop() error {
	for {
		select {
		case conn, ok := <-p.tasks:
			if !ok {
				return nil
			}
			p.metrics.QueueDepth(len(p.tasks))
			p.runOne(conn)
		case <-p.ctx.Done():
			// Drain whatever remains without blocking, closing each
			// socket rather than servicing it (spec.md §4.3 shutdown).
			for {
				select {
				case conn, ok := <-p.tasks:
					if !ok {
						return nil
					}
					_ = conn.Close()
				default:
					return nil
				}
			}
		}
	}
}

func (p *Pool) runOne(conn net.Conn) {
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		// Context cancelled while waiting for an in-flight slot; the
		// connection was never serviced.
		_ = conn.Close()
		return
	}
	p.metrics.InFlight(1)
	defer func() {
		p.sem.Release(1)
		p.metrics.InFlight(-1)
		// A handler panic must not take down the whole worker loop —
		// one request's defect must not perturb another (spec.md §7).
		if r := recover(); r != nil {
			_ = conn.Close()
		}
	}()
	p.handler(p.ctx, conn)
}

// Shutdown signals all workers to stop accepting new tasks, closes any
// tasks still queued, and waits for in-flight tasks to finish.
func (p *Pool) Shutdown() {
	p.cancel()
	_ = p.group.Wait()

	close(p.tasks)
	for conn := range p.tasks {
		_ = conn.Close()
	}
}
