package pipeline

import (
	"hash/fnv"
	"runtime"
	"sync"

	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/monitoring"
)

// Task is one unit of stage work.
type Task func()

// Pool is a bounded worker pool with per-key serialized dispatch.
// Tasks sharing a key land on the same worker and run in submission
// order; tasks with different keys run concurrently.
//
// Each worker owns a bounded queue. When a queue is full the oldest
// queued task is evicted to make room for the new one, so under
// sustained overload the pipeline sheds stale work rather than growing
// latency without bound.
type Pool struct {
	component string
	logger    logging.Logger

	workers []*worker
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type worker struct {
	mu    sync.Mutex
	queue []Task
	ready chan struct{}
	done  chan struct{}
}

// DefaultPoolSize sizes a pool when the configuration leaves it at 0.
func DefaultPoolSize() int {
	n := runtime.NumCPU() * 4
	if n > 32 {
		n = 32
	}
	if n < 1 {
		n = 1
	}
	return n
}

// NewPool starts size workers, each with a queue of queueSize tasks.
// component names the pool in logs and metrics.
func NewPool(component string, size, queueSize int, logger logging.Logger) *Pool {
	if size < 1 {
		size = DefaultPoolSize()
	}
	if queueSize < 1 {
		queueSize = 1024
	}
	p := &Pool{
		component: component,
		logger:    logger,
		workers:   make([]*worker, size),
	}
	for i := range p.workers {
		w := &worker{
			queue: make([]Task, 0, queueSize),
			ready: make(chan struct{}, 1),
			done:  make(chan struct{}),
		}
		p.workers[i] = w
		p.wg.Add(1)
		go p.run(w)
	}
	logger.Info("Worker pool started",
		"component", component, "workers", size, "queue_size", queueSize)
	return p
}

// Dispatch queues task on the worker owning key. Returns false if the
// pool is shut down or the task displaced an older one.
func (p *Pool) Dispatch(key string, task Task) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	w := p.workers[h.Sum32()%uint32(len(p.workers))]

	evicted := false
	w.mu.Lock()
	if len(w.queue) == cap(w.queue) {
		// Drop the oldest queued task to keep the newest.
		copy(w.queue, w.queue[1:])
		w.queue = w.queue[:len(w.queue)-1]
		evicted = true
	}
	w.queue = append(w.queue, task)
	w.mu.Unlock()

	select {
	case w.ready <- struct{}{}:
	default:
	}

	if evicted {
		monitoring.RecordQueueOverflow(p.component)
		p.logger.Warn("Worker queue full; dropped oldest task",
			"component", p.component, "key", key)
	}
	return !evicted
}

func (p *Pool) run(w *worker) {
	defer p.wg.Done()
	for {
		w.mu.Lock()
		var task Task
		if len(w.queue) > 0 {
			task = w.queue[0]
			copy(w.queue, w.queue[1:])
			w.queue = w.queue[:len(w.queue)-1]
		}
		w.mu.Unlock()

		if task != nil {
			task()
			continue
		}

		select {
		case <-w.ready:
		case <-w.done:
			// Drain remaining tasks before exiting.
			w.mu.Lock()
			remaining := w.queue
			w.queue = nil
			w.mu.Unlock()
			for _, t := range remaining {
				t()
			}
			return
		}
	}
}

// Shutdown stops accepting tasks, drains the queues and waits for all
// workers to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, w := range p.workers {
		close(w.done)
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped", "component", p.component)
}
