// ============================================================================
// edinet-harvest Worker Pool - concurrent document processing
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Runs a fixed number of worker goroutines over candidate files
//
// Design:
//   Classic worker pool:
//   1. N worker goroutines pull from a shared buffered task channel
//   2. each task is handed to the Handler (parse + assemble one document)
//   3. results come back on a buffered result channel
//
//   ┌─────────────┐
//   │  Assembler  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//    ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool(buffer, handler)
//   2. Start(n)         launch n workers
//   3. Submit(task)     enqueue work
//   4. ReceiveResult()  read one result
//   5. Stop()           close the task channel and wait for workers
//
//   Process() wraps the whole lifecycle for a finite batch and returns only
//   once every task has reported, which makes it a full join.
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
)

var (
	// ErrPoolClosed is returned when submitting to or reading from a stopped pool
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned when submitting before Start
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool manages a set of concurrent workers.
type Pool struct {
	handle   Handler
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex // guards started, stopped and workers
}

// NewPool creates a pool whose task and result channels hold bufferSize items.
func NewPool(bufferSize int, handle Handler) *Pool {
	return &Pool{
		handle:   handle,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.handle, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit enqueues a task, blocking while the task buffer is full.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	// Holding mu keeps Stop from closing taskCh mid-send. Workers never take
	// mu, so a full buffer drains as long as results are being received.
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult returns the next result, or ErrPoolClosed once the pool stops.
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop closes the task channel and waits for every worker to exit.
// Results not yet received are discarded.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// Process runs tasks through a fresh pool of workerCount workers and returns
// one result per task, in completion order.
func Process(tasks []Task, workerCount int, handle Handler) []Result {
	if len(tasks) == 0 {
		return nil
	}

	p := NewPool(workerCount, handle)
	if err := p.Start(workerCount); err != nil {
		return nil
	}
	defer p.Stop()

	go func() {
		for _, t := range tasks {
			if err := p.Submit(t); err != nil {
				return
			}
		}
	}()

	results := make([]Result, 0, len(tasks))
	for range tasks {
		r, err := p.ReceiveResult()
		if err != nil {
			break
		}
		results = append(results, r)
	}
	return results
}
