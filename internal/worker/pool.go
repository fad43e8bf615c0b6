package worker

import (
	"context"
	"sync"
)

// Job represents a unit of work to be executed
type Job interface {
	Execute(ctx context.Context) Result
}

// Result represents the result of a job execution
type Result interface {
	GetError() error
}

type slot struct {
	index int
	job   Job
}

// Pool runs a bounded batch of jobs concurrently and returns results in
// submission order. Submit and Wait are called from one goroutine.
type Pool struct {
	workers int
	jobs    chan slot
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	results []Result
}

// NewPool creates a new worker pool bound to ctx
func NewPool(ctx context.Context, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Pool{
		workers: workers,
		jobs:    make(chan slot, workers),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start starts the worker goroutines
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case s, ok := <-p.jobs:
			if !ok {
				return
			}
			r := s.job.Execute(p.ctx)
			p.mu.Lock()
			p.results[s.index] = r
			p.mu.Unlock()
		}
	}
}

// Submit queues a job; it returns false once the pool is cancelled
func (p *Pool) Submit(job Job) bool {
	if p.ctx.Err() != nil {
		return false
	}
	p.mu.Lock()
	index := len(p.results)
	p.results = append(p.results, nil)
	p.mu.Unlock()

	select {
	case p.jobs <- slot{index: index, job: job}:
		return true
	case <-p.ctx.Done():
		p.mu.Lock()
		p.results = p.results[:index]
		p.mu.Unlock()
		return false
	}
}

// Wait closes submission and returns results in submission order.
// Slots for jobs that never ran because of cancellation stay nil.
func (p *Pool) Wait() []Result {
	close(p.jobs)
	p.wg.Wait()
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Result, len(p.results))
	copy(out, p.results)
	return out
}

// Shutdown cancels outstanding jobs and waits for workers to exit
func (p *Pool) Shutdown() {
	p.cancel()
	p.wg.Wait()
}
