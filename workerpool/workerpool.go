// Package workerpool runs jobs on a bounded number of goroutines and lets the
// caller wait for every outstanding job.
package workerpool

import (
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

type Pool struct {
	workers int
	mutex   sync.Mutex
	group   *errgroup.Group
	pending int
}

// New returns a pool running at most `workers` jobs at once. Zero means one
// worker per CPU.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &Pool{workers: workers}
	p.reset()
	return p
}

func (p *Pool) reset() {
	p.group = &errgroup.Group{}
	p.group.SetLimit(p.workers)
	p.pending = 0
}

// Submit queues a job. It blocks while every worker is busy.
func (p *Pool) Submit(job func() error) {
	p.mutex.Lock()
	group := p.group
	p.pending++
	p.mutex.Unlock()

	group.Go(job)
}

// Wait blocks until every submitted job finished and returns the first error
// any of them returned. The pool is reusable afterwards.
func (p *Pool) Wait() error {
	p.mutex.Lock()
	group := p.group
	p.reset()
	p.mutex.Unlock()

	return group.Wait()
}

// Pending returns the number of jobs submitted since the last Wait.
func (p *Pool) Pending() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.pending
}

func (p *Pool) Workers() int {
	return p.workers
}
