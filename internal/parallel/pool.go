// Package parallel runs tile copy jobs on a pool of goroutines.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a pool of goroutines for tile copies.
//
// Each worker has its own queue and steals from the others when idle, so
// one slow read does not hold up the rest of a batch. Jobs accepted by the
// pool always run: Close drains the queues, and jobs handed to a closing
// pool run on the caller's goroutine.
//
// Thread safety: Pool is safe for concurrent use.
type Pool struct {
	workers int
	queues  []chan func()
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
	next    atomic.Uint32

	// senders counts enqueue calls that saw the pool running and may
	// still be handing a job to a queue.
	senders atomic.Int64
}

// NewPool creates a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	queueSize := max(workers*4, 8)

	p := &Pool{
		workers: workers,
		queues:  make([]chan func(), workers),
		done:    make(chan struct{}),
	}
	for i := range workers {
		p.queues[i] = make(chan func(), queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	own := p.queues[id]
	for {
		select {
		case <-p.done:
			p.drain(own)
			return
		case job := <-own:
			job()
			continue
		default:
		}

		if job := p.steal(id); job != nil {
			job()
			continue
		}

		select {
		case <-p.done:
			p.drain(own)
			return
		case job := <-own:
			job()
		}
	}
}

func (p *Pool) drain(queue chan func()) {
	for {
		select {
		case job := <-queue:
			job()
		default:
			return
		}
	}
}

func (p *Pool) steal(id int) func() {
	for i := range p.workers {
		if i == id {
			continue
		}
		select {
		case job := <-p.queues[i]:
			return job
		default:
		}
	}
	return nil
}

// enqueue hands a job to the next worker in round-robin order.
func (p *Pool) enqueue(job func()) {
	p.senders.Add(1)
	if !p.running.Load() {
		p.senders.Add(-1)
		job()
		return
	}
	i := int(p.next.Add(1)-1) % p.workers
	select {
	case p.queues[i] <- job:
	case <-p.done:
		p.senders.Add(-1)
		job()
		return
	}
	p.senders.Add(-1)
}

// Go schedules a batch of jobs and returns immediately. done, if not nil,
// runs once after every job of the batch has returned, on the goroutine
// that ran the last job.
func (p *Pool) Go(jobs []func(), done func()) {
	if len(jobs) == 0 {
		if done != nil {
			done()
		}
		return
	}

	var remaining atomic.Int64
	remaining.Store(int64(len(jobs)))
	for _, fn := range jobs {
		job := fn
		p.enqueue(func() {
			job()
			if remaining.Add(-1) == 0 && done != nil {
				done()
			}
		})
	}
}

// Run schedules a batch of jobs and waits for all of them.
func (p *Pool) Run(jobs []func()) {
	var wg sync.WaitGroup
	wg.Add(1)
	p.Go(jobs, wg.Done)
	wg.Wait()
}

// Close stops the workers after the queued jobs have run.
// Close is safe to call multiple times.
func (p *Pool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()

	// A sender that saw the pool running can still land a job after the
	// workers drained their queues. Run those here.
	for {
		active := p.senders.Load() > 0
		for _, q := range p.queues {
			p.drain(q)
		}
		if !active {
			return
		}
		runtime.Gosched()
	}
}

// Workers returns the number of workers.
func (p *Pool) Workers() int { return p.workers }

// IsRunning reports whether the pool accepts jobs for its workers.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// Queued returns the approximate number of queued jobs.
func (p *Pool) Queued() int {
	total := 0
	for _, q := range p.queues {
		total += len(q)
	}
	return total
}
