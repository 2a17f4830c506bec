// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package threadpool

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	log "github.com/golang/glog"
)

// ErrPoolClosed is returned by Execute after Close.
var ErrPoolClosed = errors.New("thread pool is closed")

var (
	metricWaitTime = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Subsystem: "threadpool",
		Name:      "queue_wait",
		Help:      "wait time for tasks to hit the front of the queue",
	}, []string{"pool"})
	metricTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "threadpool",
		Name:      "tasks",
		Help:      "tasks executed/cancelled",
	}, []string{"pool", "result"})
)

const (
	taskPending int32 = iota
	taskRunning
	taskCancelled
)

type task struct {
	fn       func()
	priority int
	seq      uint64
	enqueued time.Time
	state    atomic.Int32
	done     chan struct{}
}

// Pool runs tasks on a fixed number of OS threads pinned to a set of cores and
// running at the lowest scheduling priority, so that plotting doesn't starve
// networking and farming.
type Pool struct {
	name    string
	cores   []int
	threads int
	queue   *priorityQueue
	workers sync.WaitGroup

	lock   sync.Mutex
	closed bool
}

// NewPool starts a pool of threads workers on cores.
func NewPool(name string, cores []int, threads int) (*Pool, error) {
	if threads < 1 {
		return nil, errors.New("thread pool needs at least one thread")
	}
	if len(cores) == 0 {
		return nil, errors.New("thread pool needs at least one core")
	}
	p := &Pool{
		name:    name,
		cores:   append([]int(nil), cores...),
		threads: threads,
		queue:   newPriorityQueue(),
	}
	p.workers.Add(threads)
	for i := 0; i < threads; i++ {
		go p.worker()
	}
	log.V(1).Infof("started thread pool %s with %d threads on cores %v", name, threads, cores)
	return p, nil
}

// Name returns the name of the pool.
func (p *Pool) Name() string {
	return p.name
}

func (p *Pool) worker() {
	defer p.workers.Done()

	// The thread is pinned and deprioritized below, so it stays locked and
	// exits with the worker instead of going back to the scheduler.
	runtime.LockOSThread()
	if err := pinThread(p.cores); err != nil {
		log.V(1).Infof("pool %s: couldn't set thread affinity: %s", p.name, err)
	}
	if err := lowerThreadPriority(); err != nil {
		log.V(1).Infof("pool %s: couldn't lower thread priority: %s", p.name, err)
	}

	for {
		t := p.queue.pop()
		if t.fn == nil {
			return
		}
		if !t.state.CompareAndSwap(taskPending, taskRunning) {
			metricTasks.WithLabelValues(p.name, "cancelled").Inc()
			continue
		}
		metricWaitTime.WithLabelValues(p.name).Observe(time.Since(t.enqueued).Seconds())
		t.fn()
		metricTasks.WithLabelValues(p.name, "executed").Inc()
		close(t.done)
	}
}

// Execute runs fn on the pool and waits for it. Lower priority values run
// first. If ctx is done before fn starts, fn is skipped and ctx.Err() is
// returned; a task that already started always runs to completion.
func (p *Pool) Execute(ctx context.Context, priority int, fn func()) error {
	if fn == nil {
		return nil
	}

	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return ErrPoolClosed
	}
	t := &task{fn: fn, priority: priority, enqueued: time.Now(), done: make(chan struct{})}
	p.queue.push(t)
	p.lock.Unlock()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		if t.state.CompareAndSwap(taskPending, taskCancelled) {
			return ctx.Err()
		}
		<-t.done
		return nil
	}
}

// Threads returns the number of worker threads.
func (p *Pool) Threads() int {
	return p.threads
}

// Pending returns the number of queued tasks.
func (p *Pool) Pending() int {
	return p.queue.len()
}

// Close stops the workers once the queued tasks ran, and waits for them.
func (p *Pool) Close() {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return
	}
	p.closed = true
	p.lock.Unlock()

	// Stop markers sort after every real task.
	for i := 0; i < p.threads; i++ {
		p.queue.push(&task{priority: math.MaxInt})
	}
	p.workers.Wait()
}
