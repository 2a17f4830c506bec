// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package threadpool

import (
	"container/heap"
	"sync"
)

// priorityQueue of tasks, using the "container/heap" interface. The task with
// the lowest priority value is popped first, ties in submission order.
type priorityQueue struct {
	// Mutex to protect state.
	lock sync.Mutex

	// Pop is a blocking operation and sleeps on this if the queue is empty.
	notEmpty sync.Cond

	// The actual data is stored in a container/heap-compatible structure.
	data taskHeap

	// Submission counter for FIFO ordering among equal priorities.
	seq uint64
}

func newPriorityQueue() *priorityQueue {
	q := &priorityQueue{}
	q.notEmpty.L = &q.lock
	return q
}

func (pq *priorityQueue) push(t *task) {
	pq.lock.Lock()
	defer pq.lock.Unlock()

	pq.seq++
	t.seq = pq.seq
	heap.Push(&pq.data, t)

	// Wake everyone when going from empty to non-empty, otherwise a burst of
	// pushes after one wakeup can leave waiters asleep with data queued.
	if pq.data.Len() == 1 {
		pq.notEmpty.Broadcast()
	}
}

func (pq *priorityQueue) len() int {
	pq.lock.Lock()
	defer pq.lock.Unlock()
	return pq.data.Len()
}

// pop removes a task from the queue. Blocks until a task can be removed.
func (pq *priorityQueue) pop() *task {
	pq.lock.Lock()
	for pq.data.Len() == 0 {
		pq.notEmpty.Wait()
	}
	defer pq.lock.Unlock()
	return heap.Pop(&pq.data).(*task)
}

type taskHeap []*task

func (q taskHeap) Len() int {
	return len(q)
}

func (q taskHeap) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskHeap) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

func (q *taskHeap) Push(x interface{}) {
	*q = append(*q, x.(*task))
}

func (q *taskHeap) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[0 : n-1]
	return item
}
