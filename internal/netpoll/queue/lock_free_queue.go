package queue

import "sync/atomic"

// lockFreeQueue is a simple, fast, and practical non-blocking and concurrent queue with no lock.
type lockFreeQueue struct {
	head   atomic.Pointer[node]
	tail   atomic.Pointer[node]
	length int32
}

type node struct {
	value Task
	next  atomic.Pointer[node]
}

// NewLockFreeQueue instantiates and returns a lockFreeQueue.
func NewLockFreeQueue() AsyncTaskQueue {
	q := new(lockFreeQueue)
	sentinel := new(node)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Enqueue puts the given value v at the tail of the queue.
func (q *lockFreeQueue) Enqueue(task Task) {
	n := &node{value: task}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			// tail is lagging behind, help it forward.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			atomic.AddInt32(&q.length, 1)
			return
		}
	}
}

// Dequeue removes and returns the value at the head of the queue.
// It returns nil if the queue is empty.
func (q *lockFreeQueue) Dequeue() Task {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if head == tail {
			if next == nil {
				return nil
			}
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		task := next.value
		if q.head.CompareAndSwap(head, next) {
			next.value = nil
			atomic.AddInt32(&q.length, -1)
			return task
		}
	}
}

// Empty indicates whether this queue is empty or not.
func (q *lockFreeQueue) Empty() bool {
	return atomic.LoadInt32(&q.length) == 0
}

// Len returns the number of queued tasks.
func (q *lockFreeQueue) Len() int {
	return int(atomic.LoadInt32(&q.length))
}
