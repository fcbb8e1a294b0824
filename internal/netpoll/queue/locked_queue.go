package queue

import (
	"sync"

	"github.com/eapache/queue"
)

type lockedQueue struct {
	mu    sync.Mutex
	tasks *queue.Queue
}

// NewLockedQueue instantiates an AsyncTaskQueue guarded by a mutex.
func NewLockedQueue() AsyncTaskQueue {
	return &lockedQueue{tasks: queue.New()}
}

func (q *lockedQueue) Enqueue(task Task) {
	q.mu.Lock()
	q.tasks.Add(task)
	q.mu.Unlock()
}

func (q *lockedQueue) Dequeue() Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tasks.Length() == 0 {
		return nil
	}
	task := q.tasks.Peek().(Task)
	q.tasks.Remove()
	return task
}

func (q *lockedQueue) Empty() bool {
	return q.Len() == 0
}

func (q *lockedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Length()
}
