package queue

// Task is a asynchronous function.
type Task func() error

// AsyncTaskQueue is a queue storing asynchronous tasks.
// Enqueue may be called from any goroutine, Dequeue only from the reactor that owns the queue.
type AsyncTaskQueue interface {
	Enqueue(Task)
	Dequeue() Task
	Empty() bool
	Len() int
}

// Kind selects the AsyncTaskQueue implementation.
type Kind int

const (
	// LockFree is a Michael-Scott style linked queue driven by CAS.
	LockFree Kind = iota
	// Locked is a ring-backed queue guarded by a mutex.
	Locked
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case LockFree:
		return "lock-free"
	case Locked:
		return "locked"
	}
	return "unknown"
}

// New instantiates the AsyncTaskQueue of the given kind, unknown kinds fall back to LockFree.
func New(kind Kind) AsyncTaskQueue {
	if kind == Locked {
		return NewLockedQueue()
	}
	return NewLockFreeQueue()
}
