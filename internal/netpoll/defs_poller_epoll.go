//go:build linux
// +build linux

package netpoll

import "golang.org/x/sys/unix"

const (
	// InitEvents represents the initial length of poller event-list.
	InitEvents = 128
	// MaxEvents caps the growth of the poller event-list.
	MaxEvents = 1024
	// MinEvents floors the shrinking of the poller event-list.
	MinEvents = 32
	// AsyncTasks is the maximum number of asynchronous tasks that the event-loop will process at one time.
	AsyncTasks = 64
	// ErrEvents represents exceptional events that are not read/write, like socket being closed,
	// reading/writing from/to a closed socket, etc.
	ErrEvents = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP
)

type eventList struct {
	size   int
	events []unix.EpollEvent
}

func newEventList(size int) *eventList {
	return &eventList{size, make([]unix.EpollEvent, size)}
}

func (el *eventList) expand() {
	if newSize := el.size << 1; newSize <= MaxEvents {
		el.size = newSize
		el.events = make([]unix.EpollEvent, newSize)
	}
}

func (el *eventList) shrink() {
	if newSize := el.size >> 1; newSize >= MinEvents {
		el.size = newSize
		el.events = make([]unix.EpollEvent, newSize)
	}
}

// IsReadable reports whether ev carries readable readiness.
func IsReadable(ev uint32) bool {
	return ev&(unix.EPOLLIN|unix.EPOLLPRI) != 0
}

// IsWritable reports whether ev carries writable readiness.
func IsWritable(ev uint32) bool {
	return ev&unix.EPOLLOUT != 0
}

// IsError reports whether ev only carries hang-up or error conditions.
func IsError(ev uint32) bool {
	return ev&ErrEvents != 0 && !IsReadable(ev) && !IsWritable(ev)
}
