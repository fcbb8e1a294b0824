//go:build linux
// +build linux

package netpoll

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
	reactorerrors "shpreactor/errors"
	"shpreactor/internal/logging"
	"shpreactor/internal/netpoll/queue"
)

// Poller represents a poller which is in charge of monitoring file-descriptors.
type Poller struct {
	fd             int    // epoll fd
	wfd            int    // wake fd
	wfdBuf         []byte // wfd buffer to read packet
	netpollWakeSig int32
	asyncTaskQueue queue.AsyncTaskQueue // owned by the reactor running Polling
	logger         logging.Logger
}

// OpenPoller instantiates a poller whose hand-off queue is of the given kind.
func OpenPoller(kind queue.Kind) (poller *Poller, err error) {
	poller = new(Poller)
	poller.logger = logging.DefaultLogger
	if poller.fd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		poller = nil
		err = os.NewSyscallError("epoll_create1", err)
		return
	}
	if poller.wfd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		_ = unix.Close(poller.fd)
		poller = nil
		err = os.NewSyscallError("eventfd", err)
		return
	}
	poller.wfdBuf = make([]byte, 8)
	if err = poller.AddRead(poller.wfd); err != nil {
		_ = poller.Close()
		poller = nil
		return
	}
	poller.asyncTaskQueue = queue.New(kind)
	return
}

// SetLogger replaces the logger used to report errors from callbacks and tasks.
func (p *Poller) SetLogger(logger logging.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Close closes the poller.
func (p *Poller) Close() error {
	if err := os.NewSyscallError("close", unix.Close(p.fd)); err != nil {
		return err
	}
	return os.NewSyscallError("close", unix.Close(p.wfd))
}

// Make the endianness of bytes compatible with more linux OSs under different processor-architectures,
// according to http://man7.org/linux/man-pages/man2/eventfd.2.html.
var (
	u uint64 = 1
	b        = (*(*[8]byte)(unsafe.Pointer(&u)))[:]
)

// Wake unblocks a concurrent EpollWait. Repeated calls before the poller wakes up collapse into one.
func (p *Poller) Wake() (err error) {
	if atomic.CompareAndSwapInt32(&p.netpollWakeSig, 0, 1) {
		for _, err = unix.Write(p.wfd, b); err == unix.EINTR || err == unix.EAGAIN; _, err = unix.Write(p.wfd, b) {
		}
	}
	return os.NewSyscallError("write", err)
}

// Trigger enqueues task and wakes up the poller, the task then runs on the goroutine running Polling.
func (p *Poller) Trigger(task queue.Task) error {
	p.asyncTaskQueue.Enqueue(task)
	return p.Wake()
}

// PendingTasks reports how many tasks wait to be drained.
func (p *Poller) PendingTasks() int {
	return p.asyncTaskQueue.Len()
}

// Drain runs the tasks still queued once Polling has returned. Their errors are only logged.
func (p *Poller) Drain() {
	for task := p.asyncTaskQueue.Dequeue(); task != nil; task = p.asyncTaskQueue.Dequeue() {
		if err := task(); err != nil && !errors.Is(err, reactorerrors.ErrServerShutdown) {
			p.logger.Warnf("Error occurs in asynchronous task after polling stopped: %v", err)
		}
	}
}

// Fd returns the epoll descriptor.
func (p *Poller) Fd() int {
	return p.fd
}

func isLoopFatal(err error) bool {
	return errors.Is(err, reactorerrors.ErrServerShutdown) || errors.Is(err, reactorerrors.ErrAcceptSocket)
}

// Polling blocks the current goroutine, waiting for network-events.
// It returns when a callback or a task reports a fatal error, or when epoll itself fails.
func (p *Poller) Polling(callback func(fd int, ev uint32) error) error {
	el := newEventList(InitEvents)
	var wakenUp bool

	msec := -1
	for {
		n, err := unix.EpollWait(p.fd, el.events, msec)
		if n == 0 || (n < 0 && err == unix.EINTR) {
			msec = -1
			runtime.Gosched()
			continue
		} else if err != nil {
			err = fmt.Errorf("%w: %v", reactorerrors.ErrPollerFailed, os.NewSyscallError("epoll_wait", err))
			p.logger.Errorf("Error occurs in epoll: %v", err)
			return err
		}
		msec = 0

		for i := 0; i < n; i++ {
			if fd := int(el.events[i].Fd); fd != p.wfd {
				if err = callback(fd, el.events[i].Events); err != nil {
					if isLoopFatal(err) {
						return err
					}
					p.logger.Warnf("Error occurs in event-loop: %v", err)
				}
			} else {
				wakenUp = true
				_, _ = unix.Read(p.wfd, p.wfdBuf)
			}
		}

		if wakenUp {
			wakenUp = false
			var task queue.Task
			for i := 0; i < AsyncTasks; i++ {
				if task = p.asyncTaskQueue.Dequeue(); task == nil {
					break
				}
				if err = task(); err != nil {
					if isLoopFatal(err) {
						return err
					}
					p.logger.Warnf("Error occurs in asynchronous task: %v", err)
				}
			}
			atomic.StoreInt32(&p.netpollWakeSig, 0)
			// Tasks beyond the per-iteration budget, or enqueued while draining, re-arm the eventfd.
			if !p.asyncTaskQueue.Empty() {
				for _, err = unix.Write(p.wfd, b); err == unix.EINTR || err == unix.EAGAIN; _, err = unix.Write(p.wfd, b) {
				}
			}
		}

		if n == el.size {
			el.expand()
		} else if n < el.size>>1 {
			el.shrink()
		}
	}
}

const (
	readEvents  = unix.EPOLLPRI | unix.EPOLLIN
	writeEvents = unix.EPOLLOUT
)

// AddRead registers the given file-descriptor with readable event to the poller.
func (p *Poller) AddRead(fd int) error {
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: readEvents}))
}

// ModRead renews the given file-descriptor with readable event in the poller.
func (p *Poller) ModRead(fd int) error {
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: readEvents}))
}

// ModWrite renews the given file-descriptor with writable event in the poller.
// Readable interest is dropped, a connection is never armed for both.
func (p *Poller) ModWrite(fd int) error {
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: writeEvents}))
}

// ModDetach keeps the file-descriptor registered without any interest,
// only EPOLLERR and EPOLLHUP can still be reported for it.
func (p *Poller) ModDetach(fd int) error {
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd)}))
}

// Delete removes the given file-descriptor from the poller.
func (p *Poller) Delete(fd int) error {
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil))
}
