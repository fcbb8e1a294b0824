//go:build linux
// +build linux

package shpreactor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/panjf2000/gnet/ringbuffer"
	"golang.org/x/sys/unix"
	reactorerrors "shpreactor/errors"
	"shpreactor/internal/netpoll"
)

// connState is the half-duplex state of a connection.
type connState int32

const (
	// StateReading waits for readable events and accumulates a request.
	StateReading connState = iota
	// StateProcessing has no interest registered, a worker is computing the response.
	StateProcessing
	// StateSending waits for writable events until the outbound buffer is flushed.
	StateSending
	// StateClosed is terminal.
	StateClosed
)

func (s connState) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateProcessing:
		return "processing"
	case StateSending:
		return "sending"
	case StateClosed:
		return "closed"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// outboundBufferCap is the initial size of the outbound ring buffer, it grows on demand.
const outboundBufferCap = 1024

// errCloseRequested ends a connection whose peer sent an empty line.
var errCloseRequested = errors.New("peer requested to disconnect")

// socket is the non-blocking byte stream a conn owns.
type socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// fdSocket performs raw syscalls on a non-blocking descriptor.
// A would-block result comes back as (0, unix.EAGAIN).
type fdSocket int

func (s fdSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(int(s), p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s fdSocket) Write(p []byte) (int, error) {
	n, err := unix.Write(int(s), p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s fdSocket) Close() error {
	return os.NewSyscallError("close", unix.Close(int(s)))
}

func isTransient(err error) bool {
	return err == unix.EAGAIN || err == unix.EINTR
}

type conn struct {
	fd             int
	id             string
	sock           socket
	el             *eventloop // owning event-loop, never reassigned
	mu             sync.Mutex // guards state and buffers across the worker hand-off
	state          connState
	framer         *framer
	outboundBuffer *ringbuffer.RingBuffer
	localAddr      net.Addr
	remoteAddr     net.Addr
}

func newTCPConn(fd int, el *eventloop, sa unix.Sockaddr, remoteAddr net.Addr) (c *conn) {
	c = &conn{
		fd:             fd,
		id:             strconv.Itoa(fd),
		sock:           fdSocket(fd),
		el:             el,
		state:          StateReading,
		framer:         newFramer(el.svr.opts.MaxRequestSize),
		outboundBuffer: ringbuffer.New(outboundBufferCap),
		remoteAddr:     remoteAddr,
	}
	if remoteAddr == nil && sa != nil {
		c.remoteAddr = netpoll.SockaddrToTCPOrUnixAddr(sa)
	}
	if local, err := unix.Getsockname(fd); err == nil {
		c.localAddr = netpoll.SockaddrToTCPOrUnixAddr(local)
	}
	return
}

func (c *conn) releaseTCP() {
	c.framer.release()
	c.outboundBuffer.Reset()
}

// LocalAddr implements Conn.
func (c *conn) LocalAddr() net.Addr { return c.localAddr }

// RemoteAddr implements Conn.
func (c *conn) RemoteAddr() net.Addr { return c.remoteAddr }

// ReactorIndex implements Conn.
func (c *conn) ReactorIndex() int { return c.el.idx }

func (c *conn) String() string {
	return fmt.Sprintf("conn(fd=%d, remote=%v, loop=%d)", c.fd, c.remoteAddr, c.el.idx)
}

// open writes the greeting with a single non-blocking attempt; the rest, if any, is sent on
// writable events before the first request is read.
func (c *conn) open(greeting []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateReading
	if len(greeting) == 0 {
		return nil
	}
	_, _ = c.outboundBuffer.Write(greeting)
	flushed, err := c.flush()
	if err != nil || flushed {
		return err
	}
	c.state = StateSending
	return c.el.poller.ModWrite(c.fd)
}

// OnReady runs one step of the state machine for a readiness event. It is only ever called
// on the owning event-loop. A non-nil error means the connection must be closed.
func (c *conn) OnReady(ev uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateReading:
		if netpoll.IsReadable(ev) || netpoll.IsError(ev) {
			return c.onReadable()
		}
	case StateSending:
		if netpoll.IsWritable(ev) || netpoll.IsError(ev) {
			return c.onWritable()
		}
	case StateProcessing:
		// Nothing is armed while a worker holds the request, only a hang-up gets here.
		if netpoll.IsError(ev) {
			return reactorerrors.ErrConnectionClosed
		}
	case StateClosed:
		return errCloseRequested
	}
	return nil
}

// onReadable performs exactly one read per event.
func (c *conn) onReadable() error {
	n, err := c.sock.Read(c.el.packet)
	if err != nil {
		if isTransient(err) {
			return nil
		}
		return os.NewSyscallError("read", err)
	}
	if n == 0 {
		return reactorerrors.ErrConnectionClosed
	}

	status, err := c.framer.feed(c.el.packet[:n])
	switch status {
	case frameAbort:
		c.state = StateClosed
		return err
	case frameComplete:
		return c.dispatchRequest()
	}
	return nil
}

// dispatchRequest processes the completed request inline or hands it to the worker pool.
func (c *conn) dispatchRequest() error {
	if wp := c.el.svr.workerPool; wp != nil {
		request := append([]byte(nil), c.framer.bytes()...)
		if err := c.el.poller.ModDetach(c.fd); err != nil {
			return err
		}
		c.state = StateProcessing
		c.el.svr.offloads.Add(1)
		err := wp.Submit(func() {
			defer c.el.svr.offloads.Done()
			c.processAndHandOff(request)
		})
		if err == nil {
			return nil
		}
		c.el.svr.offloads.Done()
		c.el.logger.Debugf("Processing %v inline, worker pool rejected it: %v", c, err)
	}

	response, err := c.el.process(c.framer.bytes())
	if err != nil {
		return err
	}
	if c.queueResponse(response) {
		return errCloseRequested
	}
	return c.el.poller.ModWrite(c.fd)
}

// queueResponse moves the handler to SENDING with the response, its terminator and the
// prompt buffered, or to CLOSED for an empty response. It reports whether the connection
// is now closing. The caller holds c.mu.
func (c *conn) queueResponse(response []byte) (closing bool) {
	if len(response) == 0 {
		c.state = StateClosed
		return true
	}
	_, _ = c.outboundBuffer.Write(response)
	_, _ = c.outboundBuffer.Write(crlf)
	_, _ = c.outboundBuffer.Write(c.el.svr.prompt)
	c.state = StateSending
	return false
}

// processAndHandOff runs on a worker goroutine. c.mu is not held while processing.
func (c *conn) processAndHandOff(request []byte) {
	response, perr := c.el.process(request)

	c.mu.Lock()
	if c.state != StateProcessing {
		// Closed by its event-loop in the meantime.
		c.mu.Unlock()
		return
	}
	if perr != nil {
		c.state = StateClosed
	} else {
		c.queueResponse(response)
	}
	c.mu.Unlock()

	if err := c.el.poller.Trigger(func() error { return c.el.loopResume(c, perr) }); err != nil {
		c.el.logger.Errorf("Failed to hand %v back to event-loop(%d): %v", c, c.el.idx, err)
	}
}

// onWritable performs one write attempt per event and keeps any unsent suffix buffered.
func (c *conn) onWritable() error {
	flushed, err := c.flush()
	if err != nil || !flushed {
		return err
	}
	return c.sent()
}

// sent starts over with a fresh request once the whole response went out.
func (c *conn) sent() error {
	c.framer.reset()
	c.state = StateReading
	return c.el.poller.ModRead(c.fd)
}

// resume runs on the owning event-loop when a worker hands the connection back: it makes
// the first write attempt and arms WRITABLE only for what the socket did not take.
func (c *conn) resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return errCloseRequested
	case StateSending:
		flushed, err := c.flush()
		if err != nil {
			return err
		}
		if flushed {
			return c.sent()
		}
		return c.el.poller.ModWrite(c.fd)
	}
	return nil
}

// flush writes what the socket accepts right now and reports whether the buffer drained.
func (c *conn) flush() (flushed bool, err error) {
	head, tail := c.outboundBuffer.LazyReadAll()
	n, err := c.sock.Write(head)
	if err != nil {
		if isTransient(err) {
			return false, nil
		}
		return false, os.NewSyscallError("write", err)
	}
	c.outboundBuffer.Shift(n)

	if n == len(head) && len(tail) > 0 {
		if n, err = c.sock.Write(tail); err != nil {
			if isTransient(err) {
				return false, nil
			}
			return false, os.NewSyscallError("write", err)
		}
		c.outboundBuffer.Shift(n)
	}
	return c.outboundBuffer.IsEmpty(), nil
}
