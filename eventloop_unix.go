//go:build linux
// +build linux

package shpreactor

import (
	"errors"
	"fmt"
	"sync/atomic"

	reactorerrors "shpreactor/errors"
	"shpreactor/internal/logging"
	"shpreactor/internal/netpoll"
)

// dispatcher is anything registered on an event-loop that a readiness event is handed to.
type dispatcher interface {
	OnReady(ev uint32) error
}

type eventloop struct {
	ln           *listener       // listener
	idx          int             // loop index in the server loops list, -1 for the main reactor
	svr          *server         // server in loop
	poller       *netpoll.Poller // epoll
	packet       []byte          // read packet buffer, shared by all connections of the loop
	connCount    int32           // number of active connections in event-loop
	connections  map[int]*conn   // loop connections fd -> conn
	acceptor     *acceptor       // set on the loop owning the listener
	eventHandler EventHandler    // user eventHandler
	logger       logging.Logger  // customized logger
	stopped      bool            // polling has returned, hand-offs are refused
}

// close releases the poller, and the acceptor's spare descriptor if el owns the listener.
func (el *eventloop) close() {
	if el.acceptor != nil {
		el.acceptor.close()
	}
	sniffErrorAndLog(el.poller.Close())
}

func (el *eventloop) loadConn() int32 {
	return atomic.LoadInt32(&el.connCount)
}

// lookup returns the single dispatcher registered for fd, nil if none.
func (el *eventloop) lookup(fd int) dispatcher {
	if c, ok := el.connections[fd]; ok {
		return c
	}
	if el.acceptor != nil && el.acceptor.fd == fd {
		return el.acceptor
	}
	return nil
}

// dispatch hands ev to d. A connection error is contained here: the connection is closed
// and the loop goes on. Acceptor errors are passed through to the poller.
func (el *eventloop) dispatch(d dispatcher, ev uint32) error {
	err := d.OnReady(ev)
	if c, ok := d.(*conn); ok && err != nil {
		return el.loopCloseConn(c, err)
	}
	return err
}

// register adds an accepted connection to this loop. It runs on this loop's goroutine.
func (el *eventloop) register(c *conn) error {
	if el.stopped {
		c.releaseTCP()
		sniffErrorAndLog(c.sock.Close())
		return nil
	}
	if err := el.poller.AddRead(c.fd); err != nil {
		c.releaseTCP()
		sniffErrorAndLog(c.sock.Close())
		return fmt.Errorf("register %v: %w", c, err)
	}
	return el.loopOpen(c)
}

func (el *eventloop) loopOpen(c *conn) error {
	el.connections[c.fd] = c
	atomic.AddInt32(&el.connCount, 1)
	el.svr.conns.Set(c.id, c)
	el.eventHandler.OnOpened(c)

	if err := c.open(el.svr.greeting); err != nil {
		return el.loopCloseConn(c, err)
	}
	return nil
}

// loopResume takes back a connection handed over to a worker.
func (el *eventloop) loopResume(c *conn, processErr error) error {
	if el.connections[c.fd] != c {
		return nil
	}
	if processErr != nil {
		return el.loopCloseConn(c, processErr)
	}
	if err := c.resume(); err != nil {
		return el.loopCloseConn(c, err)
	}
	return nil
}

func (el *eventloop) loopCloseConn(c *conn, err error) error {
	if el.connections[c.fd] != c {
		return nil
	}
	delete(el.connections, c.fd)
	atomic.AddInt32(&el.connCount, -1)
	el.svr.conns.Remove(c.id)
	// The descriptor goes away with the close, a failed delete is not worth reporting.
	_ = el.poller.Delete(c.fd)

	c.mu.Lock()
	c.state = StateClosed
	closeErr := c.sock.Close()
	c.releaseTCP()
	c.mu.Unlock()
	sniffErrorAndLog(closeErr)

	if errors.Is(err, errCloseRequested) {
		err = nil
	}
	if err != nil && !errors.Is(err, reactorerrors.ErrConnectionClosed) && !errors.Is(err, reactorerrors.ErrServerShutdown) {
		el.logger.Warnf("Closing %v on error: %v", c, err)
	}
	el.eventHandler.OnClosed(c, err)
	return nil
}

// shutdown runs after polling returned: late hand-offs are refused and every connection
// still owned by el is closed.
func (el *eventloop) shutdown() {
	el.stopped = true
	el.poller.Drain()
	el.closeAllConns()
}

func (el *eventloop) closeAllConns() {
	for _, c := range el.connections {
		_ = el.loopCloseConn(c, reactorerrors.ErrServerShutdown)
	}
}

// process runs the user processing step, a panic closes the connection instead of the loop.
func (el *eventloop) process(request []byte) (response []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("processing panicked: %v", p)
		}
	}()
	return el.eventHandler.OnRequest(request), nil
}
