//go:build linux
// +build linux

package shpreactor

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"shpreactor/errors"
	"shpreactor/internal/netpoll"
)

var (
	// acceptWarnInterval bounds how often skipped connections are reported.
	acceptWarnInterval = time.Second
	// acceptBackoff is how long the listener stays detached when a pending connection
	// cannot even be shed.
	acceptBackoff = 100 * time.Millisecond
)

// acceptor owns the listening descriptor and is registered on exactly one event-loop:
// the main reactor, or the only loop in single-reactor mode.
type acceptor struct {
	fd    int
	svr   *server
	el    *eventloop
	spare int // reserved descriptor, given up to shed a connection when out of descriptors

	lastWarn time.Time
	skipped  int
	rearm    *time.Timer
}

func newAcceptor(fd int, svr *server, el *eventloop) *acceptor {
	return &acceptor{fd: fd, svr: svr, el: el, spare: openSpareFd()}
}

func openSpareFd() int {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1
	}
	return fd
}

func (a *acceptor) close() {
	if a.rearm != nil {
		a.rearm.Stop()
	}
	if a.spare >= 0 {
		_ = unix.Close(a.spare)
		a.spare = -1
	}
}

// OnReady implements dispatcher.
func (a *acceptor) OnReady(_ uint32) error {
	return a.svr.acceptNewConnection(a)
}

// isAcceptRecoverable reports whether an accept failure only concerns the pending connection.
func isAcceptRecoverable(err error) bool {
	switch err {
	case unix.ECONNABORTED, unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM,
		unix.EPROTO, unix.EPERM, unix.ENETDOWN, unix.ENOPROTOOPT, unix.EHOSTDOWN,
		unix.ENONET, unix.EHOSTUNREACH, unix.EOPNOTSUPP, unix.ENETUNREACH:
		return true
	}
	return false
}

// skip reports a dropped connection, at most once per acceptWarnInterval.
func (a *acceptor) skip(err error) {
	a.skipped++
	if now := time.Now(); now.Sub(a.lastWarn) >= acceptWarnInterval {
		a.svr.logger.Warnf("Accept failed on listener(fd=%d), skipped %d connection(s): %v",
			a.fd, a.skipped, os.NewSyscallError("accept", err))
		a.lastWarn = now
		a.skipped = 0
	}
}

// shed drops the connection at the head of the backlog while the process is out of
// descriptors. The listener is level-triggered, leaving it queued would spin the loop.
func (a *acceptor) shed() {
	if a.spare >= 0 {
		_ = unix.Close(a.spare)
		a.spare = -1
		nfd, _, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			_ = unix.Close(nfd)
		}
		a.spare = openSpareFd()
		if err == nil || err == unix.EAGAIN {
			return
		}
	}
	a.backOff()
}

// backOff detaches the listener and re-arms it from the loop after acceptBackoff.
func (a *acceptor) backOff() {
	p := a.el.poller
	if err := p.ModDetach(a.fd); err != nil {
		a.svr.logger.Warnf("Failed to detach listener(fd=%d): %v", a.fd, err)
		return
	}
	a.rearm = time.AfterFunc(acceptBackoff, func() {
		select {
		case <-a.svr.shutdown:
			return
		default:
		}
		sniffErrorAndLog(p.Trigger(func() error { return p.ModRead(a.fd) }))
	})
}

func (svr *server) acceptNewConnection(a *acceptor) error {
	nfd, sa, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
			return nil
		case err == unix.EMFILE || err == unix.ENFILE:
			a.skip(err)
			a.shed()
			return nil
		case isAcceptRecoverable(err):
			a.skip(err)
			return nil
		}
		err = fmt.Errorf("%w: %v", errors.ErrAcceptSocket, os.NewSyscallError("accept", err))
		svr.logger.Errorf("Listener(fd=%d) is broken: %v", a.fd, err)
		return err
	}
	svr.tuneSocket(nfd)

	netAddr := netpoll.SockaddrToTCPOrUnixAddr(sa)
	el := svr.lb.next(netAddr)
	c := newTCPConn(nfd, el, sa, netAddr)

	if el == a.el {
		return el.register(c)
	}
	// Another reactor is blocked in epoll_wait: hand the registration over and wake it.
	if err = el.poller.Trigger(func() error { return el.register(c) }); err != nil {
		svr.logger.Errorf("Failed to hand fd=%d to event-loop(%d): %v", nfd, el.idx, err)
		c.releaseTCP()
		_ = unix.Close(nfd)
	}
	return nil
}

func (svr *server) tuneSocket(fd int) {
	if svr.opts.TCPNoDelay {
		if err := netpoll.SetNoDelay(fd, true); err != nil {
			svr.logger.Debugf("TCP_NODELAY on fd=%d: %v", fd, err)
		}
	}
	if svr.opts.SocketSendBuffer > 0 {
		if err := netpoll.SetSendBuffer(fd, svr.opts.SocketSendBuffer); err != nil {
			svr.logger.Debugf("SO_SNDBUF on fd=%d: %v", fd, err)
		}
	}
	if svr.opts.TCPKeepAlive > 0 {
		if err := netpoll.SetKeepAlive(fd, svr.opts.TCPKeepAlive); err != nil {
			svr.logger.Debugf("SO_KEEPALIVE on fd=%d: %v", fd, err)
		}
	}
}
