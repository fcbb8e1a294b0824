//go:build linux
// +build linux

package shpreactor

import (
	"testing"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"shpreactor/errors"
	"shpreactor/pool/goroutine"
)

// limitedSocket accepts at most max bytes per write, like a socket with a tiny send buffer.
type limitedSocket struct {
	socket
	max    int
	writes [][]byte
}

func (s *limitedSocket) Write(p []byte) (int, error) {
	if len(p) > s.max {
		p = p[:s.max]
	}
	s.writes = append(s.writes, append([]byte(nil), p...))
	return s.socket.Write(p)
}

type recordingHandler struct {
	EventServer
	opened int
	closed []error
}

func (h *recordingHandler) OnOpened(c Conn) {
	h.opened++
}

func (h *recordingHandler) OnClosed(c Conn, err error) {
	h.closed = append(h.closed, err)
}

func newTestLoop(t *testing.T, h EventHandler, opts ...Option) *eventloop {
	t.Helper()
	options := loadOptions(opts...)
	svr := &server{
		opts:         options,
		logger:       options.Logger,
		eventHandler: h,
		lb:           new(roundRobinLoadBalancer),
		shutdown:     make(chan struct{}),
		conns:        cmap.New[*conn](),
		greeting:     []byte(options.Greeting + options.Prompt),
		prompt:       []byte(options.Prompt),
	}
	if options.WorkerPoolSize > 0 {
		wp, err := goroutine.New(options.WorkerPoolSize, nil)
		require.NoError(t, err)
		svr.workerPool = wp
		t.Cleanup(wp.Release)
	}
	el, err := svr.newEventLoop()
	require.NoError(t, err)
	t.Cleanup(func() { _ = el.poller.Close() })
	svr.lb.register(el)
	return el
}

// openTestConn registers one end of a socketpair on el and returns the conn and the peer fd.
func openTestConn(t *testing.T, el *eventloop, maxWrite int) (*conn, *limitedSocket, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })

	c := newTCPConn(fds[0], el, nil, nil)
	ls := &limitedSocket{socket: fdSocket(fds[0]), max: maxWrite}
	c.sock = ls
	require.NoError(t, el.register(c))
	return c, ls, fds[1]
}

func peerWrite(t *testing.T, fd int, s string) {
	t.Helper()
	n, err := unix.Write(fd, []byte(s))
	require.NoError(t, err)
	require.Equal(t, len(s), n)
}

func peerRead(t *testing.T, fd int) string {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := unix.Read(fd, buf)
	if err == unix.EAGAIN {
		return ""
	}
	require.NoError(t, err)
	return string(buf[:n])
}

func TestConnEchoRoundTrip(t *testing.T) {
	h := new(recordingHandler)
	el := newTestLoop(t, h, WithGreeting(""), WithPrompt("> "))
	c, _, peer := openTestConn(t, el, 1<<16)
	assert.Equal(t, "> ", peerRead(t, peer))
	assert.Equal(t, StateReading, c.state)
	assert.Equal(t, 1, el.svr.conns.Count())

	peerWrite(t, peer, "ping\r\n")
	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLIN))
	assert.Equal(t, StateSending, c.state)
	assert.Equal(t, "ping", string(c.framer.bytes()), "request is kept until the response is flushed")

	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLOUT))
	assert.Equal(t, StateReading, c.state)
	assert.Empty(t, c.framer.bytes())
	assert.Equal(t, "ping\r\n> ", peerRead(t, peer))
}

func TestConnIgnoresEventsOutsideItsInterest(t *testing.T) {
	el := newTestLoop(t, new(recordingHandler), WithGreeting(""), WithPrompt(""))
	c, ls, peer := openTestConn(t, el, 1<<16)

	// Writable while reading: nothing is written.
	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLOUT))
	assert.Empty(t, ls.writes)

	peerWrite(t, peer, "a\r\n")
	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLIN))
	require.Equal(t, StateSending, c.state)

	// Readable while sending: the next request stays in the socket.
	peerWrite(t, peer, "b\r\n")
	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLIN))
	assert.Equal(t, StateSending, c.state)
	assert.Equal(t, "a", string(c.framer.bytes()))

	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLOUT))
	assert.Equal(t, "a\r\n", peerRead(t, peer))
	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLIN))
	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLOUT))
	assert.Equal(t, "b\r\n", peerRead(t, peer))
}

func TestConnPartialWriteKeepsSuffix(t *testing.T) {
	el := newTestLoop(t, new(recordingHandler), WithGreeting(""), WithPrompt(""))
	c, ls, peer := openTestConn(t, el, 3)

	peerWrite(t, peer, "hello\r\n")
	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLIN))
	require.Equal(t, StateSending, c.state)
	assert.Equal(t, 7, c.outboundBuffer.Length())

	var received string
	for _, want := range []int{4, 1, 0} {
		require.NoError(t, el.handleEvent(c.fd, unix.EPOLLOUT))
		received += peerRead(t, peer)
		assert.Equal(t, want, c.outboundBuffer.Length())
		if want > 0 {
			assert.Equal(t, StateSending, c.state)
		}
	}
	assert.Equal(t, StateReading, c.state)
	assert.Equal(t, "hello\r\n", received)
	assert.Equal(t, [][]byte{[]byte("hel"), []byte("lo\r"), []byte("\n")}, ls.writes)
}

func TestConnPartialGreeting(t *testing.T) {
	el := newTestLoop(t, new(recordingHandler), WithGreeting("0123456"), WithPrompt("> "))
	c, _, peer := openTestConn(t, el, 4)

	assert.Equal(t, StateSending, c.state)
	assert.Equal(t, "0123", peerRead(t, peer))

	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLOUT))
	assert.Equal(t, "456>", peerRead(t, peer))
	assert.Equal(t, StateSending, c.state)
	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLOUT))
	assert.Equal(t, " ", peerRead(t, peer))
	assert.Equal(t, StateReading, c.state)
}

func TestConnEmptyLineCloses(t *testing.T) {
	h := new(recordingHandler)
	el := newTestLoop(t, h, WithGreeting(""), WithPrompt(""))
	c, ls, peer := openTestConn(t, el, 1<<16)

	peerWrite(t, peer, "\r\n")
	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLIN))

	assert.Equal(t, StateClosed, c.state)
	assert.Empty(t, el.connections)
	assert.Equal(t, 0, el.svr.conns.Count())
	assert.Empty(t, ls.writes, "nothing is written for an empty line")
	require.Len(t, h.closed, 1)
	assert.NoError(t, h.closed[0])

	// Peer sees end-of-stream.
	buf := make([]byte, 8)
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConnCtrlCAborts(t *testing.T) {
	h := new(recordingHandler)
	el := newTestLoop(t, h, WithGreeting(""), WithPrompt(""))
	c, ls, peer := openTestConn(t, el, 1<<16)

	peerWrite(t, peer, "abc")
	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLIN))
	assert.Equal(t, StateReading, c.state)

	peerWrite(t, peer, "\x03")
	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLIN))
	assert.Equal(t, StateClosed, c.state)
	assert.Empty(t, ls.writes)
	require.Len(t, h.closed, 1)
	assert.ErrorIs(t, h.closed[0], errors.ErrConnectionClosed)
}

func TestConnPeerEOF(t *testing.T) {
	h := new(recordingHandler)
	el := newTestLoop(t, h, WithGreeting(""), WithPrompt(""))
	c, _, peer := openTestConn(t, el, 1<<16)

	require.NoError(t, unix.Shutdown(peer, unix.SHUT_WR))
	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLIN|unix.EPOLLRDHUP))
	assert.Empty(t, el.connections)
	require.Len(t, h.closed, 1)
	assert.ErrorIs(t, h.closed[0], errors.ErrConnectionClosed)
	assert.Zero(t, el.loadConn())
}

func TestConnSpuriousReadable(t *testing.T) {
	el := newTestLoop(t, new(recordingHandler), WithGreeting(""), WithPrompt(""))
	c, _, _ := openTestConn(t, el, 1<<16)

	// Nothing to read: EAGAIN is not an error.
	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLIN))
	assert.Equal(t, StateReading, c.state)
	assert.Len(t, el.connections, 1)
}

func TestConnRequestTooLarge(t *testing.T) {
	h := new(recordingHandler)
	el := newTestLoop(t, h, WithGreeting(""), WithPrompt(""), WithMaxRequestSize(4))
	c, _, peer := openTestConn(t, el, 1<<16)

	peerWrite(t, peer, "too long\r\n")
	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLIN))
	assert.Equal(t, StateClosed, c.state)
	require.Len(t, h.closed, 1)
	assert.ErrorIs(t, h.closed[0], errors.ErrRequestTooLarge)
}

type panickingHandler struct {
	recordingHandler
}

func (h *panickingHandler) OnRequest(request []byte) []byte {
	panic("bad request")
}

func TestConnProcessingPanicClosesConnection(t *testing.T) {
	h := new(panickingHandler)
	el := newTestLoop(t, h, WithGreeting(""), WithPrompt(""))
	c, _, peer := openTestConn(t, el, 1<<16)

	peerWrite(t, peer, "x\r\n")
	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLIN))
	assert.Equal(t, StateClosed, c.state)
	require.Len(t, h.closed, 1)
	assert.ErrorContains(t, h.closed[0], "bad request")
}

type blockingHandler struct {
	recordingHandler
	entered chan struct{}
	release chan struct{}
}

func (h *blockingHandler) OnRequest(request []byte) []byte {
	h.entered <- struct{}{}
	<-h.release
	return request
}

func TestConnClosedWhileProcessingDropsResult(t *testing.T) {
	h := &blockingHandler{entered: make(chan struct{}, 1), release: make(chan struct{})}
	el := newTestLoop(t, h, WithGreeting(""), WithPrompt(""), WithWorkerPool(1))
	c, ls, peer := openTestConn(t, el, 1<<16)

	peerWrite(t, peer, "slow\r\n")
	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLIN))
	select {
	case <-h.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not pick the request up")
	}

	c.mu.Lock()
	assert.Equal(t, StateProcessing, c.state)
	c.mu.Unlock()

	// A hang-up while processing closes the connection.
	require.NoError(t, el.handleEvent(c.fd, unix.EPOLLHUP))
	close(h.release)
	el.svr.offloads.Wait()

	assert.Equal(t, 0, el.poller.PendingTasks(), "a closed connection is not handed back")
	assert.Empty(t, ls.writes)
	require.Len(t, h.closed, 1)
	assert.ErrorIs(t, h.closed[0], errors.ErrConnectionClosed)
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "reading", StateReading.String())
	assert.Equal(t, "processing", StateProcessing.String())
	assert.Equal(t, "sending", StateSending.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "state(9)", connState(9).String())
}

func TestConnResumeWritesOnTheLoop(t *testing.T) {
	tests := []struct {
		name     string
		maxWrite int
		first    string
		state    connState
	}{
		{"whole response", 1 << 16, "ping\r\n> ", StateReading},
		{"partial response", 3, "pin", StateSending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			el := newTestLoop(t, new(recordingHandler), WithGreeting(""), WithPrompt("> "), WithWorkerPool(1))
			c, ls, peer := openTestConn(t, el, tt.maxWrite)
			require.Equal(t, "> ", peerRead(t, peer))
			ls.writes = nil

			peerWrite(t, peer, "ping\r\n")
			require.NoError(t, el.handleEvent(c.fd, unix.EPOLLIN))
			el.svr.offloads.Wait()
			require.Equal(t, 1, el.poller.PendingTasks(), "the worker hands the connection back")
			assert.Empty(t, ls.writes, "workers never write")

			// The hand-back writes right away instead of waiting for a writable event.
			require.NoError(t, el.loopResume(c, nil))
			assert.Len(t, ls.writes, 1)
			assert.Equal(t, tt.first, peerRead(t, peer))
			assert.Equal(t, tt.state, c.state)

			received := tt.first
			for i := 0; i < 4 && c.state == StateSending; i++ {
				require.NoError(t, el.handleEvent(c.fd, unix.EPOLLOUT))
				received += peerRead(t, peer)
			}
			assert.Equal(t, StateReading, c.state)
			assert.Equal(t, "ping\r\n> ", received)
		})
	}
}

func TestLoopRefusesHandOffAfterStop(t *testing.T) {
	h := new(recordingHandler)
	el := newTestLoop(t, h)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	c := newTCPConn(fds[0], el, nil, nil)

	// A registration queued behind the shutdown task.
	require.NoError(t, el.poller.Trigger(func() error { return errors.ErrServerShutdown }))
	require.NoError(t, el.poller.Trigger(func() error { return el.register(c) }))
	el.loopRun(false)

	assert.Zero(t, el.poller.PendingTasks())
	assert.Empty(t, el.connections)
	assert.Zero(t, el.svr.conns.Count())
	assert.Zero(t, h.opened)
	assert.Empty(t, h.closed)

	buf := make([]byte, 64)
	n, err := unix.Read(fds[1], buf)
	require.NoError(t, err)
	assert.Zero(t, n, "the descriptor is closed without a greeting")
}
