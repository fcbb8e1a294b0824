//go:build linux
// +build linux

// Package shpreactor is a reactor-pattern, non-blocking line echo engine built on epoll.
//
// A server runs either a single event-loop that both accepts and serves connections, or
// a main reactor that only accepts plus a fixed pool of sub-reactors that serve them.
// Every connection is driven through a half-duplex read, process and send cycle on the
// one sub-reactor it was assigned to when accepted.
package shpreactor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"shpreactor/errors"
	"shpreactor/internal/logging"
)

// Action is an action that occurs after the completion of an event.
type Action int

const (
	// None indicates that no action should occur following an event.
	None Action = iota

	// Shutdown shutdowns the server.
	Shutdown
)

// Server represents a server context which provides information about the
// running server and has control functions for managing state.
type Server struct {
	// svr is the internal server struct.
	svr *server
	// Multicore indicates whether the server will be effectively created with multi-cores.
	Multicore bool
	// Addr is the listening address of the server, ":0" is resolved to the chosen port.
	Addr net.Addr
	// NumEventLoop is the number of event-loops serving connections.
	NumEventLoop int
	// ReactorPool reports whether a dedicated main reactor accepts for a pool of sub-reactors.
	ReactorPool bool
	// ReusePort indicates whether SO_REUSEPORT is enable.
	ReusePort bool
	// TCPKeepAlive (SO_KEEPALIVE) socket option.
	TCPKeepAlive time.Duration
	// WorkerPoolSize is the capacity of the processing pool, 0 when processing runs inline.
	WorkerPoolSize int
}

// CountConnections counts the number of currently active connections and returns it.
func (s Server) CountConnections() int {
	return s.svr.conns.Count()
}

// DupFd returns a copy of the underlying file descriptor of listener.
// It is the caller's responsibility to close dupFD when finished.
func (s Server) DupFd() (int, error) {
	return s.svr.ln.dup()
}

// Conn is the read-only view of a connection passed to EventHandler callbacks.
type Conn interface {
	// LocalAddr is the connection's local socket address.
	LocalAddr() net.Addr
	// RemoteAddr is the connection's remote peer address.
	RemoteAddr() net.Addr
	// ReactorIndex is the index of the sub-reactor serving the connection, fixed for its lifetime.
	ReactorIndex() int
}

// EventHandler represents the server events' callbacks for the Serve call.
// Each event has an Action return value that is used manage the state
// of the connection and server.
type EventHandler interface {
	// OnInitComplete fires when the server is ready for accepting connections.
	OnInitComplete(server Server) (action Action)

	// OnShutdown fires when the server is being shut down, it is called right after
	// all event-loops and connections are closed.
	OnShutdown(server Server)

	// OnOpened fires on the owning event-loop when a new connection has been registered.
	OnOpened(c Conn)

	// OnClosed fires on the owning event-loop when a connection has been closed.
	// err is nil for a peer that asked to disconnect with an empty line.
	OnClosed(c Conn, err error)

	// OnRequest turns one complete request line, terminator stripped, into the response payload.
	// It must be free of side effects: it may run on a worker goroutine. An empty response
	// closes the connection without writing anything.
	OnRequest(request []byte) (response []byte)
}

// EventServer is a built-in implementation of EventHandler which echoes every request.
// Embed it in your own handler to only override the callbacks you need.
type EventServer struct{}

// OnInitComplete fires when the server is ready for accepting connections.
func (es *EventServer) OnInitComplete(svr Server) (action Action) {
	return
}

// OnShutdown fires when the server is being shut down.
func (es *EventServer) OnShutdown(svr Server) {
}

// OnOpened fires when a new connection has been opened.
func (es *EventServer) OnOpened(c Conn) {
}

// OnClosed fires when a connection has been closed.
func (es *EventServer) OnClosed(c Conn, err error) {
}

// OnRequest echoes the request back.
func (es *EventServer) OnRequest(request []byte) []byte {
	return request
}

// Serve starts handling line requests on the TCP port with the specified event handler.
// It blocks until the server shuts down, either through Stop or a fatal poller or listener
// failure, in which case that failure is returned. Port 0 picks a free port, the actual
// address is reported to OnInitComplete.
func Serve(eventHandler EventHandler, port int, opts ...Option) (err error) {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: %d", errors.ErrInvalidPort, port)
	}
	options := loadOptions(opts...)

	defer logging.Cleanup()

	ln, err := initListener("tcp", fmt.Sprintf(":%d", port), options.ReusePort)
	if err != nil {
		return
	}
	defer ln.close()

	return serve(eventHandler, ln, options, ln.lnaddr.String())
}

var (
	serverFarm           sync.Map
	shutdownPollInterval = 50 * time.Millisecond
)

// Stop gracefully shuts down the server listening on addr without interrupting any active
// event-loops, it waits indefinitely for connections and event-loops to be closed and then shuts down.
// addr is the Server.Addr reported to OnInitComplete.
func Stop(ctx context.Context, addr string) error {
	var svr *server
	if s, ok := serverFarm.Load(addr); ok {
		svr = s.(*server)
		svr.signalShutdown()
		defer serverFarm.Delete(addr)
	} else {
		return errors.ErrServerNotFound
	}

	if svr.isInShutdown() {
		return errors.ErrServerInShutdown
	}

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
	for {
		if svr.isInShutdown() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func sniffErrorAndLog(err error) {
	if err != nil {
		logging.DefaultLogger.Errorf("%v", err)
	}
}
