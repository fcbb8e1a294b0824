// Package errors holds the sentinel errors shared by the reactor engine.
package errors

import "errors"

var (
	// ErrServerShutdown occurs when server is closing.
	ErrServerShutdown = errors.New("server is going to be shutdown")
	// ErrAcceptSocket occurs when the listening socket itself can no longer accept.
	ErrAcceptSocket = errors.New("accept a new connection error")
	// ErrPollerFailed occurs when the readiness primitive fails and the reactor cannot go on.
	ErrPollerFailed = errors.New("poller failed")
	// ErrConnectionClosed occurs when the peer ends the stream or aborts the request.
	ErrConnectionClosed = errors.New("connection closed by peer")
	// ErrRequestTooLarge occurs when a request outgrows the configured maximum before its terminator.
	ErrRequestTooLarge = errors.New("request exceeds the maximum size")
	// ErrServerInShutdown occurs when attempting to shut the server down more than once.
	ErrServerInShutdown = errors.New("server is already in shutdown")
	// ErrServerNotFound occurs when no running server listens on the given address.
	ErrServerNotFound = errors.New("no server is listening on the given address")
	// ErrInvalidPort occurs when the listening port is out of range.
	ErrInvalidPort = errors.New("invalid listening port")
)
