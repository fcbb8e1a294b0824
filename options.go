package shpreactor

import (
	"time"

	"shpreactor/internal/logging"
	"shpreactor/internal/netpoll/queue"
)

const (
	// DefaultGreeting is written to every connection right after it is accepted.
	DefaultGreeting = "Reactor echo server, double Enter to exit.\r\n"
	// DefaultPrompt follows the greeting and every echoed response.
	DefaultPrompt = "msg> "
	// DefaultReadBufferCap is the size of the per-reactor read packet, one read per readable event.
	DefaultReadBufferCap = 1024
)

// Option is a function that will set up option.
type Option func(opts *Options)

func loadOptions(options ...Option) *Options {
	opts := &Options{
		Greeting:      DefaultGreeting,
		Prompt:        DefaultPrompt,
		ReadBufferCap: DefaultReadBufferCap,
		TCPNoDelay:    true,
	}
	for _, option := range options {
		option(opts)
	}
	if opts.ReadBufferCap <= 0 {
		opts.ReadBufferCap = DefaultReadBufferCap
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger
	}
	return opts
}

// Options are set when the client opens.
type Options struct {
	// Multicore indicates whether the server will be effectively created with multi-cores, if so,
	// then you must take care with synchronizing memory between all event callbacks, otherwise,
	// it will run the server with single thread. The number of threads in the server will be automatically
	// assigned to the value of logical CPUs usable by the current process.
	Multicore bool

	// NumEventLoop is set up to start the given number of sub-reactors, overriding Multicore.
	NumEventLoop int

	// ReactorPool forces the main/sub reactor layout even with a single sub-reactor.
	// Without it a server with one event-loop accepts and serves on that same loop.
	ReactorPool bool

	// LockOSThread is used to determine whether each I/O event-loop is associated to an OS thread.
	LockOSThread bool

	// ReadBufferCap is the maximum number of bytes read from a connection per readable event.
	ReadBufferCap int

	// ReusePort indicates whether to set up the SO_REUSEPORT socket option.
	ReusePort bool

	// TCPKeepAlive sets up a duration for (SO_KEEPALIVE) socket option.
	TCPKeepAlive time.Duration

	// TCPNoDelay controls whether the operating system should delay
	// packet transmission in hopes of sending fewer packets (Nagle's algorithm).
	TCPNoDelay bool

	// SocketSendBuffer sets SO_SNDBUF on accepted connections, 0 keeps the kernel default.
	SocketSendBuffer int

	// WorkerPoolSize enables offloading the processing step to a bounded goroutine pool.
	WorkerPoolSize int

	// Greeting and Prompt are written when a connection opens; Prompt also follows each response.
	Greeting string
	Prompt   string

	// MaxRequestSize aborts a connection whose pending request grows past it, 0 means unlimited.
	MaxRequestSize int

	// Logger is the customized logger for logging info, if it is not set, default logger will be used.
	Logger logging.Logger

	// TaskQueue picks the implementation of the per-reactor hand-off queue.
	TaskQueue queue.Kind
}

// WithOptions sets up all options.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithMulticore sets up multi-cores in server.
func WithMulticore(multicore bool) Option {
	return func(opts *Options) {
		opts.Multicore = multicore
	}
}

// WithNumEventLoop sets up NumEventLoop in server.
func WithNumEventLoop(numEventLoop int) Option {
	return func(opts *Options) {
		opts.NumEventLoop = numEventLoop
	}
}

// WithReactorPool sets up the main/sub reactor layout.
func WithReactorPool(enabled bool) Option {
	return func(opts *Options) {
		opts.ReactorPool = enabled
	}
}

// WithLockOSThread sets up LockOSThread mode for I/O event-loops.
func WithLockOSThread(lockOSThread bool) Option {
	return func(opts *Options) {
		opts.LockOSThread = lockOSThread
	}
}

// WithReadBufferCap sets up ReadBufferCap for reading bytes.
func WithReadBufferCap(readBufferCap int) Option {
	return func(opts *Options) {
		opts.ReadBufferCap = readBufferCap
	}
}

// WithReusePort sets up SO_REUSEPORT socket option.
func WithReusePort(reusePort bool) Option {
	return func(opts *Options) {
		opts.ReusePort = reusePort
	}
}

// WithTCPKeepAlive sets up the SO_KEEPALIVE socket option with duration.
func WithTCPKeepAlive(tcpKeepAlive time.Duration) Option {
	return func(opts *Options) {
		opts.TCPKeepAlive = tcpKeepAlive
	}
}

// WithTCPNoDelay enable/disable the TCP_NODELAY socket option.
func WithTCPNoDelay(noDelay bool) Option {
	return func(opts *Options) {
		opts.TCPNoDelay = noDelay
	}
}

// WithSocketSendBuffer sets the maximum socket send buffer in bytes.
func WithSocketSendBuffer(size int) Option {
	return func(opts *Options) {
		opts.SocketSendBuffer = size
	}
}

// WithWorkerPool offloads request processing to a pool of the given size.
func WithWorkerPool(size int) Option {
	return func(opts *Options) {
		opts.WorkerPoolSize = size
	}
}

// WithGreeting sets up the banner written on open.
func WithGreeting(greeting string) Option {
	return func(opts *Options) {
		opts.Greeting = greeting
	}
}

// WithPrompt sets up the prompt.
func WithPrompt(prompt string) Option {
	return func(opts *Options) {
		opts.Prompt = prompt
	}
}

// WithMaxRequestSize sets up MaxRequestSize.
func WithMaxRequestSize(size int) Option {
	return func(opts *Options) {
		opts.MaxRequestSize = size
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithTaskQueue sets up the hand-off queue implementation.
func WithTaskQueue(kind queue.Kind) Option {
	return func(opts *Options) {
		opts.TaskQueue = kind
	}
}
