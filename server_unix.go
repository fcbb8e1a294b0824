//go:build linux
// +build linux

package shpreactor

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	reactorerrors "shpreactor/errors"
	"shpreactor/internal/logging"
	"shpreactor/internal/netpoll"
	"shpreactor/pool/goroutine"
)

type server struct {
	ln           *listener                         // the listener for accepting new connections
	lb           loadBalancer                      // event-loops for handling events
	wg           sync.WaitGroup                    // event-loop close WaitGroup
	mainWG       sync.WaitGroup                    // main reactor close WaitGroup
	offloads     sync.WaitGroup                    // requests in flight on the worker pool
	opts         *Options                          // options with server
	once         sync.Once                         // make sure only signalShutdown once
	shutdown     chan struct{}                     // closed by signalShutdown
	logger       logging.Logger                    // customized logger for logging info
	mainLoop     *eventloop                        // main event-loop for accepting connections
	inShutdown   int32                             // whether the server is in shutdown
	eventHandler EventHandler                      // user eventHandler
	workerPool   *goroutine.Pool                   // processing offload, nil when inline
	conns        cmap.ConcurrentMap[string, *conn] // live connections across all event-loops
	greeting     []byte                            // greeting followed by the prompt
	prompt       []byte
	errMu        sync.Mutex
	loopErr      error // first fatal error an event-loop exited with
}

func (svr *server) isInShutdown() bool {
	return atomic.LoadInt32(&svr.inShutdown) == 1
}

// waitForShutdown waits for a signal to shutdown.
func (svr *server) waitForShutdown() {
	<-svr.shutdown
}

// signalShutdown signals the server to shut down.
func (svr *server) signalShutdown() {
	svr.once.Do(func() {
		close(svr.shutdown)
	})
}

// recordLoopExit logs why an event-loop stopped and keeps the first fatal error for Serve.
func (svr *server) recordLoopExit(el *eventloop, err error) {
	if err == nil || errors.Is(err, reactorerrors.ErrServerShutdown) {
		svr.logger.Infof("Event-loop(%d) is exiting normally on the signal error: %v", el.idx, err)
		return
	}
	svr.logger.Errorf("Event-loop(%d) is exiting due to error: %v", el.idx, err)
	svr.errMu.Lock()
	if svr.loopErr == nil {
		svr.loopErr = err
	}
	svr.errMu.Unlock()
}

func (svr *server) fatalError() error {
	svr.errMu.Lock()
	defer svr.errMu.Unlock()
	return svr.loopErr
}

func (svr *server) newEventLoop() (*eventloop, error) {
	p, err := netpoll.OpenPoller(svr.opts.TaskQueue)
	if err != nil {
		return nil, err
	}
	p.SetLogger(svr.logger)
	return &eventloop{
		ln:           svr.ln,
		svr:          svr,
		poller:       p,
		packet:       make([]byte, svr.opts.ReadBufferCap),
		connections:  make(map[int]*conn),
		eventHandler: svr.eventHandler,
		logger:       svr.logger,
	}, nil
}

// attachAcceptor registers the listener on el, making el the accepting loop.
func (svr *server) attachAcceptor(el *eventloop) error {
	el.acceptor = newAcceptor(svr.ln.fd, svr, el)
	if err := el.poller.AddRead(svr.ln.fd); err != nil {
		el.acceptor.close()
		return err
	}
	return nil
}

func (svr *server) startEventLoops() {
	svr.lb.iterate(func(i int, el *eventloop) bool {
		svr.wg.Add(1)
		go func() {
			el.loopRun(svr.opts.LockOSThread)
			svr.wg.Done()
		}()
		return true
	})
}

func (svr *server) closeEventLoops() {
	svr.lb.iterate(func(i int, el *eventloop) bool {
		el.close()
		return true
	})
	if svr.mainLoop != nil {
		svr.mainLoop.close()
	}
}

func (svr *server) startSubReactors() {
	svr.lb.iterate(func(i int, el *eventloop) bool {
		svr.wg.Add(1)
		go func() {
			svr.activateSubReactor(el, svr.opts.LockOSThread)
			svr.wg.Done()
		}()
		return true
	})
}

// activateEventLoop sets up single-reactor mode: one loop accepts and serves.
func (svr *server) activateEventLoop() error {
	el, err := svr.newEventLoop()
	if err != nil {
		return err
	}
	if err = svr.attachAcceptor(el); err != nil {
		sniffErrorAndLog(el.poller.Close())
		return err
	}
	svr.lb.register(el)

	svr.startEventLoops()
	return nil
}

// activateReactors sets up multi-reactor mode: numEventLoop sub-reactors plus a main reactor.
func (svr *server) activateReactors(numEventLoop int) error {
	for i := 0; i < numEventLoop; i++ {
		el, err := svr.newEventLoop()
		if err != nil {
			svr.lb.iterate(func(i int, el *eventloop) bool {
				sniffErrorAndLog(el.poller.Close())
				return true
			})
			return err
		}
		svr.lb.register(el)
	}

	// Start sub reactors in background.
	svr.startSubReactors()

	el, err := svr.newEventLoop()
	if err == nil {
		if err = svr.attachAcceptor(el); err != nil {
			sniffErrorAndLog(el.poller.Close())
		}
	}
	if err != nil {
		svr.stopEventLoops()
		svr.closeEventLoops()
		return err
	}
	el.idx = -1
	svr.mainLoop = el

	// Start main reactor in background.
	svr.mainWG.Add(1)
	go func() {
		svr.activateMainReactor(svr.opts.LockOSThread)
		svr.mainWG.Done()
	}()

	return nil
}

func (svr *server) start(numEventLoop int) error {
	if numEventLoop == 1 && !svr.opts.ReactorPool {
		return svr.activateEventLoop()
	}
	return svr.activateReactors(numEventLoop)
}

// stopEventLoops pushes the shutdown signal through every loop's queue and waits for them.
// The main reactor goes first so that no hand-off reaches a sub-reactor after it stopped.
func (svr *server) stopEventLoops() {
	shutdownTask := func() error { return reactorerrors.ErrServerShutdown }
	if svr.mainLoop != nil {
		sniffErrorAndLog(svr.mainLoop.poller.Trigger(shutdownTask))
		svr.mainWG.Wait()
	}
	svr.lb.iterate(func(i int, el *eventloop) bool {
		sniffErrorAndLog(el.poller.Trigger(shutdownTask))
		return true
	})

	// Wait on all loops to complete reading events
	svr.wg.Wait()
}

func (svr *server) stop(s Server) {
	// Wait on a signal for shutdown
	svr.waitForShutdown()

	svr.stopEventLoops()

	// Workers may still hold connections; their hand-off tasks target pollers closed below.
	svr.offloads.Wait()
	svr.closeEventLoops()
	if svr.workerPool != nil {
		svr.workerPool.Release()
	}

	svr.eventHandler.OnShutdown(s)

	atomic.StoreInt32(&svr.inShutdown, 1)
}

func serve(eventHandler EventHandler, listener *listener, options *Options, protoAddr string) error {
	// Figure out the proper number of event-loops/goroutines to run.
	numEventLoop := 1
	if options.Multicore {
		numEventLoop = runtime.NumCPU()
	}
	if options.NumEventLoop > 0 {
		numEventLoop = options.NumEventLoop
	}

	svr := new(server)
	svr.opts = options
	svr.eventHandler = eventHandler
	svr.ln = listener
	svr.lb = new(roundRobinLoadBalancer)
	svr.shutdown = make(chan struct{})
	svr.logger = options.Logger
	svr.conns = cmap.New[*conn]()
	svr.greeting = []byte(options.Greeting + options.Prompt)
	svr.prompt = []byte(options.Prompt)

	if options.WorkerPoolSize > 0 {
		wp, err := goroutine.New(options.WorkerPoolSize, svr.logger)
		if err != nil {
			return err
		}
		svr.workerPool = wp
	}
	releasePool := func() {
		if svr.workerPool != nil {
			svr.workerPool.Release()
		}
	}

	server := Server{
		svr:            svr,
		Multicore:      options.Multicore,
		Addr:           listener.lnaddr,
		NumEventLoop:   numEventLoop,
		ReactorPool:    numEventLoop > 1 || options.ReactorPool,
		ReusePort:      options.ReusePort,
		TCPKeepAlive:   options.TCPKeepAlive,
		WorkerPoolSize: options.WorkerPoolSize,
	}

	serverFarm.Store(protoAddr, svr)
	defer serverFarm.Delete(protoAddr)

	switch svr.eventHandler.OnInitComplete(server) {
	case None:
	case Shutdown:
		releasePool()
		atomic.StoreInt32(&svr.inShutdown, 1)
		return nil
	}

	if err := svr.start(numEventLoop); err != nil {
		svr.logger.Errorf("server is stopping with error: %v", err)
		releasePool()
		atomic.StoreInt32(&svr.inShutdown, 1)
		return err
	}

	svr.stop(server)
	return svr.fatalError()
}
