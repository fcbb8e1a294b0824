package shpreactor

import "runtime"

// activateMainReactor runs the main reactor, which only hosts the acceptor.
func (svr *server) activateMainReactor(lockOSThread bool) {
	if lockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	defer svr.signalShutdown()

	err := svr.mainLoop.poller.Polling(svr.mainLoop.handleEvent)
	svr.recordLoopExit(svr.mainLoop, err)
}

// activateSubReactor runs one sub-reactor, which serves the connections handed to it
// by the main reactor for their whole lifetime.
func (svr *server) activateSubReactor(el *eventloop, lockOSThread bool) {
	if lockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	defer func() {
		el.shutdown()
		svr.signalShutdown()
	}()

	err := el.poller.Polling(el.handleEvent)
	svr.recordLoopExit(el, err)
}
