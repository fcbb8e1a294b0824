package shpreactor

import "runtime"

// handleEvent is the poller callback of every event-loop: it finds the one dispatcher
// registered for fd and hands it the event.
func (el *eventloop) handleEvent(fd int, ev uint32) error {
	if d := el.lookup(fd); d != nil {
		return el.dispatch(d, ev)
	}
	return nil
}

// loopRun drives a single-reactor server: this loop accepts and serves connections.
func (el *eventloop) loopRun(lockOSThread bool) {
	if lockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	defer func() {
		el.shutdown()
		el.svr.signalShutdown()
	}()

	err := el.poller.Polling(el.handleEvent)
	el.svr.recordLoopExit(el, err)
}
