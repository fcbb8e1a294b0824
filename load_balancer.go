//go:build linux
// +build linux

package shpreactor

import "net"

// loadBalancer is a interface which manipulates the event-loop set.
type loadBalancer interface {
	register(*eventloop)
	next(net.Addr) *eventloop
	iterate(func(int, *eventloop) bool)
}

// roundRobinLoadBalancer with Round-Robin algorithm.
// next is only called from the goroutine running the acceptor, the set is fixed once
// the server has started, so neither needs a lock.
type roundRobinLoadBalancer struct {
	nextLoopIndex int
	eventLoops    []*eventloop
	size          int
}

func (lb *roundRobinLoadBalancer) register(el *eventloop) {
	el.idx = lb.size
	lb.eventLoops = append(lb.eventLoops, el)
	lb.size++
}

// next returns the eval event-loop by algorithm of Round-Robin.
func (lb *roundRobinLoadBalancer) next(_ net.Addr) (el *eventloop) {
	el = lb.eventLoops[lb.nextLoopIndex]
	if lb.nextLoopIndex++; lb.nextLoopIndex >= lb.size {
		lb.nextLoopIndex = 0
	}
	return
}

func (lb *roundRobinLoadBalancer) iterate(f func(int, *eventloop) bool) {
	for i, el := range lb.eventLoops {
		if !f(i, el) {
			break
		}
	}
}
