//go:build linux
// +build linux

package shpreactor

import (
	"net"
	"os"
	"sync"

	"github.com/panjf2000/gnet/errors"
	"golang.org/x/sys/unix"
	"shpreactor/internal/netpoll"
	"shpreactor/internal/reuseport"
)

type listener struct {
	once          sync.Once
	fd            int
	lnaddr        net.Addr
	reusePort     bool
	addr, network string
}

func (ln *listener) dup() (int, error) {
	return netpoll.Dup(ln.fd)
}

func (ln *listener) normalize() (err error) {
	switch ln.network {
	case "tcp", "tcp4", "tcp6":
		ln.fd, ln.lnaddr, err = reuseport.TCPSocket(ln.network, ln.addr, ln.reusePort)
		ln.network = "tcp"
	default:
		err = errors.ErrUnsupportedProtocol
	}
	return
}

func (ln *listener) close() {
	ln.once.Do(func() {
		if ln.fd > 0 {
			sniffErrorAndLog(os.NewSyscallError("close", unix.Close(ln.fd)))
		}
	})
}

func initListener(network, addr string, reusePort bool) (l *listener, err error) {
	l = &listener{network: network, addr: addr, reusePort: reusePort}
	if err = l.normalize(); err != nil {
		l = nil
	}
	return
}
