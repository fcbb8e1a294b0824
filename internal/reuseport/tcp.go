//go:build linux
// +build linux

package reuseport

import (
	"net"
	"os"

	"github.com/panjf2000/gnet/errors"
	"golang.org/x/sys/unix"
	"shpreactor/internal/netpoll"
)

var listenerBacklogMaxSize = maxListenerBacklog()

// TCPSocket creates a non-blocking listening socket bound to addr and returns its fd
// together with the address the kernel actually bound, so ":0" reports the chosen port.
// Argument `reusePort` indicates whether the SO_REUSEPORT flag will be assigned.
func TCPSocket(proto, addr string, reusePort bool) (fd int, netAddr net.Addr, err error) {
	var (
		family   int
		sockaddr unix.Sockaddr
	)
	if sockaddr, family, err = getTCPSockaddr(proto, addr); err != nil {
		return
	}

	if fd, err = sysSocket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP); err != nil {
		err = os.NewSyscallError("socket", err)
		return
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
			fd = -1
		}
	}()

	if err = os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)); err != nil {
		return
	}
	if reusePort {
		if err = os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)); err != nil {
			return
		}
	}
	if err = os.NewSyscallError("bind", unix.Bind(fd, sockaddr)); err != nil {
		return
	}
	// Set backlog size to the maximum.
	if err = os.NewSyscallError("listen", unix.Listen(fd, listenerBacklogMaxSize)); err != nil {
		return
	}

	var bound unix.Sockaddr
	if bound, err = unix.Getsockname(fd); err != nil {
		err = os.NewSyscallError("getsockname", err)
		return
	}
	netAddr = netpoll.SockaddrToTCPOrUnixAddr(bound)
	return
}

func getTCPSockaddr(proto, addr string) (sa unix.Sockaddr, family int, err error) {
	var tcpAddr *net.TCPAddr
	if tcpAddr, err = net.ResolveTCPAddr(proto, addr); err != nil {
		return
	}

	var tcpVersion string
	if tcpVersion, err = determineTCPProto(proto, tcpAddr); err != nil {
		return
	}

	switch tcpVersion {
	case "tcp4":
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 := tcpAddr.IP.To4(); ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		sa, family = sa4, unix.AF_INET
	case "tcp6":
		sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		if tcpAddr.IP != nil {
			copy(sa6.Addr[:], tcpAddr.IP.To16())
		}
		if tcpAddr.Zone != "" {
			var iface *net.Interface
			if iface, err = net.InterfaceByName(tcpAddr.Zone); err != nil {
				return
			}
			sa6.ZoneId = uint32(iface.Index)
		}
		sa, family = sa6, unix.AF_INET6
	default:
		// A wildcard "tcp" address listens on IPv4.
		sa, family = &unix.SockaddrInet4{Port: tcpAddr.Port}, unix.AF_INET
	}
	return
}

// determineTCPProto picks the concrete TCP version from the resolved IP, falling back
// to the protocol the caller asked for when the address is a wildcard.
func determineTCPProto(proto string, addr *net.TCPAddr) (string, error) {
	switch {
	case addr.IP.To4() != nil:
		return "tcp4", nil
	case addr.IP.To16() != nil:
		return "tcp6", nil
	}
	switch proto {
	case "tcp", "tcp4", "tcp6":
		return proto, nil
	}
	return "", errors.ErrUnsupportedTCPProtocol
}
