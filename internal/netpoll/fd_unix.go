//go:build linux || freebsd || dragonfly || darwin
// +build linux freebsd dragonfly darwin

package netpoll

import (
	"os"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// fcntlDupSupported flips to 0 once the kernel rejects F_DUPFD_CLOEXEC.
var fcntlDupSupported int32 = 1

// Dup returns a close-on-exec duplicate of fd; the caller owns the new descriptor.
func Dup(fd int) (int, error) {
	if atomic.LoadInt32(&fcntlDupSupported) == 1 {
		nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		switch err {
		case nil:
			return nfd, nil
		case unix.EINVAL, unix.ENOSYS:
			atomic.StoreInt32(&fcntlDupSupported, 0)
		default:
			return -1, os.NewSyscallError("fcntl", err)
		}
	}

	// Old kernels: dup and mark close-on-exec under the fork lock.
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()
	nfd, err := unix.Dup(fd)
	if err != nil {
		return -1, os.NewSyscallError("dup", err)
	}
	unix.CloseOnExec(nfd)
	return nfd, nil
}
