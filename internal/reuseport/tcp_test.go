//go:build linux
// +build linux

package reuseport

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	gerrors "github.com/panjf2000/gnet/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestTCPSocketReportsBoundPort(t *testing.T) {
	fd, addr, err := TCPSocket("tcp", "127.0.0.1:0", false)
	require.NoError(t, err)
	defer unix.Close(fd)

	tcpAddr, ok := addr.(*net.TCPAddr)
	require.True(t, ok)
	assert.NotZero(t, tcpAddr.Port)
	assert.Equal(t, "127.0.0.1", tcpAddr.IP.String())

	// The socket really listens.
	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	_ = c.Close()
}

func TestTCPSocketWildcardAndReusePort(t *testing.T) {
	fd, addr, err := TCPSocket("tcp", ":0", true)
	require.NoError(t, err)
	defer unix.Close(fd)
	assert.NotZero(t, addr.(*net.TCPAddr).Port)

	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestTCPSocketErrors(t *testing.T) {
	_, _, err := TCPSocket("udp", ":0", false)
	assert.Error(t, err)

	fd, addr, err := TCPSocket("tcp", "127.0.0.1:0", false)
	require.NoError(t, err)
	defer unix.Close(fd)
	_, _, err = TCPSocket("tcp", addr.String(), false)
	assert.Error(t, err, "binding a port twice without SO_REUSEPORT must fail")
}

func TestDetermineTCPProto(t *testing.T) {
	v, err := determineTCPProto("tcp", &net.TCPAddr{IP: net.ParseIP("::1")})
	require.NoError(t, err)
	assert.Equal(t, "tcp6", v)

	v, err = determineTCPProto("tcp4", &net.TCPAddr{})
	require.NoError(t, err)
	assert.Equal(t, "tcp4", v)

	_, err = determineTCPProto("sctp", &net.TCPAddr{})
	assert.ErrorIs(t, err, gerrors.ErrUnsupportedTCPProtocol)
}

func TestBacklogFromFile(t *testing.T) {
	dir := t.TempDir()
	write := func(content string) string {
		p := filepath.Join(dir, "somaxconn")
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
		return p
	}

	assert.Equal(t, 4096, backlogFromFile(write("4096\n")))
	assert.Equal(t, 1<<16-1, backlogFromFile(write("100000\n")))
	assert.Equal(t, unix.SOMAXCONN, backlogFromFile(write("garbage\n")))
	assert.Equal(t, unix.SOMAXCONN, backlogFromFile(filepath.Join(dir, "missing")))
}
