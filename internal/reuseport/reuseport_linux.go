package reuseport

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const somaxconnPath = "/proc/sys/net/core/somaxconn"

func maxListenerBacklog() int {
	return backlogFromFile(somaxconnPath)
}

func backlogFromFile(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return unix.SOMAXCONN
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return unix.SOMAXCONN
	}
	fields := strings.Fields(line)
	if len(fields) < 1 {
		return unix.SOMAXCONN
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return unix.SOMAXCONN
	}
	// Linux stores the backlog in a uint16.
	if n > 1<<16-1 {
		n = 1<<16 - 1
	}
	return n
}
