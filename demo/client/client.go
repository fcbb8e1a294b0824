package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"shpreactor/internal/logging"
)

// The client copies server output to stdout and sends every stdin line with a CRLF terminator.
// An empty line asks the server to close the session.
func main() {
	addr := flag.String("addr", "127.0.0.1:8848", "server address")
	timeout := flag.Duration("timeout", 5*time.Second, "dial timeout")
	flag.Parse()

	logger := logging.Named("client")
	defer logging.Cleanup()

	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		logger.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := io.Copy(os.Stdout, conn); err != nil {
			logger.Warnf("read from %s: %v", *addr, err)
		}
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if _, err := fmt.Fprintf(conn, "%s\r\n", scanner.Text()); err != nil {
				logger.Warnf("write to %s: %v", *addr, err)
				return
			}
		}
		// Stdin ended, ask the server to close the session.
		_, _ = io.WriteString(conn, "\r\n")
	}()

	<-done
	fmt.Println()
	logger.Infof("connection to %s closed", *addr)
}
