//go:build unix

package pool

import (
	"errors"
	"io"
	"net"
	"syscall"
)

var errUnexpectedRead = errors.New("unexpected read from idle connection")

// connCheck performs a non-blocking one-byte read on the raw socket to
// detect a peer that closed or reset the connection while it sat idle,
// including connections the kernel tore down after failed keep-alive
// probes. Connections that do not expose a raw descriptor (e.g. TLS)
// pass the check; their liveness is left to the eviction thresholds.
func connCheck(conn net.Conn) error {
	sysConn, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	rawConn, err := sysConn.SyscallConn()
	if err != nil {
		return err
	}

	var sysErr error
	err = rawConn.Read(func(fd uintptr) bool {
		var buf [1]byte
		n, rerr := syscall.Read(int(fd), buf[:])
		switch {
		case n == 0 && rerr == nil:
			sysErr = io.EOF
		case n > 0:
			sysErr = errUnexpectedRead
		case errors.Is(rerr, syscall.EAGAIN) || errors.Is(rerr, syscall.EWOULDBLOCK):
			sysErr = nil
		default:
			sysErr = rerr
		}
		return true
	})
	if err != nil {
		return err
	}
	return sysErr
}
