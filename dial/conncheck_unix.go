//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd || solaris || illumos

package dial

import (
	"io"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// connCheck peeks at the socket without blocking. io.EOF means the peer has
// closed the connection.
func connCheck(c net.Conn) error {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return nil
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	var checkErr error
	err = rc.Read(func(fd uintptr) bool {
		var buf [1]byte
		n, _, err := unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case n == 0 && err == nil:
			checkErr = io.EOF
		case n > 0:
			checkErr = errUnexpectedRead
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			checkErr = nil
		default:
			checkErr = err
		}
		return true
	})
	if err != nil {
		return err
	}
	return checkErr
}
