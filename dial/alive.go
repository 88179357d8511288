package dial

import (
	"crypto/tls"
	"errors"
	"net"

	"github.com/One-com/gone/netpool/reaper"
)

var errUnexpectedRead = errors.New("unexpected read from idle connection")

// Alive reports whether an idle connection is still usable. It is not if it
// was closed by a reaper or by the peer, or if there's unread data on it.
// Unread data below a *tls.Conn is accepted, as TLS 1.3 servers send
// post-handshake records (session tickets) the caller may never have read.
// It never blocks and can be used as a pool.Validator.
func Alive(c net.Conn) bool {
	if reaper.Closed(c) {
		return false
	}
	sock, isTLS := raw(c)
	err := connCheck(sock)
	if isTLS && err == errUnexpectedRead {
		return true
	}
	return err == nil
}

// raw finds the socket below tls and reaper wrapping.
func raw(c net.Conn) (sock net.Conn, isTLS bool) {
	for {
		switch tc := c.(type) {
		case *tls.Conn:
			isTLS = true
			c = tc.NetConn()
		case interface{ Unwrap() net.Conn }:
			c = tc.Unwrap()
		default:
			return c, isTLS
		}
	}
}
