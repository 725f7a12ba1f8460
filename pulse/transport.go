package pulse

import (
	"net"

	"pulsego/internal/iochannel"
)

// newChannel wraps a dialed connection as an iochannel.Channel.
func newChannel(conn net.Conn) (*iochannel.Channel, error) {
	return iochannel.New(conn)
}

// isLocalConn reports whether conn is a Unix domain socket, the only
// transport shared-memory and credential passing are available on.
func isLocalConn(conn net.Conn) bool {
	_, ok := conn.(*net.UnixConn)
	return ok
}
