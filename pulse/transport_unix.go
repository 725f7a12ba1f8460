//go:build unix

package pulse

import (
	"net"

	"golang.org/x/sys/unix"
)

// sameEUID reports whether conn is a local socket whose peer's effective
// UID (via SO_PEERCRED) matches ours, the gate for enabling the
// shared-memory transport.
func sameEUID(conn net.Conn) bool {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return false
	}
	var cred *unix.Ucred
	var gerr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, gerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil || gerr != nil || cred == nil {
		return false
	}
	return cred.Uid == uint32(unix.Getuid())
}
