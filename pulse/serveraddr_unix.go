//go:build unix

package pulse

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// dirOwnedByCaller reports whether info's owning UID matches the calling
// process's effective UID, the only check applied before accepting the
// legacy /tmp/pulse-<user>/ runtime directory.
func dirOwnedByCaller(info os.FileInfo) bool {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return st.Uid == uint32(unix.Getuid())
}

func isConnRefused(err error) bool  { return errors.Is(err, syscall.ECONNREFUSED) }
func isTimeout(err error) bool      { return errors.Is(err, syscall.ETIMEDOUT) || os.IsTimeout(err) }
func isHostUnreachable(err error) bool {
	return errors.Is(err, syscall.EHOSTUNREACH)
}
