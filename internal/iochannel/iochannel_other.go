//go:build !unix

package iochannel

import (
	"net"
)

// On non-Unix platforms there is no portable equivalent of SCM_CREDENTIALS, so the
// *_other build simply falls back to ordinary reads/writes.

func isWouldBlock(err error) bool {
	return false
}

func readUnixWithCreds(uc *net.UnixConn, buf []byte) (int, Credentials, error) {
	n, err := uc.Read(buf)
	return n, Credentials{}, err
}

func writeUnixWithCreds(uc *net.UnixConn, buf []byte) (int, error) {
	return uc.Write(buf)
}
