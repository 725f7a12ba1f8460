//go:build unix

package iochannel

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

// readUnixWithCreds reads a datagram/stream chunk from a Unix domain
// socket along with any SCM_CREDENTIALS ancillary data the kernel
// attaches (Linux) or PEERCRED-equivalent info. Go's net package does not
// expose recvmsg directly, so this drops to the raw conn's syscall.Conn
// to call unix.Recvmsg.
func readUnixWithCreds(uc *net.UnixConn, buf []byte) (int, Credentials, error) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, Credentials{}, fmt.Errorf("%w: %v", ErrConnectionTerminated, err)
	}

	oob := make([]byte, unix.CmsgSpace(syscall.SizeofUcred))
	var n, oobn int
	var recvErr error
	ctrlErr := raw.Read(func(fd uintptr) bool {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(fd), buf, oob, 0)
		if recvErr == syscall.EAGAIN {
			return false // not yet ready, ask the runtime poller to wait again
		}
		return true
	})
	if ctrlErr != nil {
		return 0, Credentials{}, fmt.Errorf("%w: %v", ErrConnectionTerminated, ctrlErr)
	}
	if recvErr == syscall.EAGAIN {
		return 0, Credentials{}, nil
	}
	if recvErr == syscall.EINTR {
		return readUnixWithCreds(uc, buf)
	}
	if recvErr != nil {
		return 0, Credentials{}, fmt.Errorf("%w: %v", ErrConnectionTerminated, recvErr)
	}
	if n == 0 {
		return 0, Credentials{}, ErrConnectionTerminated
	}

	creds := Credentials{}
	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, scm := range scms {
				if ucred, err := unix.ParseUnixCredentials(&scm); err == nil {
					creds = Credentials{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid, Valid: true}
				}
			}
		}
	}
	return n, creds, nil
}

// writeUnixWithCreds sends buf over a Unix domain socket with a
// SCM_CREDENTIALS control message attached, so the peer can verify our
// EUID during the auth handshake.
func writeUnixWithCreds(uc *net.UnixConn, buf []byte) (int, error) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnectionTerminated, err)
	}

	oob := unix.UnixCredentials(&unix.Ucred{
		Pid: int32(unix.Getpid()),
		Uid: uint32(unix.Getuid()),
		Gid: uint32(unix.Getgid()),
	})

	var n int
	var sendErr error
	ctrlErr := raw.Write(func(fd uintptr) bool {
		sendErr = unix.Sendmsg(int(fd), buf, oob, nil, 0)
		if sendErr == syscall.EAGAIN {
			return false
		}
		if sendErr == nil {
			n = len(buf)
		}
		return true
	})
	if ctrlErr != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnectionTerminated, ctrlErr)
	}
	if sendErr == syscall.EAGAIN {
		return 0, nil
	}
	if sendErr == syscall.EINTR {
		return writeUnixWithCreds(uc, buf)
	}
	if sendErr != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnectionTerminated, sendErr)
	}
	return n, nil
}
