// Package iochannel implements the byte-oriented full-duplex socket
// endpoint: non-blocking read/write over a local or TCP socket, with
// readable/writable/hangup event hooks and, on platforms that support it,
// out-of-band credentials and file descriptors.
package iochannel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"
)

// ErrConnectionTerminated is returned from Read/Write once the channel
// has hit EOF or an unrecoverable errno.
var ErrConnectionTerminated = errors.New("iochannel: connection terminated")

// Credentials carries peer identity passed out-of-band on platforms that
// support it. Valid reports whether the platform and socket
// type actually delivered credentials for this read.
type Credentials struct {
	PID   int32
	UID   uint32
	GID   uint32
	Valid bool
}

// Channel wraps a net.Conn (TCP or Unix domain) with a non-blocking,
// event-driven contract. It does not itself run an
// event loop; callers (pstream) drive it via an external mainloop.Loop and
// call the On* setters to register readiness callbacks.
type Channel struct {
	conn   net.Conn
	unix   *net.UnixConn // non-nil iff conn is a Unix domain socket
	logger *log.Logger

	mu         sync.Mutex
	onReadable func()
	onWritable func()
	onHangup   func()
	closed     bool
}

// New wraps conn as a Channel. If conn is a *net.TCPConn, TCP_NODELAY
// is enabled to keep control traffic low-delay.
func New(conn net.Conn) (*Channel, error) {
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			return nil, fmt.Errorf("iochannel: set TCP_NODELAY: %w", err)
		}
	}
	c := &Channel{
		conn:   conn,
		logger: log.With("component", "iochannel"),
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		c.unix = uc
	}
	return c, nil
}

// SetOnReadable registers the callback invoked when data can be read.
func (c *Channel) SetOnReadable(fn func()) {
	c.mu.Lock()
	c.onReadable = fn
	c.mu.Unlock()
}

// SetOnWritable registers the callback invoked when the channel has
// buffer space available for writing.
func (c *Channel) SetOnWritable(fn func()) {
	c.mu.Lock()
	c.onWritable = fn
	c.mu.Unlock()
}

// SetOnHangup registers the callback invoked once the peer has closed the
// connection or an unrecoverable error occurred.
func (c *Channel) SetOnHangup(fn func()) {
	c.mu.Lock()
	c.onHangup = fn
	c.mu.Unlock()
}

// Read reads up to len(buf) bytes. EINTR is retried internally; EAGAIN
// (or its portable equivalent) returns (0, nil) so the caller tries again
// once notified. EOF or any other errno returns ErrConnectionTerminated.
func (c *Channel) Read(buf []byte) (int, error) {
	for {
		n, err := c.conn.Read(buf)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if isWouldBlock(err) {
			return 0, nil
		}
		if errors.Is(err, io.EOF) {
			c.hangup()
			return n, ErrConnectionTerminated
		}
		c.hangup()
		return n, fmt.Errorf("%w: %v", ErrConnectionTerminated, err)
	}
}

// Write writes buf, retrying on EINTR and returning (0, nil) on EAGAIN.
func (c *Channel) Write(buf []byte) (int, error) {
	for {
		n, err := c.conn.Write(buf)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if isWouldBlock(err) {
			return 0, nil
		}
		c.hangup()
		return n, fmt.Errorf("%w: %v", ErrConnectionTerminated, err)
	}
}

// ReadWithCreds behaves like Read but additionally returns any peer
// credentials carried by the underlying transport. On platforms/socket
// types that cannot deliver credentials, Credentials.Valid is false and
// the byte payload is read exactly as Read would.
func (c *Channel) ReadWithCreds(buf []byte) (int, Credentials, error) {
	if c.unix == nil {
		n, err := c.Read(buf)
		return n, Credentials{}, err
	}
	return readUnixWithCreds(c.unix, buf)
}

// WriteWithCreds behaves like Write but additionally attaches the calling
// process's credentials when the underlying transport is a local socket
// that supports it. On unsupported transports it degrades to plain Write
// and reports that no credentials were sent.
func (c *Channel) WriteWithCreds(buf []byte) (int, error) {
	if c.unix == nil {
		return c.Write(buf)
	}
	return writeUnixWithCreds(c.unix, buf)
}

// Close closes the underlying connection. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Channel) hangup() {
	c.mu.Lock()
	cb := c.onHangup
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// FireReadable invokes the registered readable callback, if any. Called
// by the driving mainloop when the fd becomes readable.
func (c *Channel) FireReadable() {
	c.mu.Lock()
	cb := c.onReadable
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// FireWritable invokes the registered writable callback, if any.
func (c *Channel) FireWritable() {
	c.mu.Lock()
	cb := c.onWritable
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}
