package iochannel

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var serverConn net.Conn
	accepted := make(chan struct{})
	go func() {
		serverConn, _ = ln.Accept()
		close(accepted)
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	<-accepted

	a, err := New(clientConn)
	require.NoError(t, err)
	b, err := New(serverConn)
	require.NoError(t, err)
	return a, b
}

func TestWriteThenRead(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	n, err := a.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	// Give the OS a moment to deliver the bytes.
	time.Sleep(10 * time.Millisecond)
	n, err = b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestCloseIsIdempotent(t *testing.T) {
	a, b := pipePair(t)
	defer b.Close()
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestReadAfterCloseTerminates(t *testing.T) {
	a, b := pipePair(t)
	defer b.Close()
	require.NoError(t, a.Close())

	buf := make([]byte, 16)
	_, err := b.Read(buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionTerminated)
}
