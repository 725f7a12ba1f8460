package pstream

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsego/internal/iochannel"
	"pulsego/internal/mempool"
	"pulsego/internal/proto"
)

func streamPair(t *testing.T) (*Stream, *Stream) {
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

	aCh, err := iochannel.New(clientConn)
	require.NoError(t, err)
	bCh, err := iochannel.New(serverConn)
	require.NoError(t, err)

	pool := mempool.New(false)
	a := New(aCh, pool)
	b := New(bCh, pool)
	return a, b
}

// pump gives the background read-pump goroutines (started in New) time
// to deliver what's already been sent; sends themselves run synchronously.
func pump(a, b *Stream, rounds int) {
	time.Sleep(time.Duration(rounds) * 2 * time.Millisecond)
}

func TestPacketRoundTrip(t *testing.T) {
	a, b := streamPair(t)
	defer a.Close()
	defer b.Close()

	received := make(chan []byte, 1)
	b.SetPacketCallback(func(data []byte, creds iochannel.Credentials) {
		received <- append([]byte(nil), data...)
	})

	a.SendPacket([]byte("hello control"), false)
	pump(a, b, 20)

	select {
	case got := <-received:
		assert.Equal(t, "hello control", string(got))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestMemblockRoundTrip(t *testing.T) {
	a, b := streamPair(t)
	defer a.Close()
	defer b.Close()

	pool := mempool.New(false)
	blk, err := pool.NewBlock(5)
	require.NoError(t, err)
	copy(blk.Acquire(), "audio")
	blk.Release()
	chunk, err := mempool.NewChunk(blk, 0, 5)
	require.NoError(t, err)
	blk.Unref()

	type delivery struct {
		channel uint32
		data    []byte
		offset  int64
		seek    proto.SeekMode
		first   bool
	}
	received := make(chan delivery, 4)
	b.SetMemblockCallback(func(channel uint32, c mempool.Chunk, offset int64, seek proto.SeekMode, first bool) {
		acq := c.Block.Acquire()
		received <- delivery{channel, append([]byte(nil), c.Bytes(acq)...), offset, seek, first}
		c.Block.Release()
		c.Release()
	})

	a.SendMemblock(3, chunk, 42, proto.SeekRelative)
	pump(a, b, 20)

	select {
	case d := <-received:
		assert.Equal(t, uint32(3), d.channel)
		assert.Equal(t, "audio", string(d.data))
		assert.Equal(t, int64(42), d.offset)
		assert.True(t, d.first)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for memblock")
	}
}

func TestIsPendingAndDrain(t *testing.T) {
	a, b := streamPair(t)
	defer a.Close()
	defer b.Close()
	b.SetPacketCallback(func([]byte, iochannel.Credentials) {})

	drained := make(chan struct{}, 1)
	a.SetDrainCallback(func() { drained <- struct{}{} })

	assert.False(t, a.IsPending())
	a.SendPacket([]byte("x"), false)
	pump(a, b, 20)

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain callback never fired")
	}
	assert.False(t, a.IsPending())
}

func TestCloseIsIdempotentAndDropsSends(t *testing.T) {
	a, b := streamPair(t)
	defer b.Close()

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	// sends after Close are silently dropped, not panics
	pool := mempool.New(false)
	blk, err := pool.NewBlock(1)
	require.NoError(t, err)
	chunk, err := mempool.NewChunk(blk, 0, 1)
	require.NoError(t, err)
	blk.Unref()
	a.SendPacket([]byte("late"), false)
	a.SendMemblock(1, chunk, 0, proto.SeekAbsolute)
	assert.False(t, a.IsPending())
}

func TestOversizedFrameKillsConnection(t *testing.T) {
	a, b := streamPair(t)
	defer a.Close()
	defer b.Close()

	died := make(chan error, 1)
	b.SetDieCallback(func(err error) { died <- err })

	// Craft a raw descriptor claiming a payload larger than MaxFrameSize
	// and write it directly past the Stream abstraction.
	hdr := make([]byte, descriptorSize)
	badLen := uint32(MaxFrameSize + 1)
	hdr[0] = byte(badLen >> 24)
	hdr[1] = byte(badLen >> 16)
	hdr[2] = byte(badLen >> 8)
	hdr[3] = byte(badLen)
	// channel = control
	hdr[4], hdr[5], hdr[6], hdr[7] = 0xFF, 0xFF, 0xFF, 0xFF

	go func() {
		for off := 0; off < len(hdr); {
			n, err := a.ch.Write(hdr[off:])
			if err != nil || n == 0 {
				return
			}
			off += n
		}
	}()

	pump(a, b, 30)

	select {
	case err := <-died:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected die callback on oversized frame")
	}
}
