package pulse

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pulsego/internal/mainloop"
	"pulsego/internal/proto"
	"pulsego/internal/tagstruct"
)

// readFrame/writeFrame implement the raw 20-byte-descriptor framing
// directly against a net.Conn, independent of the pstream
// package under test, so a fake server in these tests cannot
// accidentally pass by sharing a bug with the client it is driving.
func readFrame(t *testing.T, conn net.Conn) (channel uint32, payload []byte) {
	t.Helper()
	hdr := make([]byte, 20)
	_, err := readFull(conn, hdr)
	require.NoError(t, err)
	length := binary.BigEndian.Uint32(hdr[0:4])
	channel = binary.BigEndian.Uint32(hdr[4:8])
	payload = make([]byte, length)
	_, err = readFull(conn, payload)
	require.NoError(t, err)
	return channel, payload
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeControlFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	hdr := make([]byte, 20)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[4:8], proto.ControlChannel)
	buf := append(hdr, payload...)
	_, err := conn.Write(buf)
	require.NoError(t, err)
}

// fakeHandshakeServer implements just enough of the server side of the
// connect algorithm (AUTH, SET_CLIENT_NAME) to drive a Context to
// Ready.
func fakeHandshakeServer(t *testing.T, conn net.Conn, clientIndex uint32) {
	t.Helper()
	_, authPayload := readFrame(t, conn)
	_, authTag, _, err := tagstruct.ReadCommandHeader(authPayload)
	require.NoError(t, err)

	w := tagstruct.NewCommand(proto.CommandReply, authTag)
	w.PutU32(proto.ProtocolVersion)
	writeControlFrame(t, conn, w.Bytes())

	_, namePayload := readFrame(t, conn)
	_, nameTag, _, err := tagstruct.ReadCommandHeader(namePayload)
	require.NoError(t, err)

	w2 := tagstruct.NewCommand(proto.CommandReply, nameTag)
	w2.PutU32(clientIndex)
	writeControlFrame(t, conn, w2.Bytes())
}

// After the AUTH/SET_CLIENT_NAME exchange the context reaches Ready
// and exposes the server-assigned client index.
func TestConnectHandshakeReachesReady(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	loop := mainloop.New()
	go loop.Run()
	defer loop.Quit(0)

	ctx := NewContext(loop, "probe", nil)

	states := make(chan ContextState, 8)
	ctx.SetStateCallback(func(st ContextState) { states <- st })

	go fakeHandshakeServer(t, serverConn, 7)

	ctx.setState(ContextConnecting)
	ctx.attach(clientConn)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-states:
			if st == ContextReady {
				idx, ok := ctx.Index()
				require.True(t, ok)
				require.Equal(t, uint32(7), idx)
				require.Equal(t, ContextReady, ctx.State())
				ctx.Disconnect()
				return
			}
			if st == ContextFailed {
				t.Fatalf("context failed: %v", ctx.LastError())
			}
		case <-deadline:
			t.Fatal("handshake did not reach Ready in time")
		}
	}
}

// A forked-process check must return immediately with no side
// effects.
func TestForkedGuardShortCircuits(t *testing.T) {
	loop := mainloop.New()
	ctx := NewContext(loop, "probe", nil)
	ctx.creationPID = -1 // simulate having forked since construction

	err := ctx.Connect("", 0)
	require.Error(t, err)
	require.Equal(t, ErrForked, KindOf(err))
	require.Equal(t, ContextUnconnected, ctx.State(), "a FORKED guard must not mutate state")
}
