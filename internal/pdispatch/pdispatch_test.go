package pdispatch

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsego/internal/iochannel"
	"pulsego/internal/mempool"
	"pulsego/internal/proto"
	"pulsego/internal/pstream"
	"pulsego/internal/tagstruct"
)

func streamPair(t *testing.T) (*pstream.Stream, *pstream.Stream) {
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
	return pstream.New(aCh, pool), pstream.New(bCh, pool)
}

// fakeTimer lets tests fire (or cancel) a scheduled timeout deterministically.
type fakeTimer struct{ stopped bool }

func (f *fakeTimer) Stop() { f.stopped = true }

func newFakeSource(timers *[]*fakeTimer, fns *[]func()) TimerSource {
	return func(d time.Duration, fn func()) Timer {
		ft := &fakeTimer{}
		*timers = append(*timers, ft)
		*fns = append(*fns, fn)
		return ft
	}
}

// echoServer installs a pdispatch-free "server" on b that answers every
// incoming command with a CommandReply carrying the same tag and a
// single echoed string argument.
func echoServer(t *testing.T, b *pstream.Stream) {
	t.Helper()
	b.SetPacketCallback(func(data []byte, _ iochannel.Credentials) {
		_, tag, r, err := tagstruct.ReadCommandHeader(data)
		require.NoError(t, err)
		s, _, err := r.GetString()
		require.NoError(t, err)
		w := tagstruct.NewCommand(proto.CommandReply, tag)
		w.PutString(s)
		b.SendPacket(w.Bytes(), false)
	})
}

// TestAllocTagPatchesOnlyTheTagValue decodes the exact bytes SendCommand
// would put on the wire: the patched tag must survive a real header
// parse, with the command value and both type markers intact.
func TestAllocTagPatchesOnlyTheTagValue(t *testing.T) {
	d := New(nil, nil)
	d.nextTag = 0x01020304

	w := tagstruct.NewCommand(proto.CommandAuth, 0)
	w.PutString("payload")
	tag := d.allocTagLocked(w)
	require.Equal(t, uint32(0x01020304), tag)

	cmd, gotTag, r, err := tagstruct.ReadCommandHeader(w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(proto.CommandAuth), cmd)
	assert.Equal(t, tag, gotTag)
	s, _, err := r.GetString()
	require.NoError(t, err)
	assert.Equal(t, "payload", s)
}

func TestRequestReplyRoundTrip(t *testing.T) {
	a, b := streamPair(t)
	defer a.Close()
	defer b.Close()
	echoServer(t, b)

	d := New(a, nil)
	d.Attach()

	got := make(chan string, 1)
	w := tagstruct.NewCommand(proto.CommandGetSinkInfo, 0)
	w.PutString("ping")
	d.SendCommand(w, func(command uint32, r *tagstruct.Reader) {
		require.Equal(t, uint32(proto.CommandReply), command)
		s, _, err := r.GetString()
		require.NoError(t, err)
		got <- s
	})

	select {
	case s := <-got:
		assert.Equal(t, "ping", s)
	case <-time.After(time.Second):
		t.Fatal("no reply received")
	}
}

func TestUnsolicitedRouting(t *testing.T) {
	a, b := streamPair(t)
	defer a.Close()
	defer b.Close()

	d := New(a, nil)
	d.Attach()

	got := make(chan uint32, 1)
	d.RegisterUnsolicited(proto.CommandRequest, func(command uint32, r *tagstruct.Reader) {
		got <- command
	})

	w := tagstruct.NewCommand(proto.CommandRequest, 0xFFFFFFFF)
	b.SendPacket(w.Bytes(), false)

	select {
	case c := <-got:
		assert.Equal(t, uint32(proto.CommandRequest), c)
	case <-time.After(time.Second):
		t.Fatal("unsolicited command never routed")
	}
}

func TestTimeoutFiresWhenNoReply(t *testing.T) {
	a, b := streamPair(t)
	defer a.Close()
	defer b.Close()
	// no echoServer: nothing will ever reply

	var timers []*fakeTimer
	var fns []func()
	d := New(a, newFakeSource(&timers, &fns))
	d.Attach()

	got := make(chan uint32, 1)
	w := tagstruct.NewCommand(proto.CommandGetSinkInfo, 0)
	d.SendCommand(w, func(command uint32, r *tagstruct.Reader) { got <- command })

	require.Len(t, fns, 1)
	fns[0]() // simulate the timer firing

	select {
	case c := <-got:
		assert.Equal(t, uint32(proto.CommandTimeout), c)
	case <-time.After(time.Second):
		t.Fatal("timeout callback never invoked")
	}
}

// TestDrainFiresWhenReplyTableEmpties arms the drain callback with one
// request outstanding and checks it fires exactly once, after the reply
// removes the last pending row.
func TestDrainFiresWhenReplyTableEmpties(t *testing.T) {
	a, b := streamPair(t)
	defer a.Close()
	defer b.Close()
	echoServer(t, b)

	d := New(a, nil)
	d.Attach()

	drained := make(chan struct{}, 2)
	replied := make(chan struct{}, 1)

	w := tagstruct.NewCommand(proto.CommandGetSinkInfo, 0)
	w.PutString("ping")
	d.SendCommand(w, func(command uint32, r *tagstruct.Reader) { replied <- struct{}{} })
	d.SetDrainCallback(func() { drained <- struct{}{} })

	select {
	case <-replied:
	case <-time.After(time.Second):
		t.Fatal("no reply received")
	}
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain callback never fired")
	}
	assert.Zero(t, d.Pending())

	select {
	case <-drained:
		t.Fatal("drain callback fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectionDeathCascadesToPending(t *testing.T) {
	a, b := streamPair(t)
	defer b.Close()

	var timers []*fakeTimer
	var fns []func()
	d := New(a, newFakeSource(&timers, &fns))
	d.Attach()

	got := make(chan uint32, 1)
	w := tagstruct.NewCommand(proto.CommandGetSinkInfo, 0)
	d.SendCommand(w, func(command uint32, r *tagstruct.Reader) { got <- command })

	require.NoError(t, b.Close()) // triggers a's hangup -> pstream die -> killAll

	select {
	case c := <-got:
		assert.Equal(t, uint32(proto.CommandError), c)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never failed on connection death")
	}
	assert.True(t, d.Dead())
	assert.True(t, timers[0].stopped)
}
