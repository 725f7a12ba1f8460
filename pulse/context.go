// Package pulse is the public client library: Context is the top-level
// connection handle, Stream is a per-audio-flow state
// machine, and Operation represents a pending asynchronous
// request.
package pulse

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"pulsego/internal/config"
	"pulsego/internal/mempool"
	"pulsego/internal/pdispatch"
	"pulsego/internal/proto"
	"pulsego/internal/pstream"
	"pulsego/internal/tagstruct"

	"pulsego/internal/mainloop"
)

// ContextState is the connection state machine; transitions are
// monotonic toward failed/terminated.
type ContextState int

const (
	ContextUnconnected ContextState = iota
	ContextConnecting
	ContextAuthorizing
	ContextSettingName
	ContextReady
	ContextFailed
	ContextTerminated
)

func (s ContextState) String() string {
	switch s {
	case ContextUnconnected:
		return "unconnected"
	case ContextConnecting:
		return "connecting"
	case ContextAuthorizing:
		return "authorizing"
	case ContextSettingName:
		return "setting-name"
	case ContextReady:
		return "ready"
	case ContextFailed:
		return "failed"
	case ContextTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsGood reports whether the context is in a state where requests can
// still be issued; ready is the only live state.
func (s ContextState) IsGood() bool { return s == ContextReady }

// ConnectFlags tune Connect's behaviour.
type ConnectFlags uint32

const (
	// ConnectNoAutospawn disables forking a local daemon when no server
	// in the address list can be reached.
	ConnectNoAutospawn ConnectFlags = 1 << iota
	// ConnectNoFail keeps Connect retrying candidates even past errors
	// that would otherwise abort the attempt immediately.
	ConnectNoFail
)

// Direction distinguishes playback from record streams; channel numbers
// are only unique within one direction.
type Direction int

const (
	DirectionPlayback Direction = iota
	DirectionRecord
	// DirectionUpload identifies sample-cache upload streams. Upload streams never receive unsolicited playback
	// events, but they share the registry's (direction, channel) keying
	// scheme, so they get their own direction rather than aliasing
	// DirectionPlayback and risking a channel-id collision.
	DirectionUpload
)

func (d Direction) String() string {
	switch d {
	case DirectionRecord:
		return "record"
	case DirectionUpload:
		return "upload"
	default:
		return "playback"
	}
}

type streamKey struct {
	dir     Direction
	channel uint32
}

// dialTimeout bounds a single candidate socket's connect attempt.
const dialTimeout = 3 * time.Second

// Context is the top-level client handle: it owns the
// server address list, the autospawn lifecycle, the pstream/pdispatch
// pair, and the registry of streams and operations bound to this
// connection.
type Context struct {
	loop        *mainloop.Loop
	cfg         config.Config
	name        string
	props       PropList
	creationPID int
	log         *log.Logger

	mu              sync.Mutex
	state           ContextState
	lastErr         error
	clientIndex     uint32
	haveClientIndex bool
	protocolVersion uint32

	pool      *mempool.Pool
	ps        *pstream.Stream
	disp      *pdispatch.Dispatcher
	rawConn   net.Conn
	localSock bool

	streams    map[streamKey]*Stream
	operations map[*Operation]struct{}

	stateCB     func(ContextState)
	subscribeCB func(SubscriptionEvent)

	autospawnLock *autospawnLock
}

// NewContext builds an unconnected Context. name is the client's
// human-readable name (sent with SET_CLIENT_NAME); props carries
// additional client metadata (proto.VersionPropList and above).
func NewContext(loop *mainloop.Loop, name string, props PropList) *Context {
	if props == nil {
		props = PropList{}
	}
	return &Context{
		loop:        loop,
		cfg:         config.Load(),
		name:        name,
		props:       props,
		creationPID: os.Getpid(),
		log:         log.With("component", "context"),
		streams:     make(map[streamKey]*Stream),
		operations:  make(map[*Operation]struct{}),
	}
}

// SetStateCallback registers the observer invoked on every state
// transition.
func (c *Context) SetStateCallback(fn func(ContextState)) {
	c.mu.Lock()
	c.stateCB = fn
	c.mu.Unlock()
}

// SetSubscribeCallback registers the observer for server-wide events
// delivered after Subscribe.
func (c *Context) SetSubscribeCallback(fn func(SubscriptionEvent)) {
	c.mu.Lock()
	c.subscribeCB = fn
	c.mu.Unlock()
}

// State reports the context's current state.
func (c *Context) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent failure recorded on this context
//.
func (c *Context) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Index returns the server-assigned client index, valid once the
// context reaches Ready.
func (c *Context) Index() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientIndex, c.haveClientIndex
}

// forked reports whether the process has forked since this Context was
// created. A true result is returned with no other side effect.
func (c *Context) forked() bool {
	return os.Getpid() != c.creationPID
}

// guard is the shared "check validity, set error, return" entry
// sequence; every public method that requires a Ready context calls it
// first.
func (c *Context) guard(op string) error {
	if c.forked() {
		return newError(op, ErrForked, nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ContextReady {
		err := newError(op, ErrBadState, nil)
		c.lastErr = err
		return err
	}
	return nil
}

func (c *Context) setState(s ContextState) {
	c.mu.Lock()
	c.state = s
	cb := c.stateCB
	c.mu.Unlock()
	if cb != nil {
		c.loop.Post(func() { cb(s) })
	}
}

// fail transitions the context to Failed, records the cause as its
// last error, kills the pstream, and cascades every stream to Failed;
// a protocol violation is fatal to the whole context.
func (c *Context) fail(op string, kind ErrorKind, cause error) {
	c.mu.Lock()
	if c.state == ContextFailed || c.state == ContextTerminated {
		c.mu.Unlock()
		return
	}
	err := newError(op, kind, cause)
	c.lastErr = err
	c.state = ContextFailed
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	ops := make([]*Operation, 0, len(c.operations))
	for op := range c.operations {
		ops = append(ops, op)
	}
	lock := c.autospawnLock
	c.autospawnLock = nil
	cb := c.stateCB
	ps := c.ps
	c.mu.Unlock()

	lock.Release()
	if ps != nil {
		ps.Close()
	}
	for _, s := range streams {
		s.forceFail(err)
	}
	for _, o := range ops {
		o.Cancel()
	}
	c.log.Error("context failed", "op", op, "kind", kind, "cause", cause)
	if cb != nil {
		c.loop.Post(func() { cb(ContextFailed) })
	}
}

// onConnectionDeath is the pdispatch death callback: every protocol-level
// connection loss routes here and is treated as CONNECTION_TERMINATED.
func (c *Context) onConnectionDeath(err error) {
	c.fail("connection", ErrConnectionTerminated, err)
}

// Connect resolves the server address list and begins the handshake.
// It returns immediately; progress is delivered through the state
// callback.
func (c *Context) Connect(server string, flags ConnectFlags) error {
	if c.forked() {
		return newError("connect", ErrForked, nil)
	}
	c.mu.Lock()
	if c.state != ContextUnconnected {
		err := newError("connect", ErrBadState, nil)
		c.lastErr = err
		c.mu.Unlock()
		return err
	}
	c.state = ContextConnecting
	c.mu.Unlock()
	c.setState(ContextConnecting)

	go c.runConnect(server, flags)
	return nil
}

func (c *Context) runConnect(server string, flags ConnectFlags) {
	addrs := resolveServerList(server, c.cfg)
	explicit := server != "" || c.cfg.ServerString != ""
	autospawn := !explicit && c.cfg.Autospawn && flags&ConnectNoAutospawn == 0

	var lock *autospawnLock
	if autospawn {
		l, err := acquireAutospawnLock()
		if err != nil {
			c.log.Warn("autospawn lock unavailable, proceeding unserialized", "error", err)
		} else {
			lock = l
		}
	}

	conn, dialErr := c.dialAddrList(addrs, flags&ConnectNoFail != 0)
	if dialErr != nil && autospawn {
		c.log.Info("no reachable server, autospawning")
		conn, dialErr = spawnServer(c.childEnv())
	}
	if lock != nil {
		c.mu.Lock()
		c.autospawnLock = lock
		c.mu.Unlock()
	}
	if dialErr != nil {
		// fail releases c.autospawnLock itself; don't double-release lock here.
		c.fail("connect", ErrConnectionRefused, dialErr)
		return
	}

	c.attach(conn)
}

// dialAddrList tries each candidate in order. noFail keeps the
// iteration going past errors that would otherwise abort the attempt
// immediately, so every candidate gets tried.
func (c *Context) dialAddrList(addrs []string, noFail bool) (net.Conn, error) {
	var lastErr error
	for _, raw := range addrs {
		addr, err := parseServerAddr(raw)
		if err != nil {
			c.log.Warn("skipping malformed server address", "address", raw, "error", err)
			lastErr = err
			continue
		}
		conn, err := dialServerAddr(addr, dialTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !noFail && !shouldTryNextAddr(err) {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("pulse: no server addresses to try")
	}
	return nil, lastErr
}

// childEnv is the environment spawnServer's daemon inherits; it
// strips nothing, the daemon gets everything plus the fd variable.
func (c *Context) childEnv() []string { return os.Environ() }

// attach wires a freshly dialed connection into iochannel/pstream/
// pdispatch and kicks off the auth handshake. The
// autospawn lock, if held, is released here: once the socket is wired up
// the daemon is reachable by any other peer waiting on the same lock, so
// there is no reason to keep serializing past this point.
func (c *Context) attach(conn net.Conn) {
	ch, err := newChannel(conn)
	if err != nil {
		c.fail("connect", ErrIO, err)
		return
	}

	local := isLocalConn(conn)

	c.mu.Lock()
	c.rawConn = conn
	c.localSock = local
	c.pool = mempool.New(false)
	c.ps = pstream.New(ch, c.pool)
	c.disp = pdispatch.New(c.ps, func(d time.Duration, fn func()) pdispatch.Timer {
		return c.loop.ScheduleTimer(d, fn)
	})
	lock := c.autospawnLock
	c.autospawnLock = nil
	c.mu.Unlock()
	lock.Release()

	c.registerUnsolicited()
	c.disp.SetDeathCallback(c.onConnectionDeath)
	c.disp.Attach()

	c.setState(ContextAuthorizing)
	c.sendAuth(local)
}

func (c *Context) sendAuth(local bool) {
	w := tagstruct.NewCommand(proto.CommandAuth, 0)
	w.PutU32(proto.ProtocolVersion)
	w.PutArbitrary(loadCookie())

	reply := func(command uint32, r *tagstruct.Reader) {
		c.loop.Post(func() { c.handleAuthReply(local, command, r) })
	}
	if local {
		c.disp.SendCommandWithCreds(w, reply)
	} else {
		c.disp.SendCommand(w, reply)
	}
}

func (c *Context) handleAuthReply(local bool, command uint32, r *tagstruct.Reader) {
	if command != proto.CommandReply {
		c.fail("auth", classifyReplyError(command, r), nil)
		return
	}
	serverVersion, err := r.GetU32()
	if err != nil {
		c.fail("auth", ErrProtocol, err)
		return
	}
	negotiated := proto.ProtocolVersion
	if serverVersion < negotiated {
		negotiated = serverVersion
	}
	if negotiated < proto.MinProtocolVersion {
		c.fail("auth", ErrVersion, fmt.Errorf("pulse: negotiated version %d below minimum %d", negotiated, proto.MinProtocolVersion))
		return
	}

	c.mu.Lock()
	c.protocolVersion = negotiated
	pool := c.pool
	shared := local && sameEUID(c.rawConn)
	c.mu.Unlock()
	if shared {
		pool.EnableShared()
	}

	c.setState(ContextSettingName)
	c.sendSetClientName()
}

func (c *Context) sendSetClientName() {
	c.mu.Lock()
	version := c.protocolVersion
	c.mu.Unlock()

	w := tagstruct.NewCommand(proto.CommandSetClientName, 0)
	if version >= proto.VersionPropList {
		// PULSE_PROP_* environment entries seed the list; explicit caller
		// properties override them, and the client name wins outright.
		props := PropList{}
		for k, v := range c.cfg.PropList {
			props[k] = v
		}
		for k, v := range c.props {
			props[k] = v
		}
		props["application.name"] = c.name
		w.PutPropList(props.toWire())
	} else {
		w.PutString(c.name)
	}

	c.disp.SendCommand(w, func(command uint32, r *tagstruct.Reader) {
		c.loop.Post(func() { c.handleSetClientNameReply(command, r) })
	})
}

func (c *Context) handleSetClientNameReply(command uint32, r *tagstruct.Reader) {
	if command != proto.CommandReply {
		c.fail("set-client-name", classifyReplyError(command, r), nil)
		return
	}
	idx, err := r.GetU32()
	if err != nil {
		c.fail("set-client-name", ErrProtocol, err)
		return
	}
	c.mu.Lock()
	c.clientIndex = idx
	c.haveClientIndex = true
	c.mu.Unlock()

	c.setState(ContextReady)
}

// Disconnect tears the context down: unlink the
// pstream (cancelling pending I/O and invoking die callbacks), cancel
// every outstanding operation, drop streams already in a terminal
// state, and release the autospawn lock if still held.
func (c *Context) Disconnect() {
	c.mu.Lock()
	if c.state == ContextTerminated {
		c.mu.Unlock()
		return
	}
	c.state = ContextTerminated
	ps := c.ps
	lock := c.autospawnLock
	c.autospawnLock = nil
	ops := make([]*Operation, 0, len(c.operations))
	for o := range c.operations {
		ops = append(ops, o)
	}
	for k, s := range c.streams {
		if st := s.State(); st == StreamFailed || st == StreamTerminated {
			delete(c.streams, k)
		}
	}
	cb := c.stateCB
	c.mu.Unlock()

	lock.Release()
	if ps != nil {
		ps.Close()
	}
	for _, o := range ops {
		o.Cancel()
	}
	if cb != nil {
		c.loop.Post(func() { cb(ContextTerminated) })
	}
}

// registerStream inserts s into the registry keyed by (direction,
// channel); per-direction channel uniqueness is enforced by the caller
// picking channel from the server's CREATE_*_STREAM reply, which is
// itself unique per direction.
func (c *Context) registerStream(dir Direction, channel uint32, s *Stream) {
	c.mu.Lock()
	c.streams[streamKey{dir, channel}] = s
	c.mu.Unlock()
}

func (c *Context) unregisterStream(dir Direction, channel uint32) {
	c.mu.Lock()
	delete(c.streams, streamKey{dir, channel})
	c.mu.Unlock()
}

func (c *Context) lookupStream(dir Direction, channel uint32) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[streamKey{dir, channel}]
	return s, ok
}

func (c *Context) trackOperation(op *Operation) {
	c.mu.Lock()
	c.operations[op] = struct{}{}
	c.mu.Unlock()
}

func (c *Context) untrackOperation(op *Operation) {
	c.mu.Lock()
	delete(c.operations, op)
	c.mu.Unlock()
}

// protocolVersionOf returns the negotiated version, used by Stream to
// gate optional command fields.
func (c *Context) protocolVersionOf() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocolVersion
}

// pstreamRef returns the current pstream, or nil once the context has
// torn it down. Stream's write path uses this instead of touching c.ps
// directly so it never observes a half-built or already-closed pstream.
func (c *Context) pstreamRef() (*pstream.Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ps, c.ps != nil
}

// isLocal reports whether the attached connection is a local socket.
func (c *Context) isLocal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSock
}

// classifyReplyError maps a CommandError reply's error-code payload (or
// a synthetic CommandTimeout) onto the ErrorKind taxonomy.
func classifyReplyError(command uint32, r *tagstruct.Reader) ErrorKind {
	if command == proto.CommandTimeout {
		return ErrTimeout
	}
	if r != nil {
		if code, err := r.GetU32(); err == nil {
			if k, ok := errorCodeKinds[code]; ok {
				return k
			}
		}
	}
	return ErrUnknown
}

// errorCodeKinds maps the server's numeric ERROR reply codes onto this
// ErrorKind taxonomy. The wire codes are a small closed set,
// in declaration order.
var errorCodeKinds = map[uint32]ErrorKind{
	0:  ErrAccess,
	1:  ErrUnknown, // command not implemented on the peer
	2:  ErrInvalid,
	3:  ErrNoData,
	4:  ErrVersion,
	5:  ErrNotFound,
	6:  ErrNotSupported,
	7:  ErrInternal,
	8:  ErrBadState,
	9:  ErrAuthKey,
	10: ErrIO,
}
