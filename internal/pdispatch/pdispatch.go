// Package pdispatch implements the request/reply correlation layer:
// it assigns tags to outgoing commands, matches replies back
// to their caller by tag, arms a timeout per request, and routes
// unsolicited commands (events the server sends without being asked) to
// a static, command-id-keyed table.
package pdispatch

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"pulsego/internal/iochannel"
	"pulsego/internal/proto"
	"pulsego/internal/pstream"
	"pulsego/internal/tagstruct"
)

// DefaultTimeout bounds how long a request may go unanswered before it
// is failed with a synthetic timeout reply.
const DefaultTimeout = 30 * time.Second

// ReplyFunc handles a reply for a previously registered tag. r is
// positioned just past the command+tag header; command is CommandError
// on failure (r then holds a single error-code tag) or CommandReply on
// success. command is CommandTimeout if the request was never answered,
// in which case r is empty.
type ReplyFunc func(command uint32, r *tagstruct.Reader)

// Timer is the handle returned by a TimerSource; Stop cancels a pending
// fire if it hasn't happened yet.
type Timer interface {
	Stop()
}

// TimerSource schedules fn to run once after d. Dispatcher takes this as
// a dependency rather than importing a concrete mainloop, keeping the
// loop behind an abstract interface.
type TimerSource func(d time.Duration, fn func()) Timer

type pendingReq struct {
	reply   ReplyFunc
	timeout Timer
}

// Dispatcher correlates outgoing commands with their replies by tag,
// and routes unsolicited commands to registered handlers.
type Dispatcher struct {
	ps *pstream.Stream

	// mu guards everything below: SendCommand runs on the caller's
	// goroutine, onPacket/killAll run on the pstream read-pump goroutine,
	// and timeoutTag runs on whatever goroutine the driving mainloop's
	// timer fires on.
	mu      sync.Mutex
	nextTag uint32
	pending map[uint32]*pendingReq
	table   map[uint32]func(command uint32, r *tagstruct.Reader)

	scheduleTimer TimerSource

	onDrain func()
	onDeath func(error)
	dead    bool
	log     *log.Logger
}

// New builds a Dispatcher that sends commands over ps and schedules
// per-request timeouts via scheduleTimer. scheduleTimer may be nil, in
// which case requests never time out locally (the connection-death
// cascade still applies). Call Attach once unsolicited handlers are
// registered to start routing traffic.
func New(ps *pstream.Stream, scheduleTimer TimerSource) *Dispatcher {
	return &Dispatcher{
		ps:            ps,
		pending:       make(map[uint32]*pendingReq),
		table:         make(map[uint32]func(uint32, *tagstruct.Reader)),
		scheduleTimer: scheduleTimer,
		log:           log.With("component", "pdispatch"),
	}
}

// Attach wires the dispatcher to ps's packet/die callbacks. Split from
// New so callers can finish registering unsolicited handlers before
// traffic starts flowing.
func (d *Dispatcher) Attach() {
	d.ps.SetPacketCallback(d.onPacket)
	d.ps.SetDieCallback(func(err error) { d.killAll(err) })
}

// SetDrainCallback arms fn to fire once, as soon as the pending reply
// table is empty. If no requests are outstanding it fires on
// the next reply-table mutation; callers that need an immediate check
// should consult Pending first.
func (d *Dispatcher) SetDrainCallback(fn func()) {
	d.mu.Lock()
	d.onDrain = fn
	d.mu.Unlock()
}

// Pending returns the number of requests still awaiting a reply.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// maybeDrainLocked pops the armed drain callback if the reply table has
// just emptied. Caller holds d.mu and must invoke the returned func (if
// non-nil) after unlocking.
func (d *Dispatcher) maybeDrainLocked() func() {
	if len(d.pending) != 0 || d.onDrain == nil {
		return nil
	}
	cb := d.onDrain
	d.onDrain = nil
	return cb
}

// SetDeathCallback registers the handler fired once, after every pending
// request has been failed, when the underlying connection dies. Context
// uses this to cascade its own state to failed and every stream to
// failed/terminated.
func (d *Dispatcher) SetDeathCallback(fn func(error)) {
	d.mu.Lock()
	d.onDeath = fn
	d.mu.Unlock()
}

// RegisterUnsolicited installs the static-table handler for command,
// invoked whenever that command id arrives without a matching pending
// tag.
func (d *Dispatcher) RegisterUnsolicited(command uint32, fn func(command uint32, r *tagstruct.Reader)) {
	d.mu.Lock()
	d.table[command] = fn
	d.mu.Unlock()
}

// SendCommand writes w (already populated via tagstruct.NewCommand) and
// registers reply as the handler for its tag, arming a timeout. Use this
// for any request that expects exactly one reply. Returns the tag
// assigned to this command, e.g. for Stream's write-index correction
// ring.
func (d *Dispatcher) SendCommand(w *tagstruct.Writer, reply ReplyFunc) uint32 {
	return d.sendCommand(w, false, reply)
}

// SendCommandWithCreds behaves like SendCommand but asks the pstream to
// attach peer credentials, used for AUTH on a local socket.
func (d *Dispatcher) SendCommandWithCreds(w *tagstruct.Writer, reply ReplyFunc) uint32 {
	return d.sendCommand(w, true, reply)
}

func (d *Dispatcher) sendCommand(w *tagstruct.Writer, withCreds bool, reply ReplyFunc) uint32 {
	d.mu.Lock()
	if d.dead {
		d.mu.Unlock()
		if reply != nil {
			reply(proto.CommandTimeout, tagstruct.NewReader(nil))
		}
		return 0
	}
	tag := d.allocTagLocked(w)
	d.registerLocked(tag, reply)
	d.mu.Unlock()
	d.ps.SendPacket(w.Bytes(), withCreds)
	return tag
}

// SendCommandNoReply is for fire-and-forget commands (e.g. an explicit
// EXIT) that the peer never acknowledges.
func (d *Dispatcher) SendCommandNoReply(w *tagstruct.Writer) {
	d.mu.Lock()
	if d.dead {
		d.mu.Unlock()
		return
	}
	d.allocTagLocked(w) // still needs a distinct tag slot on the wire
	d.mu.Unlock()
	d.ps.SendPacket(w.Bytes(), false)
}

// allocTagLocked rewrites w's placeholder tag field with a freshly
// allocated one. NewCommand writes the header as two tagged uint32s,
// each a one-byte type marker followed by the 4-byte big-endian value:
// command at buf[1:5], tag at buf[6:10]. allocTagLocked patches the tag
// value in place, leaving both type markers intact. Caller must hold
// d.mu.
func (d *Dispatcher) allocTagLocked(w *tagstruct.Writer) uint32 {
	tag := d.nextTag
	d.nextTag++
	buf := w.Bytes()
	buf[6] = byte(tag >> 24)
	buf[7] = byte(tag >> 16)
	buf[8] = byte(tag >> 8)
	buf[9] = byte(tag)
	return tag
}

// registerLocked assumes d.mu is held; it may call out to scheduleTimer,
// which must not itself try to re-enter the dispatcher synchronously.
func (d *Dispatcher) registerLocked(tag uint32, reply ReplyFunc) {
	req := &pendingReq{reply: reply}
	if d.scheduleTimer != nil {
		req.timeout = d.scheduleTimer(DefaultTimeout, func() { d.timeoutTag(tag) })
	}
	d.pending[tag] = req
}

func (d *Dispatcher) timeoutTag(tag uint32) {
	d.mu.Lock()
	req, ok := d.pending[tag]
	if ok {
		delete(d.pending, tag)
	}
	drain := d.maybeDrainLocked()
	d.mu.Unlock()
	if ok && req.reply != nil {
		req.reply(proto.CommandTimeout, tagstruct.NewReader(nil))
	}
	if drain != nil {
		drain()
	}
}

// onPacket is the pstream packet callback: it decodes the command+tag
// header and routes the remainder to either the matching pending
// request or the unsolicited table.
func (d *Dispatcher) onPacket(data []byte, _ iochannel.Credentials) {
	command, tag, r, err := tagstruct.ReadCommandHeader(data)
	if err != nil {
		d.log.Warn("malformed control packet, dropping", "error", err)
		return
	}

	if command == proto.CommandReply || command == proto.CommandError {
		d.mu.Lock()
		req, ok := d.pending[tag]
		if ok {
			delete(d.pending, tag)
		}
		drain := d.maybeDrainLocked()
		d.mu.Unlock()
		if !ok {
			d.log.Warn("reply for unknown tag, dropping", "tag", tag)
			return
		}
		if req.timeout != nil {
			req.timeout.Stop()
		}
		if req.reply != nil {
			req.reply(command, r)
		}
		if drain != nil {
			drain()
		}
		return
	}

	d.mu.Lock()
	fn, ok := d.table[command]
	d.mu.Unlock()
	if !ok {
		d.log.Warn("unsolicited command with no handler, dropping", "command", command)
		return
	}
	fn(command, r)
}

func (d *Dispatcher) killAll(err error) {
	d.mu.Lock()
	if d.dead {
		d.mu.Unlock()
		return
	}
	d.dead = true
	pending := d.pending
	d.pending = make(map[uint32]*pendingReq)
	death := d.onDeath
	drain := d.maybeDrainLocked()
	d.mu.Unlock()

	for _, req := range pending {
		if req.timeout != nil {
			req.timeout.Stop()
		}
		if req.reply != nil {
			req.reply(proto.CommandError, tagstruct.NewReader(nil))
		}
	}
	d.log.Error("connection terminated, pending requests failed", "error", err)
	if drain != nil {
		drain()
	}
	if death != nil {
		death(err)
	}
}

// Dead reports whether the dispatcher has already processed connection
// death; further sends are rejected immediately with a synthetic
// timeout reply.
func (d *Dispatcher) Dead() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dead
}

