package pulse

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"pulsego/internal/mainloop"
	"pulsego/internal/memblockq"
	"pulsego/internal/mempool"
	"pulsego/internal/proto"
	"pulsego/internal/tagstruct"
)

// StreamState is the per-stream state machine. Playback, record and
// upload streams all share this enum.
type StreamState int

const (
	StreamUnconnected StreamState = iota
	StreamCreating
	StreamReady
	StreamFailed
	StreamTerminated
)

func (s StreamState) String() string {
	switch s {
	case StreamUnconnected:
		return "unconnected"
	case StreamCreating:
		return "creating"
	case StreamReady:
		return "ready"
	case StreamFailed:
		return "failed"
	case StreamTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// BufferAttrUnset marks a buffer-attribute field as "let the server
// decide" on the wire.
const BufferAttrUnset uint32 = 0xFFFFFFFF

// BufferAttr is the per-stream negotiated buffer sizing.
type BufferAttr struct {
	MaxLength uint32
	TLength   uint32 // playback: target queue length
	Prebuf    uint32 // playback: bytes to buffer before starting
	MinReq    uint32 // playback: minimum request granularity
	FragSize  uint32 // record: fragment size
}

// StreamFlags are the feature bits the CREATE_*_STREAM command carries.
type StreamFlags uint32

const (
	FlagNoRemap StreamFlags = 1 << iota
	FlagNoRemix
	FlagFixFormat
	FlagFixRate
	FlagFixChannels
	FlagDontMove
	FlagVariableRate
	FlagPeakDetect
	FlagAdjustLatency
	FlagStartMuted
	FlagEarlyRequests
	FlagFailOnSuspend
	FlagDontInhibitAutoSuspend
	// FlagNotMonotonic disables GetTime's "never run time backwards"
	// clamp; not a wire feature bit, a local-only option mirrored on the
	// public flag type for convenience.
	FlagNotMonotonic
)

// InvalidIndex marks an absent device index on the public API, mirroring
// proto.InvalidIndex on the wire.
const InvalidIndex uint32 = proto.InvalidIndex

// Stream is the per-audio-flow state machine: flow-control
// accounting (requestedBytes), the timing model (smoother + correction
// ring), and write-index bookkeeping all live here.
type Stream struct {
	ctx        *Context
	dir        Direction
	name       string
	sampleSpec SampleSpec
	channelMap ChannelMap
	props      PropList
	log        *log.Logger

	mu                sync.Mutex
	state             StreamState
	channel           uint32
	haveChannel       bool
	streamIndex       uint32
	deviceIndex       uint32
	deviceName        string
	syncID            uint32
	directOnInput     uint32
	suspended         bool
	corked            bool
	bufferAttr        BufferAttr
	configuredLatency time.Duration
	initialVolume     CVolume
	flags             StreamFlags

	requestedBytes int64

	writeIndex        int64
	writeIndexCorrupt bool
	readIndex         int64
	readIndexCorrupt  bool
	corrections       correctionRing

	recordQ *memblockq.Queue

	timing       TimingInfo
	timingValid  bool
	sm           *smoother
	timingTimer  *mainloop.TimeEvent
	timingEvery  time.Duration
	timingSent   time.Time
	timingWait   bool
	previousTime time.Duration

	lastErr error

	stateCB     func(StreamState)
	writeCB     func(nbytes int)
	readCB      func(nbytes int)
	overflowCB  func()
	underflowCB func()
	movedCB     func()
	suspendedCB func()
	startedCB   func()
	eventCB     func(name string, props PropList)
	bufAttrCB   func()
	latencyCB   func()
}

// minTimingInterval / maxTimingInterval bound the self-scheduled latency
// poll: it starts at 10ms and doubles up to a 1.5s ceiling.
const (
	minTimingInterval = 10 * time.Millisecond
	maxTimingInterval = 1500 * time.Millisecond
)

// NewStream constructs an unconnected playback or record stream. If
// channelMap is nil it is derived from the channel count. props
// must contain a human-readable name.
func NewStream(ctx *Context, dir Direction, ss SampleSpec, channelMap ChannelMap, props PropList) *Stream {
	if channelMap == nil {
		channelMap = defaultChannelMap(ss.Channels)
	}
	if props == nil {
		props = PropList{}
	}
	name := props["media.name"]
	if name == "" {
		name = "stream"
	}
	return &Stream{
		ctx:           ctx,
		dir:           dir,
		name:          name,
		sampleSpec:    ss,
		channelMap:    channelMap,
		props:         props,
		log:           log.With("component", "stream", "direction", dir),
		state:         StreamUnconnected,
		directOnInput: proto.InvalidIndex,
		deviceIndex:   proto.InvalidIndex,
		sm:            newSmoother(),
	}
}

// defaultChannelMap assigns a plausible default position per channel
// when the caller supplies none.
func defaultChannelMap(channels uint8) ChannelMap {
	switch channels {
	case 1:
		return ChannelMap{0} // mono
	case 2:
		return ChannelMap{1, 2} // front-left, front-right
	default:
		cm := make(ChannelMap, channels)
		for i := range cm {
			cm[i] = uint8(i + 1)
		}
		return cm
	}
}

// SetStateCallback registers the per-stream state observer.
func (s *Stream) SetStateCallback(fn func(StreamState)) {
	s.mu.Lock()
	s.stateCB = fn
	s.mu.Unlock()
}

// SetWriteCallback registers the playback write-ready observer.
func (s *Stream) SetWriteCallback(fn func(nbytes int)) {
	s.mu.Lock()
	s.writeCB = fn
	s.mu.Unlock()
}

// SetReadCallback registers the record data-ready observer.
func (s *Stream) SetReadCallback(fn func(nbytes int)) {
	s.mu.Lock()
	s.readCB = fn
	s.mu.Unlock()
}

// SetOverflowCallback, SetUnderflowCallback register the respective
// buffer-condition observers.
func (s *Stream) SetOverflowCallback(fn func())   { s.mu.Lock(); s.overflowCB = fn; s.mu.Unlock() }
func (s *Stream) SetUnderflowCallback(fn func())  { s.mu.Lock(); s.underflowCB = fn; s.mu.Unlock() }
func (s *Stream) SetMovedCallback(fn func())      { s.mu.Lock(); s.movedCB = fn; s.mu.Unlock() }
func (s *Stream) SetSuspendedCallback(fn func())  { s.mu.Lock(); s.suspendedCB = fn; s.mu.Unlock() }
func (s *Stream) SetStartedCallback(fn func())    { s.mu.Lock(); s.startedCB = fn; s.mu.Unlock() }
func (s *Stream) SetBufferAttrCallback(fn func()) { s.mu.Lock(); s.bufAttrCB = fn; s.mu.Unlock() }
func (s *Stream) SetLatencyCallback(fn func())    { s.mu.Lock(); s.latencyCB = fn; s.mu.Unlock() }

// SetEventCallback registers the handler for server-delivered named
// events.
func (s *Stream) SetEventCallback(fn func(name string, props PropList)) {
	s.mu.Lock()
	s.eventCB = fn
	s.mu.Unlock()
}

// State reports the stream's current state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Channel returns the server-assigned channel id, valid once the stream
// leaves Creating.
func (s *Stream) Channel() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel, s.haveChannel
}

// BufferAttrs returns the buffer sizing the server settled on, valid
// once the stream is Ready.
func (s *Stream) BufferAttrs() BufferAttr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferAttr
}

// ConfiguredLatency returns the bound device's configured latency as
// reported in the create reply (and refreshed when the stream moves).
// Zero until the stream is Ready, or when the server predates the field.
func (s *Stream) ConfiguredLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configuredLatency
}

func (s *Stream) setState(st StreamState) {
	s.mu.Lock()
	s.state = st
	cb := s.stateCB
	s.mu.Unlock()
	if cb != nil {
		s.ctx.loop.Post(func() { cb(st) })
	}
}

// LastError returns the most recent failure recorded on this stream.
func (s *Stream) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// failLocal transitions the stream to Failed and records err, for
// failures local to this stream (a malformed reply, a bad command
// reply) that don't warrant killing the whole context.
func (s *Stream) failLocal(err error) {
	s.stopTimingTimer()
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.setState(StreamFailed)
}

// forceFail is invoked by Context.fail to cascade a context-level death
// onto every stream.
func (s *Stream) forceFail(err error) {
	s.stopTimingTimer()
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.setState(StreamFailed)
}

func (s *Stream) stopTimingTimer() {
	s.mu.Lock()
	t := s.timingTimer
	s.timingTimer = nil
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// ConnectPlayback sends CREATE_PLAYBACK_STREAM, building the command
// from sync, bufferAttr, volume and flags. device is
// InvalidIndex / "" to let the server pick. Returns an *Operation
// completed once the server replies.
func (s *Stream) ConnectPlayback(device uint32, deviceName string, attr BufferAttr, corked bool, volume CVolume, syncID uint32, flags StreamFlags) *Operation {
	return s.connect(DirectionPlayback, device, deviceName, attr, corked, volume, syncID, flags)
}

// ConnectRecord sends CREATE_RECORD_STREAM. directOnInput is
// InvalidIndex for "none".
func (s *Stream) ConnectRecord(device uint32, deviceName string, attr BufferAttr, corked bool, syncID uint32, flags StreamFlags, directOnInput uint32) *Operation {
	s.mu.Lock()
	s.directOnInput = directOnInput
	s.mu.Unlock()
	return s.connect(DirectionRecord, device, deviceName, attr, corked, nil, syncID, flags)
}

func (s *Stream) connect(dir Direction, device uint32, deviceName string, attr BufferAttr, corked bool, volume CVolume, syncID uint32, flags StreamFlags) *Operation {
	if err := s.ctx.guard("stream-connect"); err != nil {
		return failedOperation()
	}
	s.mu.Lock()
	if s.state != StreamUnconnected {
		s.mu.Unlock()
		return failedOperation()
	}
	s.state = StreamCreating
	s.dir = dir
	s.bufferAttr = attr
	s.corked = corked
	s.initialVolume = volume
	s.syncID = syncID
	s.flags = flags
	s.mu.Unlock()
	s.setState(StreamCreating)

	version := s.ctx.protocolVersionOf()
	w := s.buildCreateCommand(dir, device, deviceName, version)

	op := newOperation(nil)
	s.ctx.trackOperation(op)
	s.ctx.disp.SendCommand(w, func(command uint32, r *tagstruct.Reader) {
		s.ctx.loop.Post(func() {
			defer func() { s.ctx.untrackOperation(op); op.finish() }()
			s.handleCreateReply(command, r)
		})
	})
	return op
}

func (s *Stream) buildCreateCommand(dir Direction, device uint32, deviceName string, version uint32) *tagstruct.Writer {
	cmd := proto.CommandCreatePlaybackStream
	if dir == DirectionRecord {
		cmd = proto.CommandCreateRecordStream
	}
	w := tagstruct.NewCommand(cmd, 0)
	w.PutSampleSpec(s.sampleSpec.toWire())
	w.PutChannelMap(s.channelMap.toWire())
	w.PutU32(device)
	if deviceName == "" {
		w.PutStringNil()
	} else {
		w.PutString(deviceName)
	}
	w.PutU32(s.bufferAttr.MaxLength)
	w.PutBool(s.corked)
	if dir == DirectionPlayback {
		w.PutU32(s.bufferAttr.TLength)
		w.PutU32(s.bufferAttr.Prebuf)
		w.PutU32(s.bufferAttr.MinReq)
		w.PutU32(s.syncID)
		w.PutCVolume(s.initialVolume.toWire())
	} else {
		w.PutU32(s.bufferAttr.FragSize)
	}
	w.PutBool(s.flags&FlagNoRemap != 0)
	w.PutBool(s.flags&FlagNoRemix != 0)
	w.PutBool(s.flags&FlagFixFormat != 0)
	w.PutBool(s.flags&FlagFixRate != 0)
	w.PutBool(s.flags&FlagFixChannels != 0)
	w.PutBool(s.flags&FlagDontMove != 0)
	w.PutBool(s.flags&FlagVariableRate != 0)
	if version >= proto.VersionPeakDetect {
		w.PutBool(s.flags&FlagPeakDetect != 0)
	}
	if version >= proto.VersionAdjustLatency {
		w.PutBool(s.flags&FlagAdjustLatency != 0)
	}
	if version >= proto.VersionEarlyRequests {
		w.PutBool(s.flags&FlagEarlyRequests != 0)
	}
	w.PutBool(s.flags&FlagStartMuted != 0)
	w.PutBool(s.flags&FlagFailOnSuspend != 0)
	w.PutBool(s.flags&FlagDontInhibitAutoSuspend != 0)
	if dir == DirectionRecord {
		w.PutU32(s.directOnInput)
	}
	if version >= proto.VersionPropList {
		w.PutPropList(s.props.toWire())
	}
	return w
}

func (s *Stream) handleCreateReply(command uint32, r *tagstruct.Reader) {
	if command != proto.CommandReply {
		s.failLocal(newError("stream-create", classifyReplyError(command, r), nil))
		return
	}
	channel, err := r.GetU32()
	if err != nil {
		s.failLocal(newError("stream-create", ErrProtocol, err))
		return
	}
	streamIndex, err := r.GetU32()
	if err != nil {
		s.failLocal(newError("stream-create", ErrProtocol, err))
		return
	}

	s.mu.Lock()
	dir := s.dir
	requestedFixFormat := s.flags&FlagFixFormat != 0
	requestedFixRate := s.flags&FlagFixRate != 0
	requestedFixChannels := s.flags&FlagFixChannels != 0
	origSS := s.sampleSpec
	s.mu.Unlock()

	var requested uint32
	if dir == DirectionPlayback {
		requested, err = r.GetU32()
		if err != nil {
			s.failLocal(newError("stream-create", ErrProtocol, err))
			return
		}
	}

	var attr BufferAttr
	if dir == DirectionPlayback {
		attr.MaxLength, _ = r.GetU32()
		attr.TLength, _ = r.GetU32()
		attr.Prebuf, _ = r.GetU32()
		attr.MinReq, _ = r.GetU32()
	} else {
		attr.MaxLength, _ = r.GetU32()
		attr.FragSize, _ = r.GetU32()
	}

	ss, err := r.GetSampleSpec()
	if err != nil {
		s.failLocal(newError("stream-create", ErrProtocol, err))
		return
	}
	cm, err := r.GetChannelMap()
	if err != nil {
		s.failLocal(newError("stream-create", ErrProtocol, err))
		return
	}
	deviceIndex, _ := r.GetU32()
	deviceName, _, _ := r.GetString()
	suspended, _ := r.GetBool()
	var configuredLatency uint64
	if !r.EOF() {
		configuredLatency, _ = r.GetUsec()
	}

	newSS := fromWireSampleSpec(ss)
	// A differing field whose FIX flag was not requested is a protocol
	// violation, not a negotiated change.
	if newSS.Format != origSS.Format && !requestedFixFormat ||
		newSS.Rate != origSS.Rate && !requestedFixRate ||
		newSS.Channels != origSS.Channels && !requestedFixChannels {
		s.ctx.fail("stream-create", ErrProtocol, fmt.Errorf("pulse: server changed sample spec without a FIX flag"))
		return
	}

	s.mu.Lock()
	s.channel = channel
	s.haveChannel = true
	s.streamIndex = streamIndex
	s.sampleSpec = newSS
	s.channelMap = fromWireChannelMap(cm)
	s.deviceIndex = deviceIndex
	s.deviceName = deviceName
	s.suspended = suspended
	s.bufferAttr = attr
	s.configuredLatency = time.Duration(configuredLatency) * time.Microsecond
	if dir == DirectionPlayback {
		s.requestedBytes = int64(requested)
	} else {
		s.recordQ = memblockq.New(newSS.BytesPerFrame())
	}
	s.mu.Unlock()

	s.ctx.registerStream(dir, channel, s)
	s.setState(StreamReady)

	if dir == DirectionPlayback && requested > 0 {
		s.fireWrite(int(requested))
	}
	s.startTimingLoop()
}

// failedOperation returns an Operation that is already Done, for guard
// failures that must still return a non-nil handle.
func failedOperation() *Operation {
	op := newOperation(nil)
	op.finish()
	return op
}

// ---- Playback write protocol ----

// WriteBuffer is a pool-backed buffer lent by BeginWrite. Passing it
// back to Write transfers ownership directly to the outbound frame with
// no copy; the explicit handle replaces any need to check whether a
// caller's pointer falls inside a previously lent region.
type WriteBuffer struct {
	chunk mempool.Chunk
	bytes []byte
}

// Bytes returns the writable region; the caller fills up to len(Bytes()).
func (wb *WriteBuffer) Bytes() []byte { return wb.bytes }

// BeginWrite lends a writable buffer of up to nbytes, clamped to the
// pool's maximum block size.
func (s *Stream) BeginWrite(nbytes int) (*WriteBuffer, error) {
	if nbytes > s.ctx.pool.MaxBlockSize() {
		nbytes = s.ctx.pool.MaxBlockSize()
	}
	block, err := s.ctx.pool.NewBlock(nbytes)
	if err != nil {
		return nil, newError("begin-write", ErrInternal, err)
	}
	chunk, err := mempool.NewChunk(block, 0, uint32(nbytes))
	block.Unref() // chunk now holds the sole reference
	if err != nil {
		return nil, newError("begin-write", ErrInternal, err)
	}
	acq := block.Acquire()
	defer block.Release()
	return &WriteBuffer{chunk: chunk, bytes: chunk.Bytes(acq)}, nil
}

// Write transfers the first n bytes of a buffer previously returned by
// BeginWrite.
func (s *Stream) Write(wb *WriteBuffer, n int, offset int64, seek proto.SeekMode) error {
	if n > len(wb.bytes) {
		n = len(wb.bytes)
	}
	chunk, err := mempool.NewChunk(wb.chunk.Block, wb.chunk.Index, uint32(n))
	wb.chunk.Release()
	if err != nil {
		return newError("write", ErrInvalid, err)
	}
	return s.sendChunk(chunk, n, offset, seek)
}

// WriteBytes sends data not obtained from BeginWrite. On a local socket
// with no shared memory in play it is wrapped as a user-owned block
// (zero copy, freeCB runs once the server has consumed it); otherwise it
// is copied into pool blocks no larger than the pool's max chunk size
//.
func (s *Stream) WriteBytes(data []byte, freeCB func([]byte), offset int64, seek proto.SeekMode) error {
	if len(data) == 0 {
		return nil
	}
	if !s.ctx.pool.IsShared() && s.ctx.isLocal() {
		block, err := s.ctx.pool.NewUser(data, freeCB)
		if err != nil {
			return newError("write", ErrInternal, err)
		}
		chunk, err := mempool.NewChunk(block, 0, uint32(len(data)))
		block.Unref()
		if err != nil {
			return newError("write", ErrInternal, err)
		}
		return s.sendChunk(chunk, len(data), offset, seek)
	}

	max := s.ctx.pool.MaxBlockSize()
	for off := 0; off < len(data); {
		n := len(data) - off
		if n > max {
			n = max
		}
		block, err := s.ctx.pool.NewBlock(n)
		if err != nil {
			return newError("write", ErrInternal, err)
		}
		copy(block.Acquire(), data[off:off+n])
		block.Release()
		chunk, err := mempool.NewChunk(block, 0, uint32(n))
		block.Unref()
		if err != nil {
			return newError("write", ErrInternal, err)
		}
		thisOffset := offset
		if off > 0 {
			thisOffset = 0 // only the first frame of a multi-frame write carries the caller's seek offset
		}
		thisSeek := seek
		if off > 0 && seek == proto.SeekAbsolute {
			thisSeek = proto.SeekRelative
		}
		if err := s.sendChunk(chunk, n, thisOffset, thisSeek); err != nil {
			return err
		}
		off += n
	}
	if freeCB != nil {
		freeCB(data)
	}
	return nil
}

// sendChunk is the common tail of Write/WriteBytes: updates local
// write-index bookkeeping, folds the write into whatever correction slot
// is currently open for an outstanding timing request, decrements
// requestedBytes, and enqueues the frame on the pstream.
func (s *Stream) sendChunk(chunk mempool.Chunk, n int, offset int64, seek proto.SeekMode) error {
	s.mu.Lock()
	channel := s.channel
	switch seek {
	case proto.SeekAbsolute:
		s.writeIndex = offset + int64(n)
		s.writeIndexCorrupt = false
	case proto.SeekRelative:
		if !s.writeIndexCorrupt {
			s.writeIndex += offset + int64(n)
		}
	default:
		s.writeIndexCorrupt = true
	}
	if s.dir == DirectionPlayback {
		s.corrections.accumulate(offset, int64(n), seek)
	}
	s.requestedBytes -= int64(n)
	s.mu.Unlock()

	pstreamLocal, _ := s.ctx.pstreamRef()
	if pstreamLocal == nil {
		chunk.Release()
		return newError("write", ErrBadState, nil)
	}
	pstreamLocal.SendMemblock(channel, chunk, offset, seek)
	return nil
}

// ---- Record read protocol ----

// ReadableSize returns the total bytes queued for the caller.
func (s *Stream) ReadableSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordQ == nil {
		return 0
	}
	return s.recordQ.Len()
}

// Peek returns a contiguous view of up to n bytes from the head of the
// record queue, frame-aligned.
func (s *Stream) Peek(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordQ == nil {
		return nil
	}
	return s.recordQ.Peek(n)
}

// Drop consumes exactly n bytes previously returned by Peek, advancing
// the local read index if it is currently valid.
func (s *Stream) Drop(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordQ == nil {
		return newError("drop", ErrBadState, nil)
	}
	if err := s.recordQ.Drop(n); err != nil {
		return newError("drop", ErrInvalid, err)
	}
	if !s.readIndexCorrupt {
		s.readIndex += int64(n)
	}
	return nil
}

// onMemblock feeds incoming audio for this stream's channel into the
// record queue (record direction) or is ignored (playback streams never
// receive audio frames).
func (s *Stream) onMemblock(chunk mempool.Chunk, offset int64, seek proto.SeekMode, first bool) {
	s.mu.Lock()
	if s.recordQ == nil {
		s.mu.Unlock()
		chunk.Release()
		return
	}
	acq := chunk.Block.Acquire()
	s.recordQ.Push(chunk, acq)
	chunk.Block.Release()
	s.mu.Unlock()

	s.fireRead(int(chunk.Length))
}

func (s *Stream) fireWrite(nbytes int) {
	s.mu.Lock()
	cb := s.writeCB
	s.mu.Unlock()
	if cb != nil {
		s.ctx.loop.Post(func() { cb(nbytes) })
	}
}

func (s *Stream) fireRead(nbytes int) {
	s.mu.Lock()
	cb := s.readCB
	s.mu.Unlock()
	if cb != nil {
		s.ctx.loop.Post(func() { cb(nbytes) })
	}
}

// ---- Unsolicited event handlers ----

// handleRequest processes a server REQUEST: nbytes more may now be
// written without risking an overrun (flow control).
func (s *Stream) handleRequest(nbytes uint32) {
	s.mu.Lock()
	s.requestedBytes += int64(nbytes)
	s.mu.Unlock()
	s.fireWrite(int(nbytes))
}

func (s *Stream) handleOverflow() {
	s.mu.Lock()
	cb := s.overflowCB
	s.mu.Unlock()
	if cb != nil {
		s.ctx.loop.Post(cb)
	}
}

// handleUnderflow pauses the smoother when the stream has a prebuffer:
// the server will not resume playback until prebuf bytes accumulate
// again, so local time must stop advancing.
func (s *Stream) handleUnderflow() {
	s.mu.Lock()
	if s.bufferAttr.Prebuf > 0 {
		s.sm.Pause(time.Now())
	}
	cb := s.underflowCB
	s.mu.Unlock()
	if cb != nil {
		s.ctx.loop.Post(cb)
	}
}

func (s *Stream) handleKilled() {
	s.stopTimingTimer()
	s.mu.Lock()
	s.lastErr = newError("stream", ErrKilled, nil)
	s.mu.Unlock()
	s.setState(StreamTerminated)
}

// handleMoved processes a STREAM_MOVED notification: the server rebound
// the stream to a new device and renegotiated its buffer sizing. The
// stream stays Ready; it updates its device binding and attrs, re-checks
// the smoother against the new device's suspend state, and asks for a
// fresh timing snapshot.
func (s *Stream) handleMoved(r *tagstruct.Reader) {
	deviceIndex, err := r.GetU32()
	if err != nil {
		return
	}
	deviceName, _, err := r.GetString()
	if err != nil {
		return
	}
	suspended, err := r.GetBool()
	if err != nil {
		return
	}

	s.mu.Lock()
	s.deviceIndex = deviceIndex
	s.deviceName = deviceName
	s.suspended = suspended
	if !r.EOF() {
		if s.dir == DirectionPlayback {
			s.bufferAttr.MaxLength, _ = r.GetU32()
			s.bufferAttr.TLength, _ = r.GetU32()
			s.bufferAttr.Prebuf, _ = r.GetU32()
			s.bufferAttr.MinReq, _ = r.GetU32()
		} else {
			s.bufferAttr.MaxLength, _ = r.GetU32()
			s.bufferAttr.FragSize, _ = r.GetU32()
		}
	}
	if !r.EOF() {
		if usec, err := r.GetUsec(); err == nil {
			s.configuredLatency = time.Duration(usec) * time.Microsecond
		}
	}
	if suspended {
		s.sm.Pause(time.Now())
	} else if !s.corked {
		s.sm.Resume(time.Now())
	}
	cb := s.movedCB
	s.mu.Unlock()

	s.requestTimingUpdate()
	if cb != nil {
		s.ctx.loop.Post(cb)
	}
}

// handleSuspended tracks the bound device's suspend state; a suspended
// device produces no audio, so the smoother pauses with it.
func (s *Stream) handleSuspended(r *tagstruct.Reader) {
	suspended, err := r.GetBool()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.suspended = suspended
	if suspended {
		s.sm.Pause(time.Now())
	} else if !s.corked {
		s.sm.Resume(time.Now())
	}
	cb := s.suspendedCB
	s.mu.Unlock()
	if cb != nil {
		s.ctx.loop.Post(cb)
	}
}

// handleStarted treats the server's STARTED as the authoritative
// playback start: resume the smoother and refresh timing.
func (s *Stream) handleStarted() {
	s.mu.Lock()
	s.sm.Resume(time.Now())
	cb := s.startedCB
	s.mu.Unlock()
	s.requestTimingUpdate()
	if cb != nil {
		s.ctx.loop.Post(cb)
	}
}

func (s *Stream) handleBufferAttrChanged(r *tagstruct.Reader) {
	s.mu.Lock()
	if s.dir == DirectionPlayback {
		s.bufferAttr.MaxLength, _ = r.GetU32()
		s.bufferAttr.TLength, _ = r.GetU32()
		s.bufferAttr.Prebuf, _ = r.GetU32()
		s.bufferAttr.MinReq, _ = r.GetU32()
	} else {
		s.bufferAttr.MaxLength, _ = r.GetU32()
		s.bufferAttr.FragSize, _ = r.GetU32()
	}
	cb := s.bufAttrCB
	s.mu.Unlock()
	s.requestTimingUpdate()
	if cb != nil {
		s.ctx.loop.Post(cb)
	}
}

func (s *Stream) handleNamedEvent(name string, props PropList) {
	s.mu.Lock()
	cb := s.eventCB
	s.mu.Unlock()
	if cb != nil {
		s.ctx.loop.Post(func() { cb(name, props) })
	}
}

// ---- Cork / flush / trigger / prebuf control commands ----

// controlCommand sends one tagged (channel,...) command; onAck runs on
// the loop goroutine iff the server acknowledged it, before the
// operation completes.
func (s *Stream) controlCommand(cmd uint32, extra func(*tagstruct.Writer), onAck func()) *Operation {
	if err := s.ctx.guard("stream-control"); err != nil {
		return failedOperation()
	}
	s.mu.Lock()
	channel, ok := s.channel, s.haveChannel
	s.mu.Unlock()
	if !ok {
		return failedOperation()
	}

	w := tagstruct.NewCommand(cmd, 0)
	w.PutU32(channel)
	if extra != nil {
		extra(w)
	}

	op := newOperation(nil)
	s.ctx.trackOperation(op)
	s.ctx.disp.SendCommand(w, func(command uint32, r *tagstruct.Reader) {
		s.ctx.loop.Post(func() {
			defer func() { s.ctx.untrackOperation(op); op.finish() }()
			if command != proto.CommandReply {
				op.Cancel()
				return
			}
			if onAck != nil {
				onAck()
			}
		})
	})
	return op
}

// Cork pauses (corked=true) or resumes (corked=false) the stream. The
// local corked flag and the smoother follow the server's acknowledgement,
// not the request.
func (s *Stream) Cork(corked bool) *Operation {
	cmd := proto.CommandCorkPlaybackStream
	if s.dir == DirectionRecord {
		cmd = proto.CommandCorkRecordStream
	}
	return s.controlCommand(cmd, func(w *tagstruct.Writer) { w.PutBool(corked) }, func() {
		s.mu.Lock()
		s.corked = corked
		if corked {
			s.sm.Pause(time.Now())
		} else if !s.suspended {
			s.sm.Resume(time.Now())
		}
		s.mu.Unlock()
	})
}

// Flush discards queued but unplayed/unread data.
func (s *Stream) Flush() *Operation {
	cmd := proto.CommandFlushPlaybackStream
	if s.dir == DirectionRecord {
		cmd = proto.CommandFlushRecordStream
	}
	s.mu.Lock()
	if s.dir == DirectionPlayback {
		s.corrections.markCorrupt()
	}
	if s.recordQ != nil {
		s.recordQ.Flush()
		s.readIndexCorrupt = true
	}
	s.mu.Unlock()
	return s.controlCommand(cmd, nil, nil)
}

// Trigger forces playback to start immediately, bypassing prebuf. Valid
// only when the server-chosen prebuf is non-zero.
func (s *Stream) Trigger() *Operation {
	if !s.prebufConfigured() {
		return failedOperation()
	}
	return s.controlCommand(proto.CommandTriggerPlaybackStream, nil, nil)
}

// Prebuf resets the playback stream to the pre-buffering state. Valid
// only when the server-chosen prebuf is non-zero.
func (s *Stream) Prebuf() *Operation {
	if !s.prebufConfigured() {
		return failedOperation()
	}
	return s.controlCommand(proto.CommandPrebufPlaybackStream, nil, nil)
}

func (s *Stream) prebufConfigured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bufferAttr.Prebuf != 0 {
		return true
	}
	s.lastErr = newError("stream-control", ErrBadState, nil)
	return false
}

// Disconnect deletes the stream on the server and unregisters it
// locally.
func (s *Stream) Disconnect() *Operation {
	s.stopTimingTimer()
	s.mu.Lock()
	ok := s.haveChannel
	dir := s.dir
	ch := s.channel
	s.mu.Unlock()
	if ok {
		s.ctx.unregisterStream(dir, ch)
	}
	if err := s.ctx.guard("stream-disconnect"); err != nil || !ok {
		s.setState(StreamTerminated)
		return failedOperation()
	}

	cmd := proto.CommandDeletePlaybackStream
	if dir == DirectionRecord {
		cmd = proto.CommandDeleteRecordStream
	}
	w := tagstruct.NewCommand(cmd, 0)
	w.PutU32(ch)

	op := newOperation(nil)
	s.ctx.trackOperation(op)
	s.ctx.disp.SendCommand(w, func(command uint32, r *tagstruct.Reader) {
		s.ctx.loop.Post(func() {
			defer func() { s.ctx.untrackOperation(op); op.finish() }()
			s.setState(StreamTerminated)
		})
	})
	return op
}

// ---- Timing model ----

// startTimingLoop arms the self-doubling GET_*_LATENCY poll once a
// stream reaches Ready.
func (s *Stream) startTimingLoop() {
	s.mu.Lock()
	s.timingEvery = minTimingInterval
	s.mu.Unlock()
	s.scheduleTimingPoll()
}

// requestTimingUpdate resets the poll interval to its minimum and fires
// a poll immediately, used after MOVED / STARTED / BUFFER_ATTR_CHANGED
// invalidate the current latency picture.
func (s *Stream) requestTimingUpdate() {
	s.mu.Lock()
	s.timingEvery = minTimingInterval
	t := s.timingTimer
	s.timingTimer = nil
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
	s.ctx.loop.Post(s.pollTiming)
	s.scheduleTimingPoll()
}

func (s *Stream) scheduleTimingPoll() {
	s.mu.Lock()
	interval := s.timingEvery
	s.timingTimer = s.ctx.loop.NewTimeEvent(interval, func() {
		s.pollTiming()
		s.mu.Lock()
		next := s.timingEvery * 2
		if next > maxTimingInterval {
			next = maxTimingInterval
		}
		s.timingEvery = next
		state := s.state
		s.mu.Unlock()
		if state == StreamReady {
			s.scheduleTimingPoll()
		}
	})
	s.mu.Unlock()
}

func (s *Stream) pollTiming() {
	s.mu.Lock()
	if s.state != StreamReady || s.timingWait {
		s.mu.Unlock()
		return
	}
	channel := s.channel
	dir := s.dir
	now := time.Now()
	s.timingWait = true
	s.timingSent = now
	s.mu.Unlock()

	cmd := proto.CommandGetPlaybackLatency
	if dir == DirectionRecord {
		cmd = proto.CommandGetRecordLatency
	}
	w := tagstruct.NewCommand(cmd, 0)
	w.PutU32(channel)
	w.PutUsec(uint64(now.UnixMicro()))

	var tag uint32
	tag = s.ctx.disp.SendCommand(w, func(command uint32, r *tagstruct.Reader) {
		s.ctx.loop.Post(func() { s.handleTimingReply(tag, command, r) })
	})
	if dir == DirectionPlayback {
		s.mu.Lock()
		s.corrections.openForTag(tag)
		s.mu.Unlock()
	}
}

func (s *Stream) handleTimingReply(tag uint32, command uint32, r *tagstruct.Reader) {
	s.mu.Lock()
	localSend := s.timingSent
	s.timingWait = false
	s.mu.Unlock()
	if command != proto.CommandReply {
		return
	}

	sinkUsec, err1 := r.GetUsec()
	sourceUsec, err2 := r.GetUsec()
	playing, err3 := r.GetBool()
	serverUsec, err4 := r.GetUsec() // peer's clock when it handled the request
	_, err5 := r.GetUsec()          // our own send timestamp echoed back
	writeIdxCorrupt, err6 := r.GetBool()
	writeIdx, err7 := r.GetS64()
	readIdxCorrupt, err8 := r.GetBool()
	readIdx, err9 := r.GetS64()
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil || err6 != nil || err7 != nil || err8 != nil || err9 != nil {
		return
	}

	// If the peer's receive timestamp falls between our send time and
	// now, the clocks count as synchronized and transport latency is the
	// one-way delta; otherwise it is half the round trip.
	now := time.Now()
	sendMicro := localSend.UnixMicro()
	nowMicro := now.UnixMicro()
	synchronized := int64(serverUsec) >= sendMicro && int64(serverUsec) <= nowMicro
	var transport time.Duration
	if synchronized {
		transport = time.Duration(nowMicro-int64(serverUsec)) * time.Microsecond
	} else {
		transport = now.Sub(localSend) / 2
	}

	s.mu.Lock()
	if s.dir == DirectionPlayback {
		correctedWrite, corrupt := s.corrections.apply(tag, writeIdx, writeIdxCorrupt)
		s.writeIndex = correctedWrite
		s.writeIndexCorrupt = corrupt
	} else if !writeIdxCorrupt {
		s.writeIndex = writeIdx
		s.writeIndexCorrupt = false
	} else {
		s.writeIndexCorrupt = true
	}
	if !readIdxCorrupt {
		s.readIndex = readIdx
		s.readIndexCorrupt = false
		if s.dir == DirectionRecord && s.recordQ != nil {
			// What we already hold locally no longer counts as
			// server-side latency.
			s.readIndex -= int64(s.recordQ.Len())
		}
	} else {
		s.readIndexCorrupt = true
	}
	s.timing = TimingInfo{
		Timestamp:         now,
		WriteIndex:        s.writeIndex,
		ReadIndex:         s.readIndex,
		SinkUsec:          time.Duration(sinkUsec) * time.Microsecond,
		SourceUsec:        time.Duration(sourceUsec) * time.Microsecond,
		TransportUsec:     transport,
		Synchronized:      synchronized,
		Playing:           playing,
		WriteIndexCorrupt: s.writeIndexCorrupt,
		ReadIndexCorrupt:  s.readIndexCorrupt,
	}
	s.timingValid = true
	streamUsec := s.positionEstimateLocked()
	s.sm.put(now, streamUsec)
	cb := s.latencyCB
	s.mu.Unlock()
	if cb != nil {
		s.ctx.loop.Post(cb)
	}
}

// positionEstimateLocked computes the stream position from the current
// snapshot: playback is usec(read_index)+transport-sink,
// record is usec(write_index)+transport+source-sink. Caller holds s.mu.
func (s *Stream) positionEstimateLocked() time.Duration {
	frameSize := s.sampleSpec.BytesPerFrame()
	if frameSize == 0 || s.sampleSpec.Rate == 0 {
		return 0
	}
	var usec time.Duration
	if s.dir == DirectionPlayback {
		usec = s.bytesToUsecLocked(s.readIndex) + s.timing.TransportUsec - s.timing.SinkUsec
	} else {
		usec = s.bytesToUsecLocked(s.writeIndex) + s.timing.TransportUsec + s.timing.SourceUsec - s.timing.SinkUsec
	}
	if usec < 0 {
		usec = 0
	}
	return usec
}

func (s *Stream) bytesToUsecLocked(idx int64) time.Duration {
	if idx < 0 {
		idx = 0
	}
	return time.Duration(idx) * time.Second / time.Duration(s.sampleSpec.BytesPerFrame()) / time.Duration(s.sampleSpec.Rate)
}

// Timing returns the most recently polled timing snapshot.
func (s *Stream) Timing() (TimingInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timing, s.timingValid
}

// GetTime returns the smoother's current best estimate of stream
// position, clamped to be non-decreasing unless the caller passed
// FlagNotMonotonic at Connect. A stream with no timing snapshot yet, or
// whose relevant index is corrupt, reports ErrNoData instead of a stale
// guess.
func (s *Stream) GetTime() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.timingValid {
		return 0, newError("get-time", ErrNoData, nil)
	}
	if s.dir == DirectionPlayback && s.readIndexCorrupt {
		return 0, newError("get-time", ErrNoData, nil)
	}
	if s.dir == DirectionRecord && s.writeIndexCorrupt {
		return 0, newError("get-time", ErrNoData, nil)
	}

	usec := s.sm.Get(time.Now())
	if s.flags&FlagNotMonotonic == 0 {
		if usec < s.previousTime {
			usec = s.previousTime
		} else {
			s.previousTime = usec
		}
	}
	return usec, nil
}

// Latency returns the current playback/record latency and whether it is
// reported as negative (record streams only). It shares GetTime's
// NO_DATA gating but checks the opposite index:
// a playback stream's read index corruption, or a record stream's write
// index corruption, makes the latency itself (not just the time) unknown.
func (s *Stream) Latency() (latency time.Duration, negative bool, err error) {
	s.mu.Lock()
	if !s.timingValid {
		s.mu.Unlock()
		return 0, false, newError("get-latency", ErrNoData, nil)
	}
	if s.dir == DirectionPlayback && s.writeIndexCorrupt {
		s.mu.Unlock()
		return 0, false, newError("get-latency", ErrNoData, nil)
	}
	if s.dir == DirectionRecord && s.readIndexCorrupt {
		s.mu.Unlock()
		return 0, false, newError("get-latency", ErrNoData, nil)
	}
	dir := s.dir
	readIdx, writeIdx := s.readIndex, s.writeIndex
	rate := s.sampleSpec.Rate
	frameSize := int64(s.sampleSpec.BytesPerFrame())
	s.mu.Unlock()

	t, err := s.GetTime()
	if err != nil {
		return 0, false, err
	}

	idx := writeIdx
	if dir == DirectionRecord {
		idx = readIdx
	}
	if idx < 0 {
		idx = 0
	}
	var c time.Duration
	if frameSize > 0 && rate > 0 {
		c = time.Duration(idx) * time.Second / time.Duration(frameSize) / time.Duration(rate)
	}

	if dir == DirectionPlayback {
		if c >= t {
			return c - t, false, nil
		}
		return 0, false, nil
	}
	if t >= c {
		return t - c, false, nil
	}
	return c - t, true, nil
}
