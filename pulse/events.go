package pulse

import (
	"pulsego/internal/mempool"
	"pulsego/internal/proto"
	"pulsego/internal/tagstruct"
)

// SubscriptionFacility identifies which kind of server object a
// SubscriptionEvent concerns.
type SubscriptionFacility uint32

const (
	FacilitySink SubscriptionFacility = iota
	FacilitySource
	FacilitySinkInput
	FacilitySourceOutput
	FacilityClient
)

// SubscriptionEventKind distinguishes new/changed/removed.
type SubscriptionEventKind uint32

const (
	EventNew SubscriptionEventKind = iota
	EventChanged
	EventRemoved
)

// SubscriptionEvent is delivered to the context's subscribe callback
// once Subscribe has been called.
type SubscriptionEvent struct {
	Facility SubscriptionFacility
	Kind     SubscriptionEventKind
	Index    uint32
}

// Subscribe asks the server to start delivering SUBSCRIBE_EVENT
// notifications for the categories in mask; events are routed to the
// callback set by SetSubscribeCallback.
func (c *Context) Subscribe(mask proto.SubscriptionMask) *Operation {
	if err := c.guard("subscribe"); err != nil {
		return failedOperation()
	}
	w := tagstruct.NewCommand(proto.CommandSubscribe, 0)
	w.PutU32(uint32(mask))

	op := newOperation(nil)
	c.trackOperation(op)
	c.disp.SendCommand(w, func(command uint32, r *tagstruct.Reader) {
		c.loop.Post(func() {
			defer func() { c.untrackOperation(op); op.finish() }()
			if command != proto.CommandReply {
				op.Cancel()
			}
		})
	})
	return op
}

// registerUnsolicited wires every server-initiated command this client
// understands onto the dispatcher's static table, and wires
// the pstream's global memblock callback to the record-stream whose
// channel it addresses.
func (c *Context) registerUnsolicited() {
	c.mu.Lock()
	disp := c.disp
	ps := c.ps
	c.mu.Unlock()

	ps.SetMemblockCallback(func(channel uint32, chunk mempool.Chunk, offset int64, seek proto.SeekMode, first bool) {
		c.loop.Post(func() {
			s, ok := c.lookupStream(DirectionRecord, channel)
			if !ok {
				chunk.Release()
				return
			}
			s.onMemblock(chunk, offset, seek, first)
		})
	})

	disp.RegisterUnsolicited(proto.CommandRequest, c.onRequest)
	disp.RegisterUnsolicited(proto.CommandOverflow, c.onStreamEventCommand(func(s *Stream) { s.handleOverflow() }, DirectionPlayback))
	disp.RegisterUnsolicited(proto.CommandUnderflow, c.onStreamEventCommand(func(s *Stream) { s.handleUnderflow() }, DirectionPlayback))
	disp.RegisterUnsolicited(proto.CommandPlaybackStreamKilled, c.onStreamEventCommand(func(s *Stream) { s.handleKilled() }, DirectionPlayback))
	disp.RegisterUnsolicited(proto.CommandRecordStreamKilled, c.onStreamEventCommand(func(s *Stream) { s.handleKilled() }, DirectionRecord))
	disp.RegisterUnsolicited(proto.CommandPlaybackStreamMoved, c.onStreamPayloadCommand((*Stream).handleMoved, DirectionPlayback))
	disp.RegisterUnsolicited(proto.CommandRecordStreamMoved, c.onStreamPayloadCommand((*Stream).handleMoved, DirectionRecord))
	disp.RegisterUnsolicited(proto.CommandPlaybackStreamSuspended, c.onStreamPayloadCommand((*Stream).handleSuspended, DirectionPlayback))
	disp.RegisterUnsolicited(proto.CommandRecordStreamSuspended, c.onStreamPayloadCommand((*Stream).handleSuspended, DirectionRecord))
	disp.RegisterUnsolicited(proto.CommandPlaybackStreamStarted, c.onStreamEventCommand(func(s *Stream) { s.handleStarted() }, DirectionPlayback))
	disp.RegisterUnsolicited(proto.CommandPlaybackBufferAttrChanged, c.onBufferAttrChanged(DirectionPlayback))
	disp.RegisterUnsolicited(proto.CommandRecordBufferAttrChanged, c.onBufferAttrChanged(DirectionRecord))
	disp.RegisterUnsolicited(proto.CommandPlaybackStreamEvent, c.onStreamNamedEvent(DirectionPlayback))
	disp.RegisterUnsolicited(proto.CommandRecordStreamEvent, c.onStreamNamedEvent(DirectionRecord))
	disp.RegisterUnsolicited(proto.CommandSubscribeEvent, c.onSubscribeEvent)
}

// onRequest handles the server's REQUEST command: "you may write up to
// this many more bytes".
func (c *Context) onRequest(_ uint32, r *tagstruct.Reader) {
	channel, err := r.GetU32()
	if err != nil {
		return
	}
	nbytes, err := r.GetU32()
	if err != nil {
		return
	}
	c.loop.Post(func() {
		s, ok := c.lookupStream(DirectionPlayback, channel)
		if !ok {
			return
		}
		s.handleRequest(nbytes)
	})
}

// onStreamEventCommand returns a dispatcher handler that decodes a
// single channel-id field and invokes fn on the matching stream.
func (c *Context) onStreamEventCommand(fn func(*Stream), dir Direction) func(uint32, *tagstruct.Reader) {
	return func(_ uint32, r *tagstruct.Reader) {
		channel, err := r.GetU32()
		if err != nil {
			return
		}
		c.loop.Post(func() {
			if s, ok := c.lookupStream(dir, channel); ok {
				fn(s)
			}
		})
	}
}

// onStreamPayloadCommand is onStreamEventCommand for handlers that decode
// fields beyond the channel id from the command's remaining payload.
func (c *Context) onStreamPayloadCommand(fn func(*Stream, *tagstruct.Reader), dir Direction) func(uint32, *tagstruct.Reader) {
	return func(_ uint32, r *tagstruct.Reader) {
		channel, err := r.GetU32()
		if err != nil {
			return
		}
		c.loop.Post(func() {
			if s, ok := c.lookupStream(dir, channel); ok {
				fn(s, r)
			}
		})
	}
}

func (c *Context) onBufferAttrChanged(dir Direction) func(uint32, *tagstruct.Reader) {
	return c.onStreamPayloadCommand((*Stream).handleBufferAttrChanged, dir)
}

func (c *Context) onStreamNamedEvent(dir Direction) func(uint32, *tagstruct.Reader) {
	return func(_ uint32, r *tagstruct.Reader) {
		channel, err := r.GetU32()
		if err != nil {
			return
		}
		name, _, err := r.GetString()
		if err != nil {
			return
		}
		var props PropList
		if !r.EOF() {
			if wp, err := r.GetPropList(); err == nil {
				props = fromWirePropList(wp)
			}
		}
		c.loop.Post(func() {
			if s, ok := c.lookupStream(dir, channel); ok {
				s.handleNamedEvent(name, props)
			}
		})
	}
}

func (c *Context) onSubscribeEvent(_ uint32, r *tagstruct.Reader) {
	raw, err := r.GetU32()
	if err != nil {
		return
	}
	idx, err := r.GetU32()
	if err != nil {
		return
	}
	ev := SubscriptionEvent{
		Facility: SubscriptionFacility((raw >> 4) & 0x0F),
		Kind:     SubscriptionEventKind(raw & 0x0F),
		Index:    idx,
	}
	c.mu.Lock()
	cb := c.subscribeCB
	c.mu.Unlock()
	if cb != nil {
		c.loop.Post(func() { cb(ev) })
	}
}
