package pulse

import (
	"pulsego/internal/proto"
	"pulsego/internal/tagstruct"
)

// StreamConnectUpload creates an upload stream for the server's sample
// cache: it shares Stream's
// creating->ready->terminated path and the playback write protocol, but
// has no read side and no GET_*_LATENCY timing loop. Call Write/
// WriteBytes to fill it with exactly bytes worth of audio, then
// FinishUpload to commit it to the cache under name.
func (c *Context) StreamConnectUpload(name string, ss SampleSpec, channelMap ChannelMap, bytes int) (*Stream, *Operation) {
	s := NewStream(c, DirectionUpload, ss, channelMap, PropList{"media.name": name})

	if err := c.guard("stream-connect-upload"); err != nil {
		return s, failedOperation()
	}
	s.mu.Lock()
	if s.state != StreamUnconnected {
		s.mu.Unlock()
		return s, failedOperation()
	}
	s.state = StreamCreating
	s.mu.Unlock()
	s.setState(StreamCreating)

	w := tagstruct.NewCommand(proto.CommandCreateUploadStream, 0)
	w.PutString(name)
	w.PutSampleSpec(ss.toWire())
	w.PutChannelMap(channelMap.toWire())
	w.PutU32(uint32(bytes))

	op := newOperation(nil)
	c.trackOperation(op)
	c.disp.SendCommand(w, func(command uint32, r *tagstruct.Reader) {
		c.loop.Post(func() {
			defer func() { c.untrackOperation(op); op.finish() }()
			s.handleUploadCreateReply(command, r)
		})
	})
	return s, op
}

func (s *Stream) handleUploadCreateReply(command uint32, r *tagstruct.Reader) {
	if command != proto.CommandReply {
		s.failLocal(newError("stream-connect-upload", classifyReplyError(command, r), nil))
		return
	}
	channel, err := r.GetU32()
	if err != nil {
		s.failLocal(newError("stream-connect-upload", ErrProtocol, err))
		return
	}
	maxLength, err := r.GetU32()
	if err != nil {
		s.failLocal(newError("stream-connect-upload", ErrProtocol, err))
		return
	}

	s.mu.Lock()
	s.channel = channel
	s.haveChannel = true
	s.bufferAttr = BufferAttr{MaxLength: maxLength}
	s.mu.Unlock()

	s.ctx.registerStream(DirectionUpload, channel, s)
	s.setState(StreamReady)
}

// FinishUpload commits a fully-written upload stream to the sample
// cache under the name it was created with, then tears the stream down
// (CREATE_UPLOAD_STREAM's channel only lives for the duration of the
// upload).
func (s *Stream) FinishUpload() *Operation {
	if err := s.ctx.guard("finish-upload"); err != nil {
		return failedOperation()
	}
	s.mu.Lock()
	channel, ok := s.channel, s.haveChannel
	dir := s.dir
	s.mu.Unlock()
	if !ok {
		return failedOperation()
	}

	w := tagstruct.NewCommand(proto.CommandFinishUploadStream, 0)
	w.PutU32(channel)

	op := newOperation(nil)
	s.ctx.trackOperation(op)
	s.ctx.disp.SendCommand(w, func(command uint32, r *tagstruct.Reader) {
		s.ctx.loop.Post(func() {
			defer func() { s.ctx.untrackOperation(op); op.finish() }()
			s.ctx.unregisterStream(dir, channel)
			if command != proto.CommandReply {
				s.failLocal(newError("finish-upload", classifyReplyError(command, r), nil))
				return
			}
			s.setState(StreamTerminated)
		})
	})
	return op
}

// PlaySample plays back a previously uploaded cache entry by name on
// device (empty for the default sink).
func (c *Context) PlaySample(name string, device string, volume uint32) *Operation {
	if err := c.guard("play-sample"); err != nil {
		return failedOperation()
	}
	w := tagstruct.NewCommand(proto.CommandPlaySample, 0)
	w.PutU32(proto.InvalidIndex)
	if device == "" {
		w.PutStringNil()
	} else {
		w.PutString(device)
	}
	w.PutU32(volume)
	w.PutString(name)

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

// RemoveSample deletes a cache entry by name.
func (c *Context) RemoveSample(name string) *Operation {
	if err := c.guard("remove-sample"); err != nil {
		return failedOperation()
	}
	w := tagstruct.NewCommand(proto.CommandDeleteSample, 0)
	w.PutString(name)

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
