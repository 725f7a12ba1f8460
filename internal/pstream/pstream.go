// Package pstream implements the packet stream: it frames control
// packets and audio memory blocks over a single iochannel.Channel,
// using a 20-byte frame descriptor, and pumps delivery on a dedicated
// goroutine per stream.
package pstream

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"pulsego/internal/iochannel"
	"pulsego/internal/mempool"
	"pulsego/internal/proto"
)

// MaxFrameSize bounds a single frame's payload length; a descriptor
// claiming more kills the connection.
const MaxFrameSize = 512 * 1024

// descriptorSize is the five-word, big-endian frame descriptor: length,
// channel, offset_hi, offset_lo, seek_mode.
const descriptorSize = 20

// sendItem is one queued unit of outbound work: either a control packet
// or an audio memblock chunk destined for a given channel.
type sendItem struct {
	isPacket  bool
	packet    []byte
	withCreds bool

	chunk   mempool.Chunk
	channel uint32
	offset  int64
	seek    proto.SeekMode
}

// Stream frames control packets and audio chunks over a single
// iochannel. Receives are pumped by a dedicated goroutine (see
// New); sends run synchronously on the calling goroutine. All mutable
// state is guarded by mu so the two sides can run concurrently.
type Stream struct {
	ch   *iochannel.Channel
	pool *mempool.Pool
	log  *log.Logger

	// send side
	outQueue []sendItem
	sendHdr  [descriptorSize]byte
	sendBuf  []byte // remaining bytes of the current item's header+payload
	sending  bool   // true while sendHdr/sendBuf are mid-transmission

	// receive side
	recvHdr     [descriptorSize]byte
	recvHdrHave int
	recvLen     uint32
	recvChannel uint32
	recvOffset  int64
	recvSeek    proto.SeekMode
	recvIsCtrl  bool
	recvPacket  []byte
	recvBlock   *mempool.Block
	recvAcq     []byte
	recvHave    int
	recvFirst   bool
	recvCreds   iochannel.Credentials

	// mu guards everything below: the send queue is mutated both by
	// callers invoking SendPacket/SendMemblock and, on error, by the
	// dedicated read-pump goroutine tearing the stream down.
	mu     sync.Mutex
	closed bool

	onPacket   func(data []byte, creds iochannel.Credentials)
	onMemblock func(channel uint32, chunk mempool.Chunk, offset int64, seek proto.SeekMode, first bool)
	onDrain    func()
	onDie      func(err error)
}

// New wraps ch (already connected) as a packet stream using pool to
// allocate incoming audio blocks.
//
// net.Conn's Read blocks until data or an error is available rather than
// returning EAGAIN, so the readable-event contract is satisfied by a
// dedicated pump goroutine instead of an external mainloop calling
// FireReadable; doRead's own loop then runs until the stream dies. Writes
// stay synchronous: SendPacket/SendMemblock call doWrite inline, and a
// blocking Write simply backpressures the caller.
func New(ch *iochannel.Channel, pool *mempool.Pool) *Stream {
	s := &Stream{ch: ch, pool: pool, log: log.With("component", "pstream")}
	ch.SetOnReadable(s.doRead)
	ch.SetOnWritable(s.doWrite)
	ch.SetOnHangup(func() { s.die(fmt.Errorf("pstream: peer hung up")) })
	go s.doRead()
	return s
}

// SetPacketCallback registers the handler invoked once a control frame's
// payload has been fully received.
func (s *Stream) SetPacketCallback(fn func(data []byte, creds iochannel.Credentials)) {
	s.mu.Lock()
	s.onPacket = fn
	s.mu.Unlock()
}

// SetMemblockCallback registers the handler invoked incrementally as an
// audio frame's payload streams in. first is true only for
// the first callback of a given frame; offset/seek are only meaningful
// then and are zeroed on subsequent calls for the same frame.
func (s *Stream) SetMemblockCallback(fn func(channel uint32, chunk mempool.Chunk, offset int64, seek proto.SeekMode, first bool)) {
	s.mu.Lock()
	s.onMemblock = fn
	s.mu.Unlock()
}

// SetDrainCallback registers the handler fired whenever the send queue
// transitions from pending to idle.
func (s *Stream) SetDrainCallback(fn func()) {
	s.mu.Lock()
	s.onDrain = fn
	s.mu.Unlock()
}

// SetDieCallback registers the handler fired on irrecoverable error or
// hangup.
func (s *Stream) SetDieCallback(fn func(err error)) {
	s.mu.Lock()
	s.onDie = fn
	s.mu.Unlock()
}

// IsPending reports whether a send item is in flight or queued.
func (s *Stream) IsPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending || len(s.outQueue) > 0
}

// SendPacket enqueues a control packet. withCreds requests the transport
// attach peer credentials if the underlying channel supports it.
func (s *Stream) SendPacket(data []byte, withCreds bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	wasPending := s.sending || len(s.outQueue) > 0
	s.outQueue = append(s.outQueue, sendItem{isPacket: true, packet: data, withCreds: withCreds})
	s.mu.Unlock()
	if !wasPending {
		s.doWrite()
	}
}

// SendMemblock enqueues an audio chunk for delivery on channel. The chunk
// must already hold a reference the caller is transferring to the stream;
// the stream releases it once the chunk has been fully sent.
func (s *Stream) SendMemblock(channel uint32, chunk mempool.Chunk, offset int64, seek proto.SeekMode) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		chunk.Release()
		return
	}
	wasPending := s.sending || len(s.outQueue) > 0
	s.outQueue = append(s.outQueue, sendItem{chunk: chunk, channel: channel, offset: offset, seek: seek})
	s.mu.Unlock()
	if !wasPending {
		s.doWrite()
	}
}

// Close tears the stream down. Idempotent; after Close, callbacks are
// detached and subsequent sends are silently dropped.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	queue := s.outQueue
	s.outQueue = nil
	s.onPacket = nil
	s.onMemblock = nil
	s.onDrain = nil
	s.onDie = nil
	s.mu.Unlock()

	for _, it := range queue {
		if !it.isPacket {
			it.chunk.Release()
		}
	}
	return s.ch.Close()
}

func (s *Stream) die(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	cb := s.onDie
	s.mu.Unlock()

	s.Close()
	if cb != nil {
		cb(err)
	}
}

// doWrite emits the current item's descriptor and payload, moving to the
// next queued item once the current one drains, and fires onDrain
// exactly once per pending->idle transition. It does not hold the stream
// mutex across the blocking Write call or while invoking onDrain.
func (s *Stream) doWrite() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if !s.sending {
			if len(s.outQueue) == 0 {
				s.mu.Unlock()
				return
			}
			item := s.outQueue[0]
			s.outQueue = s.outQueue[1:]
			s.beginSendLocked(item)
		}
		buf := s.sendBuf
		s.mu.Unlock()

		n, err := s.ch.Write(buf)
		if err != nil {
			s.die(err)
			return
		}
		if n == 0 {
			return // would block; caller (or a future writable event) retries
		}

		s.mu.Lock()
		s.sendBuf = s.sendBuf[n:]
		var fireDrain func()
		if len(s.sendBuf) == 0 {
			s.sending = false
			if len(s.outQueue) == 0 {
				fireDrain = s.onDrain
			}
		}
		s.mu.Unlock()

		if fireDrain != nil {
			fireDrain()
		}
	}
}

// beginSendLocked prepares sendHdr/sendBuf for item and marks
// sending=true. Caller must hold s.mu.
func (s *Stream) beginSendLocked(item sendItem) {
	var payload []byte
	var channel uint32
	var offset int64
	var seek proto.SeekMode

	if item.isPacket {
		payload = item.packet
		channel = proto.ControlChannel
	} else {
		acquired := item.chunk.Block.Acquire()
		payload = item.chunk.Bytes(acquired)
		channel = item.channel
		offset = item.offset
		seek = item.seek
	}

	binary.BigEndian.PutUint32(s.sendHdr[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(s.sendHdr[4:8], channel)
	binary.BigEndian.PutUint32(s.sendHdr[8:12], uint32(uint64(offset)>>32))
	binary.BigEndian.PutUint32(s.sendHdr[12:16], uint32(uint64(offset)))
	binary.BigEndian.PutUint32(s.sendHdr[16:20], uint32(seek))

	buf := make([]byte, descriptorSize+len(payload))
	copy(buf, s.sendHdr[:])
	copy(buf[descriptorSize:], payload)
	if !item.isPacket {
		item.chunk.Block.Release()
		item.chunk.Release()
	}

	s.sendBuf = buf
	s.sending = true
}

// doRead is called whenever the channel is readable; it decodes the
// 20-byte descriptor then streams the payload to the packet or memblock
// callback, incrementally for audio frames.
func (s *Stream) doRead() {
	for !s.isClosed() {
		if s.recvHdrHave < descriptorSize {
			n, creds, err := s.readHeader()
			if err != nil {
				s.die(err)
				return
			}
			if n == 0 {
				return
			}
			if creds.Valid {
				s.recvCreds = creds
			}
			if s.recvHdrHave < descriptorSize {
				continue
			}
			if err := s.beginRecv(); err != nil {
				s.die(err)
				return
			}
		}

		done, err := s.readPayload()
		if err != nil {
			s.die(err)
			return
		}
		if !done {
			return
		}
		s.finishRecv()
	}
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) readHeader() (int, iochannel.Credentials, error) {
	n, creds, err := s.ch.ReadWithCreds(s.recvHdr[s.recvHdrHave:descriptorSize])
	if err != nil {
		return n, creds, err
	}
	s.recvHdrHave += n
	return n, creds, nil
}

func (s *Stream) beginRecv() error {
	s.recvLen = binary.BigEndian.Uint32(s.recvHdr[0:4])
	s.recvChannel = binary.BigEndian.Uint32(s.recvHdr[4:8])
	hi := uint64(binary.BigEndian.Uint32(s.recvHdr[8:12]))
	lo := uint64(binary.BigEndian.Uint32(s.recvHdr[12:16]))
	s.recvOffset = int64(hi<<32 | lo)
	s.recvSeek = proto.SeekMode(binary.BigEndian.Uint32(s.recvHdr[16:20]))
	s.recvIsCtrl = s.recvChannel == proto.ControlChannel
	s.recvHave = 0
	s.recvFirst = true

	if s.recvLen > MaxFrameSize {
		return fmt.Errorf("pstream: frame length %d exceeds max %d (PROTOCOL)", s.recvLen, MaxFrameSize)
	}

	if s.recvIsCtrl {
		s.recvPacket = make([]byte, s.recvLen)
	} else {
		b, err := s.pool.NewBlock(int(s.recvLen))
		if err != nil {
			return fmt.Errorf("pstream: allocate memblock: %w", err)
		}
		s.recvBlock = b
		s.recvAcq = b.Acquire()
	}
	return nil
}

// readPayload reads as much of the current frame's payload as is
// available, delivering memblock callbacks incrementally. Returns true
// once the whole frame has been consumed.
func (s *Stream) readPayload() (bool, error) {
	if s.recvLen == 0 {
		return true, nil
	}
	for s.recvHave < int(s.recvLen) {
		var dst []byte
		if s.recvIsCtrl {
			dst = s.recvPacket[s.recvHave:]
		} else {
			dst = s.recvAcq[s.recvHave:]
		}
		n, err := s.ch.Read(dst)
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		s.recvHave += n

		if !s.recvIsCtrl {
			s.mu.Lock()
			cb := s.onMemblock
			s.mu.Unlock()
			if cb != nil {
				chunk, err := mempool.NewChunk(s.recvBlock, uint32(s.recvHave-n), uint32(n))
				if err != nil {
					return false, err
				}
				offset, seek := s.recvOffset, s.recvSeek
				if !s.recvFirst {
					offset, seek = 0, 0
				}
				s.recvFirst = false
				cb(s.recvChannel, chunk, offset, seek, s.recvHave-n == 0)
			}
		}
	}
	return true, nil
}

func (s *Stream) finishRecv() {
	if s.recvIsCtrl {
		s.mu.Lock()
		cb := s.onPacket
		s.mu.Unlock()
		if cb != nil {
			cb(s.recvPacket, s.recvCreds)
		}
		s.recvPacket = nil
		s.recvCreds = iochannel.Credentials{}
	} else {
		s.recvBlock.Release()
		s.recvBlock.Unref()
		s.recvBlock = nil
		s.recvAcq = nil
		s.recvCreds = iochannel.Credentials{}
	}
	s.recvHdrHave = 0
}
