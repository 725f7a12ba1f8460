// Package memblockq implements the record-side byte queue: incoming
// memblock frames are aligned to a frame boundary and queued;
// Peek returns a contiguous view of the head, Drop consumes exactly the
// peeked length.
package memblockq

import (
	"fmt"

	"pulsego/internal/mempool"
)

// chunk is one queued segment: the acquired bytes plus the mempool chunk
// that must eventually be released.
type queued struct {
	data  []byte
	chunk mempool.Chunk
}

// Queue is a FIFO byte queue built from memory chunks, aligned to a fixed
// frame size (e.g. bytes per sample * channels).
type Queue struct {
	frameSize int
	items     []queued
	headOff   int // bytes already consumed from items[0]
	length    int // total unconsumed bytes across all items
}

// New returns an empty Queue aligned to frameSize bytes. A frameSize of 0
// or 1 disables alignment (every byte is a valid boundary).
func New(frameSize int) *Queue {
	if frameSize <= 0 {
		frameSize = 1
	}
	return &Queue{frameSize: frameSize}
}

// Push appends a chunk's bytes to the tail of the queue. acquired must be
// the result of chunk.Block.Acquire(); the queue keeps its own reference
// to chunk (via Ref, taken by the caller before calling Push) and
// releases it when the bytes are fully consumed.
func (q *Queue) Push(chunk mempool.Chunk, acquired []byte) {
	data := chunk.Bytes(acquired)
	q.items = append(q.items, queued{data: data, chunk: chunk})
	q.length += len(data)
}

// Len returns the total number of unconsumed bytes (Stream.ReadableSize).
func (q *Queue) Len() int { return q.length }

// Peek returns a contiguous view of up to n bytes from the head of the
// queue, aligned down to the nearest multiple of frameSize. It never
// copies unless the requested span crosses more than one backing chunk.
func (q *Queue) Peek(n int) []byte {
	if n > q.length {
		n = q.length
	}
	n -= n % q.frameSize
	if n <= 0 {
		return nil
	}

	if len(q.items) == 0 {
		return nil
	}
	first := q.items[0].data[q.headOff:]
	if len(first) >= n {
		return first[:n]
	}

	out := make([]byte, 0, n)
	remaining := n
	off := q.headOff
	for i := 0; i < len(q.items) && remaining > 0; i++ {
		d := q.items[i].data
		if i == 0 {
			d = d[off:]
		}
		take := remaining
		if take > len(d) {
			take = len(d)
		}
		out = append(out, d[:take]...)
		remaining -= take
	}
	return out
}

// Drop consumes exactly n bytes from the head of the queue, releasing any
// chunk that becomes fully consumed. n must not exceed Len() and should
// be the length previously returned by Peek.
func (q *Queue) Drop(n int) error {
	if n > q.length {
		return fmt.Errorf("memblockq: drop %d exceeds queued length %d", n, q.length)
	}
	q.length -= n
	for n > 0 && len(q.items) > 0 {
		head := &q.items[0]
		avail := len(head.data) - q.headOff
		if n < avail {
			q.headOff += n
			n = 0
			break
		}
		n -= avail
		head.chunk.Release()
		q.items = q.items[1:]
		q.headOff = 0
	}
	return nil
}

// Flush discards all queued data, releasing every held chunk.
func (q *Queue) Flush() {
	for _, it := range q.items {
		it.chunk.Release()
	}
	q.items = nil
	q.headOff = 0
	q.length = 0
}
