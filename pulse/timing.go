package pulse

import (
	"time"

	"pulsego/internal/proto"
)

// TimingInfo is a point-in-time latency snapshot: enough
// state to compute playback/record position without another round trip,
// refreshed periodically by GET_*_LATENCY requests.
type TimingInfo struct {
	// Timestamp is when this snapshot was taken (wall clock).
	Timestamp time.Time
	// WriteIndex / ReadIndex are byte offsets into the stream's buffer.
	WriteIndex int64
	ReadIndex  int64
	// SinkUsec / SourceUsec report the server-side device latency.
	SinkUsec   time.Duration
	SourceUsec time.Duration
	// TransportUsec estimates the one-way wire latency to the server;
	// Synchronized reports whether the two clocks appeared in agreement
	// when it was measured.
	TransportUsec time.Duration
	Synchronized  bool
	// Playing is false while the stream is corked or prebuffering.
	Playing bool
	// WriteIndexCorrupt / ReadIndexCorrupt flag that the respective index
	// could not be determined reliably this round.
	WriteIndexCorrupt bool
	ReadIndexCorrupt  bool
}

// writeIndexCorrection is one entry of the correction ring: a
// validity bit, a corruption bit, an absolute? bit and a
// signed value, keyed by the tag of the GET_PLAYBACK_LATENCY request
// outstanding when it was opened. Every playback write between that
// request being sent and its reply arriving accumulates into this one
// slot rather than allocating a new slot per write.
type writeIndexCorrection struct {
	valid    bool
	corrupt  bool
	absolute bool
	tag      uint32
	value    int64
}

// correctionRing holds pending write-index corrections. Capacity 10 is
// plenty: there is never more than a handful of timing requests in
// flight at once. current indexes the slot accumulating
// writes for the most recently sent, still-outstanding timing request.
type correctionRing struct {
	items   [10]writeIndexCorrection
	current int
}

// openForTag opens a fresh slot for a just-sent GET_*_LATENCY request,
// advancing past whatever slot was open for the previous request. Called
// once per timing poll, never per write.
func (r *correctionRing) openForTag(tag uint32) {
	r.current = (r.current + 1) % len(r.items)
	r.items[r.current] = writeIndexCorrection{valid: true, tag: tag}
}

// accumulate folds one playback write's seek offset/length into the
// currently open slot, mirroring the local write-index model:
// absolute resets and clears corruption, relative adds while not
// corrupt, anything else marks the slot corrupt until the next reply.
func (r *correctionRing) accumulate(offset, length int64, seek proto.SeekMode) {
	c := &r.items[r.current]
	if !c.valid {
		return
	}
	switch seek {
	case proto.SeekAbsolute:
		c.corrupt = false
		c.absolute = true
		c.value = offset + length
	case proto.SeekRelative:
		if !c.corrupt {
			c.value += offset + length
		}
	default:
		c.corrupt = true
	}
}

// markCorrupt flags the currently open slot as corrupt, used when Flush
// discards queued audio out from under the pending correction.
func (r *correctionRing) markCorrupt() {
	if c := &r.items[r.current]; c.valid {
		c.corrupt = true
	}
}

// apply walks every valid slot with tag >= reply.tag (in tag order) and
// folds its correction into writeIndex/corrupt, since those writes
// post-date the reply and are not yet reflected in the server's reported
// index. It then invalidates every slot with tag <= reply.tag, since
// those are now accounted for one way or another.
func (r *correctionRing) apply(tag uint32, writeIndex int64, corrupt bool) (int64, bool) {
	ctag := tag
	for n := 0; n < len(r.items); n++ {
		j := (r.current + 1 + n) % len(r.items)
		c := &r.items[j]
		if !c.valid || c.tag < ctag {
			continue
		}
		ctag = c.tag + 1
		switch {
		case c.corrupt:
			corrupt = true
		case c.absolute:
			writeIndex = c.value
			corrupt = false
		case !corrupt:
			writeIndex += c.value
		}
	}
	for i := range r.items {
		if r.items[i].valid && r.items[i].tag <= tag {
			r.items[i].valid = false
		}
	}
	return writeIndex, corrupt
}
