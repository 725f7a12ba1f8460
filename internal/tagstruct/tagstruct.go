// Package tagstruct implements the self-describing, typed, ordered value
// encoding used for every control packet on the wire. Each
// value is preceded by a one-byte type tag; a Writer appends values, a
// Reader decodes them back in the same order.
package tagstruct

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type tags, one byte each, exactly as they appear on the wire.
const (
	tagU32        byte = 'L'
	tagU8         byte = 'B'
	tagString     byte = 's'
	tagStringNull byte = 'N'
	tagTrue       byte = 't'
	tagFalse      byte = 'f'
	tagSampleSpec byte = 'R'
	tagArbitrary  byte = 'a'
	tagUsec       byte = 'U'
	tagS64        byte = 'l'
	tagChannelMap byte = 'm'
	tagCVolume    byte = 'v'
	tagProplist   byte = 'P'
)

// ErrMalformed is wrapped by every decode error; callers that need to
// distinguish a protocol violation from a programmer error (wrong Get*
// call for the tag present) can match on it with errors.Is.
var ErrMalformed = errors.New("tagstruct: malformed data")

// SampleSpec is the wire sample-spec value: format byte, channel count
// byte, sample rate as a big-endian u32.
type SampleSpec struct {
	Format   uint8
	Channels uint8
	Rate     uint32
}

// ChannelMap is an ordered list of channel position codes, one byte each,
// preceded by a channel-count byte on the wire.
type ChannelMap []uint8

// CVolume is an ordered list of per-channel volume levels (u32 each),
// preceded by a channel-count byte on the wire, mirroring ChannelMap.
type CVolume []uint32

// PropList is an ordered key/value property list. Encoding is a sequence
// of (key string, value byte array) pairs terminated by a nil key.
type PropList map[string][]byte

// Writer builds a tag-struct byte buffer by appending typed values in
// order. The zero value is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with its internal buffer pre-sized.
func NewWriter() *Writer { return &Writer{buf: make([]byte, 0, 64)} }

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// PutU32 appends an unsigned 32-bit value.
func (w *Writer) PutU32(v uint32) *Writer {
	w.buf = append(w.buf, tagU32)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

// PutU8 appends an unsigned 8-bit value.
func (w *Writer) PutU8(v uint8) *Writer {
	w.buf = append(w.buf, tagU8, v)
	return w
}

// PutS64 appends a signed 64-bit value.
func (w *Writer) PutS64(v int64) *Writer {
	w.buf = append(w.buf, tagS64)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.buf = append(w.buf, b[:]...)
	return w
}

// PutUsec appends a microsecond duration as an unsigned 64-bit value.
func (w *Writer) PutUsec(v uint64) *Writer {
	w.buf = append(w.buf, tagUsec)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

// PutBool appends a boolean as the dedicated true/false tag.
func (w *Writer) PutBool(v bool) *Writer {
	if v {
		w.buf = append(w.buf, tagTrue)
	} else {
		w.buf = append(w.buf, tagFalse)
	}
	return w
}

// PutString appends a string, or a nil marker if s is nil. Go has no
// native nil string, so callers that need PA_INVALID_INDEX-style "no
// string" semantics call PutStringNil explicitly.
func (w *Writer) PutString(s string) *Writer {
	w.buf = append(w.buf, tagString)
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
	return w
}

// PutStringNil appends the nil-string marker.
func (w *Writer) PutStringNil() *Writer {
	w.buf = append(w.buf, tagStringNull)
	return w
}

// PutArbitrary appends a raw byte array as a u32 length prefix followed by
// the bytes themselves.
func (w *Writer) PutArbitrary(data []byte) *Writer {
	w.buf = append(w.buf, tagArbitrary)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(len(data)))
	w.buf = append(w.buf, b[:]...)
	w.buf = append(w.buf, data...)
	return w
}

// PutSampleSpec appends a sample spec (format u8, channels u8, rate u32 BE).
func (w *Writer) PutSampleSpec(ss SampleSpec) *Writer {
	w.buf = append(w.buf, tagSampleSpec, ss.Format, ss.Channels)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ss.Rate)
	w.buf = append(w.buf, b[:]...)
	return w
}

// PutChannelMap appends a channel map: a count byte then one byte per channel.
func (w *Writer) PutChannelMap(cm ChannelMap) *Writer {
	w.buf = append(w.buf, tagChannelMap, uint8(len(cm)))
	w.buf = append(w.buf, cm...)
	return w
}

// PutCVolume appends a channel volume vector: a count byte then one u32 per channel.
func (w *Writer) PutCVolume(cv CVolume) *Writer {
	w.buf = append(w.buf, tagCVolume, uint8(len(cv)))
	var b [4]byte
	for _, v := range cv {
		binary.BigEndian.PutUint32(b[:], v)
		w.buf = append(w.buf, b[:]...)
	}
	return w
}

// PutPropList appends a property list as (key, value-array) pairs
// terminated by a nil key, in map-iteration order (callers that need a
// deterministic wire order should pre-sort keys before building the map).
func (w *Writer) PutPropList(pl PropList) *Writer {
	w.buf = append(w.buf, tagProplist)
	for k, v := range pl {
		w.PutString(k)
		w.PutArbitrary(v)
	}
	w.PutStringNil()
	return w
}

// Reader decodes a tag-struct buffer, consuming values in order.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential decoding.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// EOF reports whether every byte has been consumed.
func (r *Reader) EOF() bool { return r.pos >= len(r.buf) }

// Remaining returns the number of unconsumed bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, n, len(r.buf)-r.pos)
	}
	return nil
}

func (r *Reader) tag() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	t := r.buf[r.pos]
	r.pos++
	return t, nil
}

func (r *Reader) expect(want byte) error {
	got, err := r.tag()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: expected tag %q, got %q", ErrMalformed, want, got)
	}
	return nil
}

// GetU32 decodes an unsigned 32-bit value.
func (r *Reader) GetU32() (uint32, error) {
	if err := r.expect(tagU32); err != nil {
		return 0, err
	}
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// GetU8 decodes an unsigned 8-bit value.
func (r *Reader) GetU8() (uint8, error) {
	if err := r.expect(tagU8); err != nil {
		return 0, err
	}
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// GetS64 decodes a signed 64-bit value.
func (r *Reader) GetS64() (int64, error) {
	if err := r.expect(tagS64); err != nil {
		return 0, err
	}
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := int64(binary.BigEndian.Uint64(r.buf[r.pos:]))
	r.pos += 8
	return v, nil
}

// GetUsec decodes a microsecond duration.
func (r *Reader) GetUsec() (uint64, error) {
	if err := r.expect(tagUsec); err != nil {
		return 0, err
	}
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// GetBool decodes a boolean from the dedicated true/false tag.
func (r *Reader) GetBool() (bool, error) {
	t, err := r.tag()
	if err != nil {
		return false, err
	}
	switch t {
	case tagTrue:
		return true, nil
	case tagFalse:
		return false, nil
	default:
		return false, fmt.Errorf("%w: expected bool tag, got %q", ErrMalformed, t)
	}
}

// GetString decodes a string, or ("", true) if a nil-string marker was present.
func (r *Reader) GetString() (s string, isNil bool, err error) {
	t, err := r.tag()
	if err != nil {
		return "", false, err
	}
	switch t {
	case tagStringNull:
		return "", true, nil
	case tagString:
		start := r.pos
		for r.pos < len(r.buf) && r.buf[r.pos] != 0 {
			r.pos++
		}
		if r.pos >= len(r.buf) {
			return "", false, fmt.Errorf("%w: unterminated string", ErrMalformed)
		}
		s := string(r.buf[start:r.pos])
		r.pos++ // consume the zero terminator
		return s, false, nil
	default:
		return "", false, fmt.Errorf("%w: expected string tag, got %q", ErrMalformed, t)
	}
}

// GetArbitrary decodes a raw byte array.
func (r *Reader) GetArbitrary() ([]byte, error) {
	if err := r.expect(tagArbitrary); err != nil {
		return nil, err
	}
	if err := r.need(4); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	data := make([]byte, n)
	copy(data, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return data, nil
}

// GetSampleSpec decodes a sample spec.
func (r *Reader) GetSampleSpec() (SampleSpec, error) {
	if err := r.expect(tagSampleSpec); err != nil {
		return SampleSpec{}, err
	}
	if err := r.need(6); err != nil {
		return SampleSpec{}, err
	}
	ss := SampleSpec{
		Format:   r.buf[r.pos],
		Channels: r.buf[r.pos+1],
		Rate:     binary.BigEndian.Uint32(r.buf[r.pos+2:]),
	}
	r.pos += 6
	return ss, nil
}

// GetChannelMap decodes a channel map.
func (r *Reader) GetChannelMap() (ChannelMap, error) {
	if err := r.expect(tagChannelMap); err != nil {
		return nil, err
	}
	if err := r.need(1); err != nil {
		return nil, err
	}
	n := int(r.buf[r.pos])
	r.pos++
	if err := r.need(n); err != nil {
		return nil, err
	}
	cm := make(ChannelMap, n)
	copy(cm, r.buf[r.pos:r.pos+n])
	r.pos += n
	return cm, nil
}

// GetCVolume decodes a channel volume vector.
func (r *Reader) GetCVolume() (CVolume, error) {
	if err := r.expect(tagCVolume); err != nil {
		return nil, err
	}
	if err := r.need(1); err != nil {
		return nil, err
	}
	n := int(r.buf[r.pos])
	r.pos++
	if err := r.need(4 * n); err != nil {
		return nil, err
	}
	cv := make(CVolume, n)
	for i := 0; i < n; i++ {
		cv[i] = binary.BigEndian.Uint32(r.buf[r.pos:])
		r.pos += 4
	}
	return cv, nil
}

// GetPropList decodes a property list.
func (r *Reader) GetPropList() (PropList, error) {
	if err := r.expect(tagProplist); err != nil {
		return nil, err
	}
	pl := make(PropList)
	for {
		key, isNil, err := r.GetString()
		if err != nil {
			return nil, err
		}
		if isNil {
			return pl, nil
		}
		val, err := r.GetArbitrary()
		if err != nil {
			return nil, err
		}
		pl[key] = val
	}
}
