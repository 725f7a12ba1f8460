package tagstruct

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRoundTripScalars(t *testing.T) {
	w := NewWriter()
	w.PutU32(0xDEADBEEF).
		PutU8(7).
		PutBool(true).
		PutBool(false).
		PutString("application.name").
		PutStringNil().
		PutS64(-12345).
		PutUsec(9999999).
		PutArbitrary([]byte{1, 2, 3, 4}).
		PutSampleSpec(SampleSpec{Format: 3, Channels: 2, Rate: 48000}).
		PutChannelMap(ChannelMap{1, 2}).
		PutCVolume(CVolume{65536, 32768})

	r := NewReader(w.Bytes())

	u32, err := r.GetU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), u32)

	u8, err := r.GetU8()
	require.NoError(t, err)
	assert.Equal(t, uint8(7), u8)

	b, err := r.GetBool()
	require.NoError(t, err)
	assert.True(t, b)
	b, err = r.GetBool()
	require.NoError(t, err)
	assert.False(t, b)

	s, isNil, err := r.GetString()
	require.NoError(t, err)
	assert.False(t, isNil)
	assert.Equal(t, "application.name", s)

	_, isNil, err = r.GetString()
	require.NoError(t, err)
	assert.True(t, isNil)

	s64, err := r.GetS64()
	require.NoError(t, err)
	assert.Equal(t, int64(-12345), s64)

	usec, err := r.GetUsec()
	require.NoError(t, err)
	assert.Equal(t, uint64(9999999), usec)

	arb, err := r.GetArbitrary()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, arb)

	ss, err := r.GetSampleSpec()
	require.NoError(t, err)
	assert.Equal(t, SampleSpec{Format: 3, Channels: 2, Rate: 48000}, ss)

	cm, err := r.GetChannelMap()
	require.NoError(t, err)
	assert.Equal(t, ChannelMap{1, 2}, cm)

	cv, err := r.GetCVolume()
	require.NoError(t, err)
	assert.Equal(t, CVolume{65536, 32768}, cv)

	assert.True(t, r.EOF())
}

func TestRoundTripPropList(t *testing.T) {
	pl := PropList{
		"application.name":    []byte("probe"),
		"application.version": []byte("1.0"),
	}
	w := NewWriter()
	w.PutPropList(pl)

	r := NewReader(w.Bytes())
	got, err := r.GetPropList()
	require.NoError(t, err)
	assert.Equal(t, pl, got)
	assert.True(t, r.EOF())
}

func TestGetWrongTagIsMalformed(t *testing.T) {
	w := NewWriter()
	w.PutU32(1)
	r := NewReader(w.Bytes())
	_, _, err := r.GetString()
	require.Error(t, err)
}

func TestTruncatedBufferIsMalformed(t *testing.T) {
	w := NewWriter()
	w.PutU32(1)
	buf := w.Bytes()[:2] // chop the u32 in half
	r := NewReader(buf)
	_, err := r.GetU32()
	require.Error(t, err)
}

func TestCommandHeaderRoundTrip(t *testing.T) {
	w := NewCommand(42, 7)
	w.PutString("hello")
	cmd, tag, r, err := ReadCommandHeader(w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(42), cmd)
	assert.Equal(t, uint32(7), tag)
	s, _, err := r.GetString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
}

// TestRapidScalarRoundTrip is the tag-struct round-trip law:
// "Encoding then decoding a tag-struct yields the identical sequence of
// typed values." Exercised over randomized sequences of scalar values.
func TestRapidScalarRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(rt, "n")
		type kind int
		const (
			kU32 kind = iota
			kU8
			kBool
			kString
			kS64
			kUsec
		)
		kinds := make([]kind, n)
		u32s := make([]uint32, n)
		u8s := make([]uint8, n)
		bools := make([]bool, n)
		strs := make([]string, n)
		s64s := make([]int64, n)
		usecs := make([]uint64, n)

		w := NewWriter()
		for i := 0; i < n; i++ {
			k := kind(rapid.IntRange(0, 5).Draw(rt, "kind"))
			kinds[i] = k
			switch k {
			case kU32:
				v := rapid.Uint32().Draw(rt, "u32")
				u32s[i] = v
				w.PutU32(v)
			case kU8:
				v := rapid.Uint8().Draw(rt, "u8")
				u8s[i] = v
				w.PutU8(v)
			case kBool:
				v := rapid.Bool().Draw(rt, "bool")
				bools[i] = v
				w.PutBool(v)
			case kString:
				v := rapid.StringMatching(`[a-zA-Z0-9_.]{0,16}`).Draw(rt, "str")
				strs[i] = v
				w.PutString(v)
			case kS64:
				v := rapid.Int64().Draw(rt, "s64")
				s64s[i] = v
				w.PutS64(v)
			case kUsec:
				v := rapid.Uint64().Draw(rt, "usec")
				usecs[i] = v
				w.PutUsec(v)
			}
		}

		r := NewReader(w.Bytes())
		for i := 0; i < n; i++ {
			switch kinds[i] {
			case kU32:
				v, err := r.GetU32()
				require.NoError(rt, err)
				assert.Equal(rt, u32s[i], v)
			case kU8:
				v, err := r.GetU8()
				require.NoError(rt, err)
				assert.Equal(rt, u8s[i], v)
			case kBool:
				v, err := r.GetBool()
				require.NoError(rt, err)
				assert.Equal(rt, bools[i], v)
			case kString:
				v, _, err := r.GetString()
				require.NoError(rt, err)
				assert.Equal(rt, strs[i], v)
			case kS64:
				v, err := r.GetS64()
				require.NoError(rt, err)
				assert.Equal(rt, s64s[i], v)
			case kUsec:
				v, err := r.GetUsec()
				require.NoError(rt, err)
				assert.Equal(rt, usecs[i], v)
			}
		}
		assert.True(rt, r.EOF())
	})
}
