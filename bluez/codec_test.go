package bluez

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAvailable(t *testing.T) {
	assert.True(t, IsAvailable(CodecID{Codec: CodecSBC}, true))
	assert.False(t, IsAvailable(CodecAptX, true))
	assert.False(t, IsAvailable(CodecID{Codec: 0x7F}, true)) // unknown codec id
}

func TestEndpointConfByName(t *testing.T) {
	conf, ok := EndpointConfByName("sbc")
	require.True(t, ok)
	assert.Equal(t, CodecID{Codec: CodecSBC}, conf.ID)
	assert.True(t, conf.Available)

	_, ok = EndpointConfByName("nonexistent")
	assert.False(t, ok)
}

func TestSelectBestPrefersOnlyAvailableCodec(t *testing.T) {
	// Even though aptX is listed ahead of SBC in priority order, it is
	// not Available in this build, so SBC wins whenever both are offered.
	conf, ok := SelectBest([]CodecID{CodecAptX, {Codec: CodecSBC}})
	require.True(t, ok)
	assert.Equal(t, "sbc", conf.Name)
}

func TestSelectBestNoMatch(t *testing.T) {
	_, ok := SelectBest([]CodecID{CodecLDAC})
	assert.False(t, ok)
}

func TestCodecsEqualVendorFieldsMatter(t *testing.T) {
	assert.True(t, codecsEqual(CodecAptX, CodecAptX))
	assert.False(t, codecsEqual(CodecAptX, CodecAptXHD))
	assert.False(t, codecsEqual(CodecAptX, CodecID{Codec: CodecVendor, VendorID: CodecAptX.VendorID, VendorCodec: 0x9999}))
}

func TestCodecsEqualIgnoresVendorFieldsForPlainCodecs(t *testing.T) {
	// Stray vendor bytes in a non-vendor capability blob must not defeat
	// the match; only the vendor-extension sentinel consults them.
	assert.True(t, codecsEqual(CodecID{Codec: CodecSBC}, CodecID{Codec: CodecSBC, VendorID: 42}))
	assert.False(t, codecsEqual(CodecID{Codec: CodecSBC}, CodecID{Codec: CodecMPEG24AAC}))
}

func TestEndpointConfsPriorityOrder(t *testing.T) {
	confs := EndpointConfs()
	require.Len(t, confs, 5)
	assert.Equal(t, "ldac", confs[0].Name)
	assert.Equal(t, "sbc", confs[len(confs)-1].Name)
}
