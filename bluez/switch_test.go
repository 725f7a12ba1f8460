package bluez

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend() *Backend {
	return &Backend{
		adapters:            make(map[dbus.ObjectPath]*Adapter),
		devices:             make(map[dbus.ObjectPath]*Device),
		remoteEndpoints:     make(map[string]map[CodecID]map[dbus.ObjectPath]*RemoteEndpoint),
		remoteEndpointOwner: make(map[dbus.ObjectPath]remoteEndpointKey),
		switching:           make(map[dbus.ObjectPath]bool),
	}
}

func TestSwitchCodecUnknownName(t *testing.T) {
	b := newTestBackend()
	dev := &Device{Path: "/dev/test"}
	err := b.SwitchCodec(dev, UUIDA2DPSink, "not-a-codec", nil, nil)
	require.Error(t, err)
	assert.Equal(t, ErrNotSupported, KindOf(err))
}

func TestSwitchCodecUnavailableCodec(t *testing.T) {
	b := newTestBackend()
	dev := &Device{Path: "/dev/test"}
	err := b.SwitchCodec(dev, UUIDA2DPSink, "aptx", nil, nil)
	require.Error(t, err)
	assert.Equal(t, ErrNotAvailable, KindOf(err))
}

func TestSwitchCodecNoRemoteEndpoint(t *testing.T) {
	b := newTestBackend()
	dev := &Device{Path: "/dev/test"}
	err := b.SwitchCodec(dev, UUIDA2DPSink, "sbc", nil, nil)
	require.Error(t, err)
	assert.Equal(t, ErrNoDevice, KindOf(err))
	assert.False(t, b.switching[dev.Path], "failed lookup must not leave the device marked as switching")
}

func TestSwitchCodecRefusesConcurrentSwitch(t *testing.T) {
	b := newTestBackend()
	dev := &Device{Path: "/dev/test"}
	b.switching[dev.Path] = true

	err := b.SwitchCodec(dev, UUIDA2DPSink, "sbc", nil, nil)
	require.Error(t, err)
	assert.Equal(t, ErrNotSupported, KindOf(err))
}

func TestApplyRemoteEndpointLockedReplacesAtomically(t *testing.T) {
	b := newTestBackend()
	path := dbus.ObjectPath("/org/bluez/hci0/dev_XX/sep1")

	b.mu.Lock()
	b.applyRemoteEndpointLocked(path, map[string]dbus.Variant{
		"UUID":         dbus.MakeVariant(UUIDA2DPSink),
		"Codec":        dbus.MakeVariant(uint8(CodecSBC)),
		"Capabilities": dbus.MakeVariant([]byte{0x3f, 0xff, 2, 250}),
		"Device":       dbus.MakeVariant(dbus.ObjectPath("/dev/test")),
		"State":        dbus.MakeVariant("idle"),
	})
	b.mu.Unlock()

	eps := b.RemoteEndpointsFor("/dev/test", UUIDA2DPSink)
	require.Len(t, eps, 1)
	assert.Equal(t, []byte{0x3f, 0xff, 2, 250}, eps[0].Capabilities)

	// Re-announcement at the same path with a different capability blob
	// must replace, not accumulate.
	b.mu.Lock()
	b.applyRemoteEndpointLocked(path, map[string]dbus.Variant{
		"UUID":         dbus.MakeVariant(UUIDA2DPSink),
		"Codec":        dbus.MakeVariant(uint8(CodecSBC)),
		"Capabilities": dbus.MakeVariant([]byte{0x1f, 0xff, 2, 53}),
		"Device":       dbus.MakeVariant(dbus.ObjectPath("/dev/test")),
		"State":        dbus.MakeVariant("idle"),
	})
	b.mu.Unlock()

	eps = b.RemoteEndpointsFor("/dev/test", UUIDA2DPSink)
	require.Len(t, eps, 1)
	assert.Equal(t, []byte{0x1f, 0xff, 2, 53}, eps[0].Capabilities)
}

func TestFillPreferredConfigurationCopiesCapabilities(t *testing.T) {
	caps := []byte{1, 2, 3}
	out := fillPreferredConfiguration(caps)
	require.Equal(t, caps, out)
	out[0] = 9
	assert.Equal(t, byte(1), caps[0], "must not alias the caller's slice")
}
