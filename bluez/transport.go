package bluez

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// AcquireTransport calls org.bluez.MediaTransport1.Acquire on t's
// object, returning the stream fd and the read/write MTUs bluetoothd
// negotiated. On success the transport moves to Playing.
func (b *Backend) AcquireTransport(t *Transport) (fd dbus.UnixFD, readMTU, writeMTU uint16, err error) {
	obj := b.conn.Object(Service, t.Path)
	if err := obj.Call(MediaTransportInterface+".Acquire", 0).Store(&fd, &readMTU, &writeMTU); err != nil {
		return 0, 0, 0, newError("transport-acquire", ErrDBus, err)
	}
	t.State = TransportPlaying
	return fd, readMTU, writeMTU, nil
}

// TryAcquireTransport is the non-starting variant: bluetoothd only hands
// back an fd if the transport is already streaming (TryAcquire).
func (b *Backend) TryAcquireTransport(t *Transport) (fd dbus.UnixFD, readMTU, writeMTU uint16, err error) {
	obj := b.conn.Object(Service, t.Path)
	if err := obj.Call(MediaTransportInterface+".TryAcquire", 0).Store(&fd, &readMTU, &writeMTU); err != nil {
		return 0, 0, 0, newError("transport-try-acquire", ErrDBus, err)
	}
	t.State = TransportPlaying
	return fd, readMTU, writeMTU, nil
}

// ReleaseTransport hands the stream fd back to bluetoothd; the
// transport returns to Idle.
func (b *Backend) ReleaseTransport(t *Transport) error {
	obj := b.conn.Object(Service, t.Path)
	if err := obj.Call(MediaTransportInterface+".Release", 0).Err; err != nil {
		return newError("transport-release", ErrDBus, err)
	}
	t.State = TransportIdle
	return nil
}

// TransportStateOf reads the live State property off a MediaTransport1
// object, mapping BlueZ's "idle"|"pending"|"active" strings onto
// TransportState.
func (b *Backend) TransportStateOf(path dbus.ObjectPath) (TransportState, error) {
	obj := b.conn.Object(Service, path)
	var v dbus.Variant
	if err := obj.Call(propertiesInterface+".Get", 0, MediaTransportInterface, "State").Store(&v); err != nil {
		return TransportDisconnected, newError("transport-state", ErrDBus, err)
	}
	s, _ := v.Value().(string)
	switch s {
	case "idle", "pending":
		return TransportIdle, nil
	case "active":
		return TransportPlaying, nil
	default:
		return TransportDisconnected, newError("transport-state", ErrDBus, fmt.Errorf("bluez: unknown transport state %q", s))
	}
}
