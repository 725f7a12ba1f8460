package bluez

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// SwitchCodec implements a client-initiated codec switch: pick the
// remote endpoint for codecName, fill the preferred configuration, send
// SetConfiguration to the peer, and report success/failure via the
// callback. Concurrent switches on the same device are refused.
//
// localEndpoint is this process's own exported Endpoint for the uuid/
// profile the switch targets; its codec and path identify which local
// transport slot the new configuration will occupy. done is invoked
// exactly once, on the mainloop-adjacent goroutine the dbus call
// completes on, never synchronously before SwitchCodec returns.
func (b *Backend) SwitchCodec(device *Device, uuid string, codecName string, localEndpoint *Endpoint, done func(*Transport, error)) error {
	conf, ok := EndpointConfByName(codecName)
	if !ok {
		return newError("switch-codec", ErrNotSupported, fmt.Errorf("unknown codec %q", codecName))
	}
	if !conf.Available {
		return newError("switch-codec", ErrNotAvailable, fmt.Errorf("codec %q not available in this build", codecName))
	}

	b.mu.Lock()
	if b.switching[device.Path] {
		b.mu.Unlock()
		return newError("switch-codec", ErrNotSupported, fmt.Errorf("codec switch already in progress for %s", device.Path))
	}
	b.switching[device.Path] = true
	b.mu.Unlock()

	remotes := b.RemoteEndpointsFor(device.Path, uuid)
	var target *RemoteEndpoint
	for _, r := range remotes {
		if codecsEqual(r.Codec, conf.ID) {
			target = r
			break
		}
	}
	if target == nil {
		b.mu.Lock()
		delete(b.switching, device.Path)
		b.mu.Unlock()
		return newError("switch-codec", ErrNoDevice, fmt.Errorf("device %s has no remote endpoint for codec %q", device.Path, codecName))
	}

	go b.runSwitch(device, target, localEndpoint, done)
	return nil
}

// runSwitch performs the blocking dbus round-trip off the caller's
// goroutine: fill the preferred configuration from the peer's
// capability blob, then call SetConfiguration on the remote endpoint so
// bluetoothd renegotiates the A2DP stream at the new codec.
func (b *Backend) runSwitch(device *Device, target *RemoteEndpoint, localEndpoint *Endpoint, done func(*Transport, error)) {
	defer func() {
		b.mu.Lock()
		delete(b.switching, device.Path)
		b.mu.Unlock()
	}()

	config := fillPreferredConfiguration(target.Capabilities)
	obj := b.conn.Object(Service, target.Path)
	props := map[string]interface{}{
		"Device":        device.Path,
		"UUID":          target.UUID,
		"Configuration": config,
	}
	call := obj.Call(MediaEndpointInterface+".SetConfiguration", 0, localEndpoint.path, props)
	if call.Err != nil {
		// An error reply for a device that has meanwhile vanished from
		// the object cache is tolerated rather than surfaced; the switch
		// simply reports no transport.
		if _, stillThere := b.deviceStillPresent(device.Path); !stillThere {
			if done != nil {
				done(nil, nil)
			}
			return
		}
		if done != nil {
			done(nil, newError("switch-codec", ErrDBus, call.Err))
		}
		return
	}

	t := &Transport{
		Path:    target.Path,
		Device:  device.Path,
		Profile: localEndpoint.profile,
		Codec:   target.Codec,
		Config:  config,
		State:   TransportIdle,
	}
	if done != nil {
		done(t, nil)
	}
}

func (b *Backend) deviceStillPresent(path dbus.ObjectPath) (*Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[path]
	return d, ok
}

// fillPreferredConfiguration narrows a peer's offered capability blob
// to one concrete configuration. For the one codec this build actually
// wires (SBC), the offer already names a single concrete configuration
// (bitpool/frequency/channel-mode), so the preferred configuration is
// the capabilities blob unchanged. A vendor codec would need to pick
// concrete parameters out of a range here; none are Available in this
// build (see codec.go), so there is nothing to narrow.
func fillPreferredConfiguration(capabilities []byte) []byte {
	out := make([]byte, len(capabilities))
	copy(out, capabilities)
	return out
}
