package bluez

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/godbus/dbus/v5"
)

// Adapter mirrors the subset of org.bluez.Adapter1 this package tracks.
type Adapter struct {
	Path    dbus.ObjectPath
	Address string
}

// Device mirrors the subset of org.bluez.Device1 needed to drive codec
// negotiation and stream routing.
type Device struct {
	Path      dbus.ObjectPath
	Adapter   dbus.ObjectPath
	Address   string
	Alias     string
	UUIDs     []string
	Connected bool
}

// HasUUID reports whether the device advertises uuid (case-insensitively,
// matching BlueZ's own lowercase-hex convention).
func (d *Device) HasUUID(uuid string) bool {
	for _, u := range d.UUIDs {
		if strings.EqualFold(u, uuid) {
			return true
		}
	}
	return false
}

// RemoteEndpoint mirrors a MediaEndpoint1 object bluetoothd exposes on
// behalf of a peer device's advertised SEP. Distinct from
// the Endpoint type in endpoint.go, which is the *local* side we export.
type RemoteEndpoint struct {
	Path         dbus.ObjectPath
	Device       dbus.ObjectPath
	UUID         string
	Codec        CodecID
	Capabilities []byte
	State        string // "idle" | "pending" | "active"
}

// Backend owns the system-bus connection and the live adapter/device
// registry, refreshed from GetManagedObjects and kept current via the
// ObjectManager's InterfacesAdded/InterfacesRemoved signals.
type Backend struct {
	conn *dbus.Conn
	log  *log.Logger

	mu       sync.Mutex
	adapters map[dbus.ObjectPath]*Adapter
	devices  map[dbus.ObjectPath]*Device

	// remoteEndpoints indexes every peer-owned MediaEndpoint1 object this
	// process has observed, keyed uuid -> codec -> endpoint path -> blob
	//.
	remoteEndpoints map[string]map[CodecID]map[dbus.ObjectPath]*RemoteEndpoint
	// remoteEndpointOwner lets InterfacesRemoved find which uuid/codec
	// bucket to delete an endpoint path from without a reverse scan.
	remoteEndpointOwner map[dbus.ObjectPath]remoteEndpointKey

	// switching tracks devices with a codec switch currently in flight
	//.
	switching map[dbus.ObjectPath]bool

	onDeviceAdded   func(*Device)
	onDeviceRemoved func(dbus.ObjectPath)

	sigCh chan *dbus.Signal
	done  chan struct{}
}

type remoteEndpointKey struct {
	uuid  string
	codec CodecID
}

// NewBackend dials the system bus and does an initial
// GetManagedObjects sweep.
func NewBackend(logger *log.Logger) (*Backend, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, newError("new-backend", ErrDBus, err)
	}
	if logger == nil {
		logger = log.Default()
	}
	b := &Backend{
		conn:                conn,
		log:                 logger,
		adapters:            make(map[dbus.ObjectPath]*Adapter),
		devices:             make(map[dbus.ObjectPath]*Device),
		remoteEndpoints:     make(map[string]map[CodecID]map[dbus.ObjectPath]*RemoteEndpoint),
		remoteEndpointOwner: make(map[dbus.ObjectPath]remoteEndpointKey),
		switching:           make(map[dbus.ObjectPath]bool),
		sigCh:               make(chan *dbus.Signal, 16),
		done:                make(chan struct{}),
	}
	if err := b.subscribe(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := b.refresh(); err != nil {
		conn.Close()
		return nil, err
	}
	go b.watchLoop()
	return b, nil
}

func (b *Backend) subscribe() error {
	rules := []dbus.MatchOption{
		dbus.WithMatchInterface(objectManagerInterface),
	}
	if err := b.conn.AddMatchSignal(append(rules, dbus.WithMatchMember("InterfacesAdded"))...); err != nil {
		return newError("subscribe", ErrDBus, err)
	}
	if err := b.conn.AddMatchSignal(append(rules, dbus.WithMatchMember("InterfacesRemoved"))...); err != nil {
		return newError("subscribe", ErrDBus, err)
	}
	b.conn.Signal(b.sigCh)
	return nil
}

// refresh performs GetManagedObjects against the root path and
// populates the adapter/device registry from the result.
func (b *Backend) refresh() error {
	obj := b.conn.Object(Service, dbus.ObjectPath("/"))
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := obj.Call(objectManagerInterface+".GetManagedObjects", 0).Store(&managed); err != nil {
		return newError("refresh", ErrDBus, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for path, ifaces := range managed {
		b.applyInterfacesLocked(path, ifaces)
	}
	return nil
}

func (b *Backend) applyInterfacesLocked(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
	if props, ok := ifaces[AdapterInterface]; ok {
		a := &Adapter{Path: path}
		if v, ok := props["Address"]; ok {
			a.Address, _ = v.Value().(string)
		}
		b.adapters[path] = a
	}
	if props, ok := ifaces[DeviceInterface]; ok {
		d := deviceFromProps(path, props)
		b.devices[path] = d
	}
	if props, ok := ifaces[MediaEndpointInterface]; ok {
		b.applyRemoteEndpointLocked(path, props)
	}
}

// applyRemoteEndpointLocked indexes a peer-owned MediaEndpoint1 object by
// (uuid, codec, path), replacing any prior blob at that path atomically
//. Locally-exported endpoints
// (registered via NewEndpoint/Register) never appear here because they
// are never returned by GetManagedObjects on our own exported paths —
// GetManagedObjects only reflects objects owned by bluetoothd itself.
func (b *Backend) applyRemoteEndpointLocked(path dbus.ObjectPath, props map[string]dbus.Variant) {
	uuid, _ := props["UUID"].Value().(string)
	codecByte, _ := props["Codec"].Value().(uint8)
	caps, _ := props["Capabilities"].Value().([]byte)
	devPath, _ := props["Device"].Value().(dbus.ObjectPath)
	state, _ := props["State"].Value().(string)
	if uuid == "" {
		return
	}
	id := CodecID{Codec: codecByte}
	if codecByte == CodecVendor && len(caps) >= 6 {
		id.VendorID = uint32(caps[0]) | uint32(caps[1])<<8 | uint32(caps[2])<<16 | uint32(caps[3])<<24
		id.VendorCodec = uint16(caps[4]) | uint16(caps[5])<<8
	}

	if old, ok := b.remoteEndpointOwner[path]; ok {
		if m := b.remoteEndpoints[old.uuid]; m != nil {
			if epm := m[old.codec]; epm != nil {
				delete(epm, path)
			}
		}
	}

	if b.remoteEndpoints[uuid] == nil {
		b.remoteEndpoints[uuid] = make(map[CodecID]map[dbus.ObjectPath]*RemoteEndpoint)
	}
	if b.remoteEndpoints[uuid][id] == nil {
		b.remoteEndpoints[uuid][id] = make(map[dbus.ObjectPath]*RemoteEndpoint)
	}
	b.remoteEndpoints[uuid][id][path] = &RemoteEndpoint{
		Path: path, Device: devPath, UUID: uuid, Codec: id, Capabilities: caps, State: state,
	}
	b.remoteEndpointOwner[path] = remoteEndpointKey{uuid: uuid, codec: id}
}

// RemoteEndpointsFor returns every remote endpoint a peer device has
// advertised for uuid, across all codec ids, as a flat slice.
func (b *Backend) RemoteEndpointsFor(device dbus.ObjectPath, uuid string) []*RemoteEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*RemoteEndpoint
	for _, byPath := range b.remoteEndpoints[uuid] {
		for _, ep := range byPath {
			if ep.Device == device {
				out = append(out, ep)
			}
		}
	}
	return out
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) *Device {
	d := &Device{Path: path}
	if v, ok := props["Adapter"]; ok {
		d.Adapter, _ = v.Value().(dbus.ObjectPath)
	}
	if v, ok := props["Address"]; ok {
		d.Address, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		d.Alias, _ = v.Value().(string)
	}
	if v, ok := props["Connected"]; ok {
		d.Connected, _ = v.Value().(bool)
	}
	if v, ok := props["UUIDs"]; ok {
		if uuids, ok := v.Value().([]string); ok {
			d.UUIDs = uuids
		}
	}
	return d
}

// watchLoop applies InterfacesAdded/InterfacesRemoved signals to the
// registry and invokes device callbacks.
func (b *Backend) watchLoop() {
	for {
		select {
		case <-b.done:
			return
		case sig, ok := <-b.sigCh:
			if !ok {
				return
			}
			b.handleSignal(sig)
		}
	}
}

func (b *Backend) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case objectManagerInterface + ".InterfacesAdded":
		if len(sig.Body) != 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if ifaces == nil {
			return
		}
		b.mu.Lock()
		b.applyInterfacesLocked(path, ifaces)
		d, isDevice := b.devices[path]
		b.mu.Unlock()
		if isDevice && b.onDeviceAdded != nil {
			b.onDeviceAdded(d)
		}
	case objectManagerInterface + ".InterfacesRemoved":
		if len(sig.Body) != 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		removed, _ := sig.Body[1].([]string)
		b.mu.Lock()
		wasDevice := false
		for _, iface := range removed {
			if iface == DeviceInterface {
				delete(b.devices, path)
				wasDevice = true
			}
			if iface == AdapterInterface {
				delete(b.adapters, path)
			}
			if iface == MediaEndpointInterface {
				if old, ok := b.remoteEndpointOwner[path]; ok {
					if m := b.remoteEndpoints[old.uuid]; m != nil {
						if epm := m[old.codec]; epm != nil {
							delete(epm, path)
						}
					}
					delete(b.remoteEndpointOwner, path)
				}
			}
		}
		b.mu.Unlock()
		if wasDevice && b.onDeviceRemoved != nil {
			b.onDeviceRemoved(path)
		}
	}
}

// SetDeviceAddedCallback registers fn to run whenever a new Device1
// object appears on the bus.
func (b *Backend) SetDeviceAddedCallback(fn func(*Device)) {
	b.mu.Lock()
	b.onDeviceAdded = fn
	b.mu.Unlock()
}

// SetDeviceRemovedCallback registers fn to run whenever a Device1 object
// is unlinked.
func (b *Backend) SetDeviceRemovedCallback(fn func(dbus.ObjectPath)) {
	b.mu.Lock()
	b.onDeviceRemoved = fn
	b.mu.Unlock()
}

// Adapters returns a snapshot of every adapter currently known.
func (b *Backend) Adapters() []*Adapter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Adapter, 0, len(b.adapters))
	for _, a := range b.adapters {
		out = append(out, a)
	}
	return out
}

// Devices returns a snapshot of every device paired/bonded on any
// adapter.
func (b *Backend) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Device, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	return out
}

// DeviceByAddress looks up a device by its Bluetooth address on the
// given adapter path.
func (b *Backend) DeviceByAddress(adapter dbus.ObjectPath, address string) (*Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.devices {
		if d.Adapter == adapter && strings.EqualFold(d.Address, address) {
			return d, nil
		}
	}
	return nil, newError("device-by-address", ErrNoDevice, fmt.Errorf("bluez: no device %s on %s", address, adapter))
}

// Conn exposes the underlying connection so endpoint registration can
// export objects and call Media1 methods on it.
func (b *Backend) Conn() *dbus.Conn { return b.conn }

// Close stops the watch loop and drops the bus connection.
func (b *Backend) Close() error {
	close(b.done)
	return b.conn.Close()
}
