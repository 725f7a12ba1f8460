package bluez

import (
	"sync"

	"github.com/charmbracelet/log"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// Transport is one established audio flow: the MediaTransport1 object
// BlueZ hands back from a successful SetConfiguration, kept to drive
// Acquire/Release and volume sync from the pulse-side stream.
type Transport struct {
	Path    dbus.ObjectPath
	Device  dbus.ObjectPath
	Profile Profile
	Codec   CodecID
	Config  []byte
	State   TransportState
}

// Endpoint implements org.bluez.MediaEndpoint1:
// SetConfiguration/SelectConfiguration/ClearConfiguration/Release,
// exported on the bus so BlueZ's Media1 service can call back into it
// during A2DP negotiation.
type Endpoint struct {
	path    dbus.ObjectPath
	uuid    string
	codec   CodecID
	profile Profile
	caps    []byte

	conn *dbus.Conn
	log  *log.Logger

	mu           sync.Mutex
	transports   map[dbus.ObjectPath]*Transport
	onConfigured func(*Transport)
	onCleared    func(dbus.ObjectPath)
}

// NewEndpoint builds an endpoint for profile/codec and exports it at
// path on conn. caps is the codec capability blob advertised to
// RegisterEndpoint (the SBC default config octets for CodecSBC, etc).
func NewEndpoint(conn *dbus.Conn, logger *log.Logger, path dbus.ObjectPath, uuid string, profile Profile, codec CodecID, caps []byte) (*Endpoint, error) {
	if logger == nil {
		logger = log.Default()
	}
	e := &Endpoint{
		path:       path,
		uuid:       uuid,
		codec:      codec,
		profile:    profile,
		caps:       caps,
		conn:       conn,
		log:        logger,
		transports: make(map[dbus.ObjectPath]*Transport),
	}
	if err := conn.Export(e, path, MediaEndpointInterface); err != nil {
		return nil, newError("new-endpoint", ErrDBus, err)
	}
	node := &introspect.Node{
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: MediaEndpointInterface,
				Methods: []introspect.Method{
					{Name: "SetConfiguration", Args: []introspect.Arg{
						{Name: "transport", Type: "o", Direction: "in"},
						{Name: "properties", Type: "a{sv}", Direction: "in"},
					}},
					{Name: "SelectConfiguration", Args: []introspect.Arg{
						{Name: "capabilities", Type: "ay", Direction: "in"},
						{Name: "configuration", Type: "ay", Direction: "out"},
					}},
					{Name: "ClearConfiguration", Args: []introspect.Arg{
						{Name: "transport", Type: "o", Direction: "in"},
					}},
					{Name: "Release"},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, newError("new-endpoint", ErrDBus, err)
	}
	return e, nil
}

// SetConfiguredCallback registers fn to run once BlueZ confirms a
// transport configuration.
func (e *Endpoint) SetConfiguredCallback(fn func(*Transport)) {
	e.mu.Lock()
	e.onConfigured = fn
	e.mu.Unlock()
}

// SetClearedCallback registers fn to run when ClearConfiguration or
// Release tears a transport down.
func (e *Endpoint) SetClearedCallback(fn func(dbus.ObjectPath)) {
	e.mu.Lock()
	e.onCleared = fn
	e.mu.Unlock()
}

// SetConfiguration is the MediaEndpoint1 method BlueZ calls once a
// remote device has accepted a codec configuration. It has no return
// value over D-Bus; an error here simply logs and the method returns
// with no reply body.
func (e *Endpoint) SetConfiguration(transport dbus.ObjectPath, properties map[string]dbus.Variant) *dbus.Error {
	cfg, _ := properties["Configuration"].Value().([]byte)
	devPath, _ := properties["Device"].Value().(dbus.ObjectPath)

	t := &Transport{
		Path:    transport,
		Device:  devPath,
		Profile: e.profile,
		Codec:   e.codec,
		Config:  cfg,
		State:   TransportIdle,
	}
	e.mu.Lock()
	e.transports[transport] = t
	cb := e.onConfigured
	e.mu.Unlock()

	e.log.Info("a2dp transport configured", "transport", transport, "profile", e.profile, "device", devPath)
	if cb != nil {
		cb(t)
	}
	return nil
}

// SelectConfiguration picks a configuration blob from the capabilities
// BlueZ offers. The only Available codec in this build is SBC, so it
// echoes back the offered capabilities unchanged whenever the codec
// byte matches: for SBC the offer is already one concrete
// bitpool/frequency/channel-mode choice.
func (e *Endpoint) SelectConfiguration(capabilities []byte) ([]byte, *dbus.Error) {
	if len(capabilities) == 0 || capabilities[0] != e.codec.Codec {
		return nil, dbus.NewError(Service+".Error.InvalidArguments", []interface{}{"capabilities do not match endpoint codec"})
	}
	return capabilities, nil
}

// ClearConfiguration drops the bookkeeping for transport, which BlueZ
// is about to unregister.
func (e *Endpoint) ClearConfiguration(transport dbus.ObjectPath) *dbus.Error {
	e.mu.Lock()
	delete(e.transports, transport)
	cb := e.onCleared
	e.mu.Unlock()

	e.log.Info("a2dp transport cleared", "transport", transport)
	if cb != nil {
		cb(transport)
	}
	return nil
}

// Release is called by BlueZ when bluetoothd itself is shutting the
// endpoint down (not a per-transport event); every live transport for
// this endpoint is considered gone.
func (e *Endpoint) Release() *dbus.Error {
	e.mu.Lock()
	paths := make([]dbus.ObjectPath, 0, len(e.transports))
	for p := range e.transports {
		paths = append(paths, p)
	}
	e.transports = make(map[dbus.ObjectPath]*Transport)
	cb := e.onCleared
	e.mu.Unlock()

	e.log.Warn("media endpoint released by bluetoothd", "path", e.path)
	if cb != nil {
		for _, p := range paths {
			cb(p)
		}
	}
	return nil
}

// Register calls org.bluez.Media1.RegisterEndpoint on adapter with
// this endpoint's UUID/codec/capabilities.
func (e *Endpoint) Register(adapter dbus.ObjectPath) error {
	props := map[string]interface{}{
		"UUID":         e.uuid,
		"Codec":        e.codec.Codec,
		"Capabilities": e.caps,
	}
	obj := e.conn.Object(Service, adapter)
	call := obj.Call(MediaInterface+".RegisterEndpoint", 0, e.path, props)
	if call.Err != nil {
		return newError("register-endpoint", ErrDBus, call.Err)
	}
	return nil
}

// Unregister calls org.bluez.Media1.UnregisterEndpoint on adapter.
func (e *Endpoint) Unregister(adapter dbus.ObjectPath) error {
	obj := e.conn.Object(Service, adapter)
	call := obj.Call(MediaInterface+".UnregisterEndpoint", 0, e.path)
	if call.Err != nil {
		return newError("unregister-endpoint", ErrDBus, call.Err)
	}
	return nil
}

// Transports returns a snapshot of every transport this endpoint has
// been configured for.
func (e *Endpoint) Transports() []*Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Transport, 0, len(e.transports))
	for _, t := range e.transports {
		out = append(out, t)
	}
	return out
}
