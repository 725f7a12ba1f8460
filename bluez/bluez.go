// Package bluez implements the BlueZ D-Bus surface:
// adapter/device discovery over org.bluez's ObjectManager, and the A2DP
// MediaEndpoint1 lifecycle a sink/source profile registers to negotiate a
// codec configuration with a remote device. Built on
// github.com/godbus/dbus/v5.
package bluez

import (
	"errors"
	"fmt"
)

const (
	Service                 = "org.bluez"
	AdapterInterface        = Service + ".Adapter1"
	DeviceInterface         = Service + ".Device1"
	MediaInterface          = Service + ".Media1"
	MediaEndpointInterface  = Service + ".MediaEndpoint1"
	MediaTransportInterface = Service + ".MediaTransport1"

	objectManagerInterface = "org.freedesktop.DBus.ObjectManager"
	propertiesInterface    = "org.freedesktop.DBus.Properties"
)

// UUIDs for the profiles this package cares about.
const (
	UUIDA2DPSource = "0000110a-0000-1000-8000-00805f9b34fb"
	UUIDA2DPSink   = "0000110b-0000-1000-8000-00805f9b34fb"
	UUIDHSPHS      = "00001108-0000-1000-8000-00805f9b34fb"
	UUIDHSPHSAlt   = "00001131-0000-1000-8000-00805f9b34fb"
	UUIDHSPAG      = "00001112-0000-1000-8000-00805f9b34fb"
	UUIDHFPHF      = "0000111e-0000-1000-8000-00805f9b34fb"
	UUIDHFPAG      = "0000111f-0000-1000-8000-00805f9b34fb"
)

// Profile names one audio role a device can be connected under.
type Profile int

const (
	ProfileA2DPSink Profile = iota
	ProfileA2DPSource
	ProfileHSPHS
	ProfileHSPAG
	ProfileHFPHF
	ProfileHFPAG
	ProfileOff
)

func (p Profile) String() string {
	switch p {
	case ProfileA2DPSink:
		return "a2dp_sink"
	case ProfileA2DPSource:
		return "a2dp_source"
	case ProfileHSPHS:
		return "hsp_hs"
	case ProfileHSPAG:
		return "hsp_ag"
	case ProfileHFPHF:
		return "hfp_hf"
	case ProfileHFPAG:
		return "hfp_ag"
	default:
		return "off"
	}
}

// TransportState is the lifecycle of one established flow.
type TransportState int

const (
	TransportDisconnected TransportState = iota
	TransportIdle
	TransportPlaying
)

// ErrorKind classifies bluez package failures the way pulse.ErrorKind
// classifies native-protocol ones.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrDBus
	ErrNotAvailable
	ErrNotSupported
	ErrInvalidArguments
	ErrNoDevice
)

func (k ErrorKind) String() string {
	switch k {
	case ErrDBus:
		return "DBUS"
	case ErrNotAvailable:
		return "NOT_AVAILABLE"
	case ErrNotSupported:
		return "NOT_SUPPORTED"
	case ErrInvalidArguments:
		return "INVALID_ARGUMENTS"
	case ErrNoDevice:
		return "NO_DEVICE"
	default:
		return "UNKNOWN"
	}
}

// Error is the package's uniform error type.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bluez: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("bluez: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ErrUnknown
}
