package contracts

import (
	"errors"
	"io"
	"time"
)

// ErrUnsupported is returned by adapters for operations the platform cannot perform.
var ErrUnsupported = errors.New("operation not supported by backend")

// ErrUnknownEndpoint is returned when an endpoint ID does not resolve to a live endpoint.
var ErrUnknownEndpoint = errors.New("unknown endpoint")

// Backend names the MIDI transport technology in use.
type Backend int

const (
	BackendALSA Backend = iota
	BackendAndroid
	BackendCoreMIDI
	BackendWinMM
	BackendWinRT
	BackendWMS
	BackendSerial
)

func (b Backend) String() string {
	switch b {
	case BackendALSA:
		return "ALSA"
	case BackendAndroid:
		return "Android"
	case BackendCoreMIDI:
		return "CoreMIDI"
	case BackendWinMM:
		return "WinMM"
	case BackendWinRT:
		return "Legacy WinRT"
	case BackendWMS:
		return "Windows MIDI Services"
	case BackendSerial:
		return "Serial"
	}
	return "unknown"
}

// Capabilities is the set of optional operations an adapter can perform right now.
// Adapters compute it on every call, so callers must not cache it.
type Capabilities struct {
	VirtualEndpoints   bool // CreateVirtualEndpoint is available.
	LegacyVirtualPorts bool // CreateLegacyVirtualPort is available.
}

// InputSink receives data from a native input connection. Adapters call it from
// their own goroutines; implementations must not block for long.
type InputSink interface {
	// PushUMP delivers whole UMP packets encoded with the given protocol.
	PushUMP(words []uint32, protocol PacketProtocol, at time.Time)
	// PushBytes delivers MIDI 1.0 byte stream data for a group. The data may be
	// a fragment and may rely on running status.
	PushBytes(group uint8, data []byte, at time.Time)
}

// WireFormat describes what a native output expects.
type WireFormat struct {
	Transport Transport
	Protocol  PacketProtocol // Meaningful only for TransportUMP.
}

// NativeOutput is an open native output connection.
type NativeOutput interface {
	io.Closer
	Format() WireFormat
	// SendUMP writes whole packets. Only valid for TransportUMP. The slice is
	// reused after the call returns.
	SendUMP(words []uint32) error
	// SendBytes writes one complete MIDI 1.0 message. Only valid for TransportBytestream.
	SendBytes(group uint8, msg []byte) error
}

// VirtualEndpointConfig describes a virtual UMP endpoint to publish.
type VirtualEndpointConfig struct {
	ID                EndpointID
	Name              string
	Device            DeviceInfo
	ProductInstanceID string
	Protocol          PacketProtocol
	Blocks            []Block
	Static            BlocksAreStatic
}

// NativeVirtualEndpoint is a published virtual UMP endpoint.
type NativeVirtualEndpoint interface {
	io.Closer
	ID() EndpointID
	SetBlock(index int, b Block) error
}

// NativeVirtualPort is a published MIDI 1.0 virtual port.
type NativeVirtualPort interface {
	io.Closer
	ID() EndpointID
}

// Adapter is the capability set every platform backend implements. Operations
// a platform cannot perform return ErrUnsupported instead of panicking.
type Adapter interface {
	Backend() Backend
	Capabilities() Capabilities

	Endpoints() []EndpointID
	Endpoint(id EndpointID) (Endpoint, bool)
	StaticDeviceInfo(id EndpointID) (StaticDeviceInfo, bool)

	OpenInput(id EndpointID, sink InputSink) (io.Closer, error)
	OpenOutput(id EndpointID) (NativeOutput, error)

	CreateVirtualEndpoint(cfg VirtualEndpointConfig) (NativeVirtualEndpoint, error)
	// CreateLegacyVirtualPort publishes a port that other applications see as a
	// destination (DirectionInput: the client receives what they send) or as a
	// source (DirectionOutput).
	CreateLegacyVirtualPort(id EndpointID, name string, dir Direction) (NativeVirtualPort, error)

	// IsVirtualServiceActive returns a constant on platforms without a service gate.
	IsVirtualServiceActive(t Transport) bool
	// SetVirtualServiceActive requests activation and returns immediately.
	// Completion is reported through Notifier.VirtualServiceActiveChanged.
	SetVirtualServiceActive(t Transport, active bool)

	Close() error
}

// Notifier is implemented by the registry and handed to adapters at construction.
type Notifier interface {
	EndpointsChanged()
	VirtualServiceActiveChanged()
}

// AdapterFactory builds an adapter. It returns an error if the backend is unavailable.
type AdapterFactory func(opts *Options, n Notifier) (Adapter, error)
