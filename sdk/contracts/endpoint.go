package contracts

// MaxBlocks is the largest number of function blocks a UMP endpoint may declare.
const MaxBlocks = 32

// EndpointID identifies a MIDI endpoint. IDs are minted by a backend during
// enumeration and are never reused while the backend is alive.
type EndpointID string

// String returns the raw identifier.
func (id EndpointID) String() string { return string(id) }

// PacketProtocol is the flavour of UMP carried by an endpoint or requested by a client.
type PacketProtocol int

const (
	// MIDI1 carries MIDI 1.0 channel voice messages inside UMP (message type 0x2).
	MIDI1 PacketProtocol = iota
	// MIDI2 carries MIDI 2.0 channel voice messages (message type 0x4).
	MIDI2
)

func (p PacketProtocol) String() string {
	if p == MIDI2 {
		return "MIDI 2.0"
	}
	return "MIDI 1.0"
}

// Transport describes how an endpoint moves data on the wire.
type Transport int

const (
	// TransportBytestream is a classic MIDI 1.0 byte stream.
	TransportBytestream Transport = iota
	// TransportUMP is a stream of universal MIDI packets.
	TransportUMP
)

func (t Transport) String() string {
	if t == TransportUMP {
		return "UMP"
	}
	return "bytestream"
}

// Direction describes which way data can flow from the client's point of view.
// An input endpoint is one the client can receive from.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionInput
	DirectionOutput
	DirectionBidirectional
)

// CanInput reports whether the client can receive from the endpoint.
func (d Direction) CanInput() bool { return d == DirectionInput || d == DirectionBidirectional }

// CanOutput reports whether the client can send to the endpoint.
func (d Direction) CanOutput() bool { return d == DirectionOutput || d == DirectionBidirectional }

func (d Direction) String() string {
	switch d {
	case DirectionInput:
		return "input"
	case DirectionOutput:
		return "output"
	case DirectionBidirectional:
		return "bidirectional"
	}
	return "none"
}

// BlockDirection is the direction declared by a function block, from the device's point of view.
type BlockDirection int

const (
	BlockDirectionUnknown BlockDirection = iota
	BlockDirectionBidirectional
	BlockDirectionSender
	BlockDirectionReceiver
)

func (d BlockDirection) String() string {
	switch d {
	case BlockDirectionBidirectional:
		return "bidirectional"
	case BlockDirectionSender:
		return "sender"
	case BlockDirectionReceiver:
		return "receiver"
	}
	return "unknown"
}

// BlockUIHint suggests how a block should be presented to users.
type BlockUIHint int

const (
	BlockUIHintUnknown BlockUIHint = iota
	BlockUIHintBidirectional
	BlockUIHintSender
	BlockUIHintReceiver
)

// BlockMIDI1ProxyKind tells whether a block proxies a MIDI 1.0 port, and at which bandwidth.
type BlockMIDI1ProxyKind int

const (
	MIDI1ProxyInapplicable BlockMIDI1ProxyKind = iota
	MIDI1ProxyRestrictedBandwidth
	MIDI1ProxyUnrestrictedBandwidth
)

// Block describes one function block of a UMP endpoint.
type Block struct {
	Name             string
	FirstGroup       uint8
	NumGroups        uint8
	MaxSysex8Streams uint8
	MIDI1Proxy       BlockMIDI1ProxyKind
	UIHint           BlockUIHint
	Direction        BlockDirection
	Enabled          bool
}

func (b Block) WithName(name string) Block { b.Name = name; return b }
func (b Block) WithFirstGroup(g uint8) Block { b.FirstGroup = g; return b }
func (b Block) WithNumGroups(n uint8) Block { b.NumGroups = n; return b }
func (b Block) WithMaxSysex8Streams(n uint8) Block { b.MaxSysex8Streams = n; return b }
func (b Block) WithMIDI1Proxy(k BlockMIDI1ProxyKind) Block { b.MIDI1Proxy = k; return b }
func (b Block) WithUIHint(h BlockUIHint) Block { b.UIHint = h; return b }
func (b Block) WithDirection(d BlockDirection) Block { b.Direction = d; return b }
func (b Block) WithEnabled(enabled bool) Block { b.Enabled = enabled; return b }
func (b Block) IsMIDI1Only() bool { return b.MIDI1Proxy != MIDI1ProxyInapplicable }
func (b Block) ContainsGroup(g uint8) bool {
	return int(g) >= int(b.FirstGroup) && int(g) < int(b.FirstGroup)+int(b.NumGroups)
}

// BlocksAreStatic tells whether a virtual endpoint's block layout may change after creation.
type BlocksAreStatic bool

const (
	BlocksStatic  BlocksAreStatic = true
	BlocksDynamic BlocksAreStatic = false
)

// Endpoint is an immutable snapshot of a live endpoint's metadata.
type Endpoint struct {
	Name              string
	Direction         Direction
	Protocol          PacketProtocol
	ProductInstanceID string
	MIDI1Support      bool
	MIDI2Support      bool
	TransmitJR        bool
	ReceiveJR         bool
	StaticBlocks      bool
	Blocks            []Block
}

// Clone returns a copy that shares no memory with e.
func (e Endpoint) Clone() Endpoint {
	e.Blocks = append([]Block(nil), e.Blocks...)
	return e
}
