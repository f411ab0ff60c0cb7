package ump

import (
	"github.com/leandrodaf/ump/sdk/contracts"
	"go.uber.org/multierr"
)

// InputConverter turns whatever a backend delivers into UMP of one protocol.
// Byte stream data is parsed per group (running status included) and encoded
// as MIDI 1.0 UMP first; channel voice packets are then widened or narrowed to
// the target protocol. Not safe for concurrent use.
type InputConverter struct {
	target   contracts.PacketProtocol
	encoders [16]*BytestreamEncoder
	widen    MIDI1ToMIDI2
}

// NewInputConverter returns a converter producing packets in the target protocol.
func NewInputConverter(target contracts.PacketProtocol) *InputConverter {
	return &InputConverter{target: target}
}

// Target returns the protocol produced by the converter.
func (c *InputConverter) Target() contracts.PacketProtocol { return c.target }

// AppendBytes parses byte stream data received on group and appends the packets to dst.
func (c *InputConverter) AppendBytes(dst []uint32, group uint8, data []byte) []uint32 {
	group &= 0x0f
	enc := c.encoders[group]
	if enc == nil {
		enc = &BytestreamEncoder{Group: group}
		c.encoders[group] = enc
	}

	var midi1 []uint32
	midi1 = enc.Append(midi1, data)
	return c.AppendUMP(dst, midi1)
}

// AppendUMP converts whole packets and appends them to dst. The wire protocol
// is taken from each packet's message type.
func (c *InputConverter) AppendUMP(dst []uint32, words []uint32) []uint32 {
	Split(words, func(p []uint32) {
		switch {
		case c.target == contracts.MIDI2 && TypeOf(p[0]) == TypeMIDI1Voice:
			dst = c.widen.Append(dst, p)
		case c.target == contracts.MIDI1 && TypeOf(p[0]) == TypeMIDI2Voice:
			dst = AppendMIDI2ToMIDI1(dst, p)
		default:
			dst = append(dst, p...)
		}
	})
	return dst
}

// OutputConverter turns client packets into the wire format of a native output.
// Not safe for concurrent use.
type OutputConverter struct {
	format  contracts.WireFormat
	toBytes ToBytestream
	widen   MIDI1ToMIDI2
	scratch []uint32
}

// NewOutputConverter returns a converter for the given wire format.
func NewOutputConverter(format contracts.WireFormat) *OutputConverter {
	return &OutputConverter{format: format}
}

// Send converts words and writes them to out. All write errors are returned combined.
func (c *OutputConverter) Send(words []uint32, out contracts.NativeOutput) error {
	if c.format.Transport == contracts.TransportBytestream {
		var err error
		Split(words, func(p []uint32) {
			c.toBytes.Push(p, func(group uint8, msg []byte) {
				err = multierr.Append(err, out.SendBytes(group, msg))
			})
		})
		return err
	}

	c.scratch = c.scratch[:0]
	Split(words, func(p []uint32) {
		switch {
		case c.format.Protocol == contracts.MIDI2 && TypeOf(p[0]) == TypeMIDI1Voice:
			c.scratch = c.widen.Append(c.scratch, p)
		case c.format.Protocol == contracts.MIDI1 && TypeOf(p[0]) == TypeMIDI2Voice:
			c.scratch = AppendMIDI2ToMIDI1(c.scratch, p)
		default:
			c.scratch = append(c.scratch, p...)
		}
	})

	if len(c.scratch) == 0 {
		return nil
	}
	return out.SendUMP(c.scratch)
}
