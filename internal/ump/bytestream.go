package ump

// SysEx7 packet status values, stored in the high nibble of the second byte.
const (
	sysexComplete byte = 0x0
	sysexStart    byte = 0x1
	sysexContinue byte = 0x2
	sysexEnd      byte = 0x3

	sysexBytesPerPacket = 6
)

// MessageLength returns the length of a MIDI 1.0 message given its status byte,
// 0 for SysEx (variable length) and for data bytes.
func MessageLength(status byte) int {
	switch {
	case status < 0x80:
		return 0
	case status < 0xc0:
		return 3
	case status < 0xe0:
		return 2
	case status < 0xf0:
		return 3
	}

	switch status {
	case 0xf0:
		return 0
	case 0xf1, 0xf3:
		return 2
	case 0xf2:
		return 3
	}

	return 1
}

// Parser splits a raw MIDI 1.0 byte stream into complete messages. It expands
// running status, passes realtime bytes through immediately even in the middle
// of another message, and drops a SysEx that is interrupted by a status byte.
// A Parser keeps state between calls to Feed and must not be shared between streams.
type Parser struct {
	running byte
	pending []byte
	need    int
	sysex   []byte
	inSysex bool
}

// Feed parses data and calls emit for each complete message. The slice passed
// to emit is only valid for the duration of the call.
func (p *Parser) Feed(data []byte, emit func(msg []byte)) {
	for _, b := range data {
		if b >= 0xf8 {
			emit([]byte{b})
			continue
		}

		if p.inSysex {
			if b < 0x80 {
				p.sysex = append(p.sysex, b)
				continue
			}

			p.inSysex = false

			if b == 0xf7 {
				p.sysex = append(p.sysex, b)
				emit(p.sysex)
				p.sysex = p.sysex[:0]
				continue
			}

			p.sysex = p.sysex[:0]
		}

		switch {
		case b == 0xf0:
			p.inSysex = true
			p.sysex = append(p.sysex[:0], b)
			p.running = 0
			p.pending = p.pending[:0]

		case b == 0xf7:
			// End of exclusive without a start.

		case b >= 0x80:
			if b < 0xf0 {
				p.running = b
			} else {
				p.running = 0
			}

			p.pending = p.pending[:0]

			if n := MessageLength(b); n == 1 {
				emit([]byte{b})
			} else {
				p.pending = append(p.pending, b)
				p.need = n
			}

		default:
			if len(p.pending) == 0 {
				if p.running == 0 {
					continue
				}
				p.pending = append(p.pending, p.running)
				p.need = MessageLength(p.running)
			}

			p.pending = append(p.pending, b)

			if len(p.pending) == p.need {
				emit(p.pending)
				p.pending = p.pending[:0]
			}
		}
	}
}

// Reset discards any partially received message and the running status.
func (p *Parser) Reset() {
	p.running = 0
	p.pending = p.pending[:0]
	p.sysex = p.sysex[:0]
	p.inSysex = false
}

// AppendFromBytestream encodes one complete MIDI 1.0 message as MIDI 1.0 UMP on
// the given group and appends the packets to dst. Channel voice messages become
// message type 0x2, system messages 0x1 and SysEx is split into 0x3 packets.
// Incomplete or malformed messages produce nothing.
func AppendFromBytestream(dst []uint32, group uint8, msg []byte) []uint32 {
	if len(msg) == 0 {
		return dst
	}

	group &= 0x0f
	status := msg[0]

	if status == 0xf0 {
		payload := msg[1:]
		if n := len(payload); n > 0 && payload[n-1] == 0xf7 {
			payload = payload[:n-1]
		}
		return appendSysex7(dst, group, payload)
	}

	n := MessageLength(status)
	if n == 0 || len(msg) < n {
		return dst
	}

	var data [2]byte
	copy(data[:], msg[1:n])

	kind := byte(TypeMIDI1Voice) << 4
	if status >= 0xf0 {
		kind = byte(TypeSystem) << 4
	}

	return append(dst, BytesToWord(kind|group, status, data[0], data[1]))
}

func appendSysex7(dst []uint32, group uint8, payload []byte) []uint32 {
	if len(payload) <= sysexBytesPerPacket {
		return append(dst, sysex7Packet(group, sysexComplete, payload)...)
	}

	for i := 0; i < len(payload); i += sysexBytesPerPacket {
		end := i + sysexBytesPerPacket
		kind := sysexContinue

		switch {
		case i == 0:
			kind = sysexStart
		case end >= len(payload):
			kind = sysexEnd
		}

		if end > len(payload) {
			end = len(payload)
		}

		dst = append(dst, sysex7Packet(group, kind, payload[i:end])...)
	}

	return dst
}

func sysex7Packet(group, kind byte, chunk []byte) []uint32 {
	var b [sysexBytesPerPacket]byte
	n := copy(b[:], chunk)

	return []uint32{
		BytesToWord(byte(TypeSysex7)<<4|group, kind<<4|byte(n), b[0], b[1]),
		BytesToWord(b[2], b[3], b[4], b[5]),
	}
}

// BytestreamEncoder turns a raw byte stream on one group into MIDI 1.0 UMP.
type BytestreamEncoder struct {
	Group  uint8
	parser Parser
}

// Append parses data and appends the resulting packets to dst.
func (e *BytestreamEncoder) Append(dst []uint32, data []byte) []uint32 {
	e.parser.Feed(data, func(msg []byte) {
		dst = AppendFromBytestream(dst, e.Group, msg)
	})
	return dst
}
