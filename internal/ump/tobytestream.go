package ump

// ToBytestream converts UMP packets to MIDI 1.0 byte stream messages. SysEx7
// packets are reassembled per group. Utility packets are ignored, system
// realtime packets are emitted without disturbing a SysEx in progress, and any
// other packet on a group discards that group's unfinished SysEx. MIDI 2.0
// channel voice packets are narrowed to MIDI 1.0 first.
type ToBytestream struct {
	sysex   [16][]byte
	inSysex [16]bool
}

// Push converts one whole packet. The slice passed to emit is only valid for
// the duration of the call.
func (c *ToBytestream) Push(packet []uint32, emit func(group uint8, msg []byte)) {
	if len(packet) == 0 {
		return
	}

	w := packet[0]
	group := GroupOf(w)

	switch TypeOf(w) {
	case TypeUtility:
		return

	case TypeSystem:
		status := ByteAt(w, 1)
		if status >= 0xf8 {
			emit(group, []byte{status})
			return
		}

		c.abort(group)

		if n := MessageLength(status); n > 0 {
			msg := [3]byte{status, ByteAt(w, 2) & 0x7f, ByteAt(w, 3) & 0x7f}
			emit(group, msg[:n])
		}

	case TypeMIDI1Voice:
		c.abort(group)

		status := ByteAt(w, 1)
		if n := MessageLength(status); n > 0 && status < 0xf0 {
			msg := [3]byte{status, ByteAt(w, 2) & 0x7f, ByteAt(w, 3) & 0x7f}
			emit(group, msg[:n])
		}

	case TypeSysex7:
		if len(packet) < 2 {
			return
		}
		c.pushSysex7(group, packet, emit)

	case TypeMIDI2Voice:
		for _, narrowed := range AppendMIDI2ToMIDI1(nil, packet) {
			c.Push([]uint32{narrowed}, emit)
		}

	default:
		c.abort(group)
	}
}

func (c *ToBytestream) pushSysex7(group uint8, packet []uint32, emit func(uint8, []byte)) {
	kind := ByteAt(packet[0], 1) >> 4
	n := int(ByteAt(packet[0], 1) & 0x0f)
	if n > sysexBytesPerPacket {
		n = sysexBytesPerPacket
	}

	data := [sysexBytesPerPacket]byte{
		ByteAt(packet[0], 2), ByteAt(packet[0], 3),
		ByteAt(packet[1], 0), ByteAt(packet[1], 1), ByteAt(packet[1], 2), ByteAt(packet[1], 3),
	}
	chunk := data[:n]

	switch kind {
	case sysexComplete:
		c.abort(group)
		msg := make([]byte, 0, n+2)
		msg = append(msg, 0xf0)
		msg = append(msg, chunk...)
		emit(group, append(msg, 0xf7))

	case sysexStart:
		c.sysex[group] = append(append(c.sysex[group][:0], 0xf0), chunk...)
		c.inSysex[group] = true

	case sysexContinue:
		if c.inSysex[group] {
			c.sysex[group] = append(c.sysex[group], chunk...)
		}

	case sysexEnd:
		if c.inSysex[group] {
			c.sysex[group] = append(append(c.sysex[group], chunk...), 0xf7)
			c.inSysex[group] = false
			emit(group, c.sysex[group])
			c.sysex[group] = c.sysex[group][:0]
		}
	}
}

func (c *ToBytestream) abort(group uint8) {
	c.inSysex[group] = false
	c.sysex[group] = c.sysex[group][:0]
}
