package ump

// Channel voice status nibbles shared by both protocols, plus the MIDI 2.0 only opcodes.
const (
	opRegisteredController  byte = 0x2
	opAssignableController  byte = 0x3
	opNoteOff               byte = 0x8
	opNoteOn                byte = 0x9
	opPolyPressure          byte = 0xa
	opControlChange         byte = 0xb
	opProgramChange         byte = 0xc
	opChannelPressure       byte = 0xd
	opPitchBend             byte = 0xe
	ccBankSelectMSB         byte = 0
	ccDataEntryMSB          byte = 6
	ccBankSelectLSB         byte = 32
	ccDataEntryLSB          byte = 38
	ccNonRegisteredParamLSB byte = 98
	ccNonRegisteredParamMSB byte = 99
	ccRegisteredParamLSB    byte = 100
	ccRegisteredParamMSB    byte = 101
)

// Controllers that MIDI 2.0 expresses with dedicated messages. They are absorbed
// by the MIDI 1.0 -> 2.0 translator and never produced as plain CCs by the reverse direction.
func isParameterController(cc byte) bool {
	switch cc {
	case ccBankSelectMSB, ccBankSelectLSB, ccDataEntryMSB, ccDataEntryLSB,
		ccNonRegisteredParamLSB, ccNonRegisteredParamMSB, ccRegisteredParamLSB, ccRegisteredParamMSB:
		return true
	}
	return false
}

// AppendMIDI2ToMIDI1 narrows a MIDI 2.0 channel voice packet into MIDI 1.0 UMP
// packets appended to dst. Values are truncated by right shift, except that a
// note-on velocity never narrows to 0. RPN/NRPN messages expand to four control
// changes and program changes with a valid bank expand to bank select plus
// program change. Opcodes without a MIDI 1.0 equivalent are dropped. Packets of
// any other message type are appended unchanged.
func AppendMIDI2ToMIDI1(dst []uint32, packet []uint32) []uint32 {
	if len(packet) == 0 {
		return dst
	}
	if TypeOf(packet[0]) != TypeMIDI2Voice {
		return append(dst, packet...)
	}
	if len(packet) < 2 {
		return dst
	}

	w0, w1 := packet[0], packet[1]
	group := GroupOf(w0)
	opcode := ByteAt(w0, 1) >> 4
	channel := ByteAt(w0, 1) & 0x0f
	index := ByteAt(w0, 2) & 0x7f
	extra := ByteAt(w0, 3)

	msg := func(op, d1, d2 byte) uint32 {
		return BytesToWord(byte(TypeMIDI1Voice)<<4|group, op<<4|channel, d1&0x7f, d2&0x7f)
	}

	switch opcode {
	case opNoteOff:
		return append(dst, msg(opNoteOff, index, Narrow16To7(uint16(w1>>16))))

	case opNoteOn:
		velocity := Narrow16To7(uint16(w1 >> 16))
		if velocity == 0 {
			velocity = 1
		}
		return append(dst, msg(opNoteOn, index, velocity))

	case opPolyPressure:
		return append(dst, msg(opPolyPressure, index, Narrow32To7(w1)))

	case opControlChange:
		if isParameterController(index) {
			return dst
		}
		return append(dst, msg(opControlChange, index, Narrow32To7(w1)))

	case opProgramChange:
		if extra&0x01 != 0 {
			dst = append(dst,
				msg(opControlChange, ccBankSelectMSB, ByteAt(w1, 2)),
				msg(opControlChange, ccBankSelectLSB, ByteAt(w1, 3)))
		}
		return append(dst, msg(opProgramChange, ByteAt(w1, 0), 0))

	case opChannelPressure:
		return append(dst, msg(opChannelPressure, Narrow32To7(w1), 0))

	case opPitchBend:
		v := Narrow32To14(w1)
		return append(dst, msg(opPitchBend, byte(v&0x7f), byte(v>>7)))

	case opRegisteredController, opAssignableController:
		msbCC, lsbCC := ccRegisteredParamMSB, ccRegisteredParamLSB
		if opcode == opAssignableController {
			msbCC, lsbCC = ccNonRegisteredParamMSB, ccNonRegisteredParamLSB
		}
		v := Narrow32To14(w1)
		return append(dst,
			msg(opControlChange, msbCC, index),
			msg(opControlChange, lsbCC, extra),
			msg(opControlChange, ccDataEntryMSB, byte(v>>7)),
			msg(opControlChange, ccDataEntryLSB, byte(v&0x7f)))
	}

	return dst
}

type parameterKind byte

const (
	parameterNone parameterKind = iota
	parameterRegistered
	parameterAssignable
)

type channelState struct {
	kind        parameterKind
	paramMSB    byte
	paramLSB    byte
	dataMSB     byte
	haveDataMSB bool
	bankMSB     byte
	bankLSB     byte
	bankValid   bool
}

// MIDI1ToMIDI2 widens MIDI 1.0 channel voice packets into MIDI 2.0 packets.
// It tracks RPN/NRPN selection, data entry and bank select per group and
// channel, so it must not be shared between unrelated streams.
type MIDI1ToMIDI2 struct {
	state [16][16]channelState
}

// Append translates one packet and appends the result to dst. Packets of other
// message types are appended unchanged.
func (t *MIDI1ToMIDI2) Append(dst []uint32, packet []uint32) []uint32 {
	if len(packet) == 0 {
		return dst
	}
	if TypeOf(packet[0]) != TypeMIDI1Voice {
		return append(dst, packet...)
	}

	w := packet[0]
	group := GroupOf(w)
	opcode := ByteAt(w, 1) >> 4
	channel := ByteAt(w, 1) & 0x0f
	d1 := ByteAt(w, 2) & 0x7f
	d2 := ByteAt(w, 3) & 0x7f
	st := &t.state[group][channel]

	head := func(op, b2, b3 byte) uint32 {
		return BytesToWord(byte(TypeMIDI2Voice)<<4|group, op<<4|channel, b2, b3)
	}

	switch opcode {
	case opNoteOn:
		if d2 == 0 {
			return append(dst, head(opNoteOff, d1, 0), 0)
		}
		return append(dst, head(opNoteOn, d1, 0), uint32(Scale7To16(d2))<<16)

	case opNoteOff:
		return append(dst, head(opNoteOff, d1, 0), uint32(Scale7To16(d2))<<16)

	case opPolyPressure:
		return append(dst, head(opPolyPressure, d1, 0), Scale7To32(d2))

	case opControlChange:
		return t.controlChange(dst, st, head, d1, d2)

	case opProgramChange:
		var flags byte
		var bank uint32
		if st.bankValid {
			flags = 0x01
			bank = uint32(st.bankMSB)<<8 | uint32(st.bankLSB)
		}
		return append(dst, head(opProgramChange, 0, flags), uint32(d1)<<24|bank)

	case opChannelPressure:
		return append(dst, head(opChannelPressure, 0, 0), Scale7To32(d1))

	case opPitchBend:
		return append(dst, head(opPitchBend, 0, 0), Scale14To32(uint16(d2)<<7|uint16(d1)))
	}

	return dst
}

func (t *MIDI1ToMIDI2) controlChange(dst []uint32, st *channelState, head func(op, b2, b3 byte) uint32, cc, value byte) []uint32 {
	switch cc {
	case ccBankSelectMSB:
		st.bankMSB = value
		st.bankValid = true
		return dst

	case ccBankSelectLSB:
		st.bankLSB = value
		return dst

	case ccRegisteredParamMSB, ccNonRegisteredParamMSB:
		st.selectParameter(cc == ccNonRegisteredParamMSB)
		st.paramMSB = value
		return dst

	case ccRegisteredParamLSB, ccNonRegisteredParamLSB:
		st.selectParameter(cc == ccNonRegisteredParamLSB)
		st.paramLSB = value
		return dst

	case ccDataEntryMSB:
		st.dataMSB = value
		st.haveDataMSB = true
		return dst

	case ccDataEntryLSB:
		if st.kind == parameterNone || !st.haveDataMSB {
			return dst
		}
		op := opRegisteredController
		if st.kind == parameterAssignable {
			op = opAssignableController
		}
		st.haveDataMSB = false
		v := uint16(st.dataMSB)<<7 | uint16(value)
		return append(dst, head(op, st.paramMSB, st.paramLSB), Scale14To32(v))
	}

	return append(dst, head(opControlChange, cc, 0), Scale7To32(value))
}

func (s *channelState) selectParameter(assignable bool) {
	kind := parameterRegistered
	if assignable {
		kind = parameterAssignable
	}
	if s.kind != kind {
		s.kind = kind
		s.paramMSB, s.paramLSB = 0, 0
	}
	s.haveDataMSB = false
}
