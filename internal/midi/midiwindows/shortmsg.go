package midiwindows

// shortMessageLen returns the length of the short message starting with
// status, or 0 if status does not start one.
func shortMessageLen(status byte) int {
	switch {
	case status < 0x80:
		return 0
	case status < 0xC0, status >= 0xE0 && status < 0xF0:
		return 3
	case status < 0xE0:
		return 2
	}
	switch status {
	case 0xF1, 0xF3:
		return 2
	case 0xF2:
		return 3
	case 0xF6, 0xF8, 0xFA, 0xFB, 0xFC, 0xFE, 0xFF:
		return 1
	}
	return 0
}

// unpackShortMessage extracts the bytes of a MIM_DATA parameter. It returns
// nil for values that do not carry a valid status byte.
func unpackShortMessage(param uint32) []byte {
	msg := []byte{byte(param), byte(param >> 8), byte(param >> 16)}
	n := shortMessageLen(msg[0])
	if n == 0 {
		return nil
	}
	return msg[:n]
}

// packShortMessage builds the midiOutShortMsg parameter for msg.
func packShortMessage(msg []byte) uint32 {
	var packed uint32
	for i := 0; i < len(msg) && i < 3; i++ {
		packed |= uint32(msg[i]) << (8 * i)
	}
	return packed
}
