package midiwindows

// longDataBytes returns the part of a system exclusive input buffer the
// driver filled. A count larger than the buffer is clamped.
func longDataBytes(buf []byte, recorded uint32) []byte {
	if uint64(recorded) > uint64(len(buf)) {
		return buf
	}
	return buf[:recorded]
}
