// Package ump converts between MIDI 1.0 byte streams and universal MIDI packets,
// and between the MIDI 1.0 and MIDI 2.0 flavours of UMP channel voice messages.
//
// Packets are handled as slices of 32-bit words. A packet is one, two, three or
// four words long depending on the message type in the top nibble of its first word.
package ump

// MessageType is the top nibble of the first word of a packet.
type MessageType uint8

const (
	TypeUtility       MessageType = 0x0
	TypeSystem        MessageType = 0x1
	TypeMIDI1Voice    MessageType = 0x2
	TypeSysex7        MessageType = 0x3
	TypeMIDI2Voice    MessageType = 0x4
	TypeData128       MessageType = 0x5
	TypeFlexData      MessageType = 0xd
	TypeStreamMessage MessageType = 0xf
)

var wordCounts = [16]int{1, 1, 1, 2, 2, 4, 1, 1, 2, 2, 2, 3, 3, 4, 4, 4}

// TypeOf returns the message type of a packet given its first word.
func TypeOf(w uint32) MessageType { return MessageType(w >> 28) }

// GroupOf returns the group (0-15) of a packet given its first word.
func GroupOf(w uint32) uint8 { return uint8(w>>24) & 0x0f }

// WordCount returns the number of words in a packet given its first word.
func WordCount(w uint32) int { return wordCounts[w>>28] }

// BytesToWord packs four bytes into a word, most significant first.
func BytesToWord(a, b, c, d byte) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}

// ByteAt returns byte i (0 = most significant) of w.
func ByteAt(w uint32, i int) byte { return byte(w >> (24 - 8*uint(i))) }

// Split calls fn once per whole packet in words. A trailing partial packet is ignored.
func Split(words []uint32, fn func(packet []uint32)) {
	for len(words) > 0 {
		n := WordCount(words[0])
		if n > len(words) {
			return
		}
		fn(words[:n:n])
		words = words[n:]
	}
}

// Count returns the number of whole packets in words.
func Count(words []uint32) int {
	n := 0
	Split(words, func([]uint32) { n++ })
	return n
}
