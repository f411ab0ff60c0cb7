package ump

// Widening uses bit replication: values at or below the source midpoint are
// shifted up, values above it have their low bits repeated into the new low
// bits, so 0 maps to 0, the midpoint to the midpoint and the maximum to the
// maximum. Narrowing is a plain right shift, which makes widen-then-narrow an
// identity.

func scaleUp(v uint32, srcBits, dstBits uint) uint32 {
	shift := dstBits - srcBits
	out := v << shift

	if v <= uint32(1)<<(srcBits-1) {
		return out
	}

	repeatBits := srcBits - 1
	repeat := v & (uint32(1)<<repeatBits - 1)

	if shift > repeatBits {
		repeat <<= shift - repeatBits
	} else {
		repeat >>= repeatBits - shift
	}

	for repeat != 0 {
		out |= repeat
		repeat >>= repeatBits
	}

	return out
}

func Scale7To8(v uint8) uint8 { return uint8(scaleUp(uint32(v&0x7f), 7, 8)) }
func Scale7To16(v uint8) uint16 { return uint16(scaleUp(uint32(v&0x7f), 7, 16)) }
func Scale7To32(v uint8) uint32 { return scaleUp(uint32(v&0x7f), 7, 32) }
func Scale14To16(v uint16) uint16 { return uint16(scaleUp(uint32(v&0x3fff), 14, 16)) }
func Scale14To32(v uint16) uint32 { return scaleUp(uint32(v&0x3fff), 14, 32) }

func Narrow8To7(v uint8) uint8 { return v >> 1 }
func Narrow16To7(v uint16) uint8 { return uint8(v >> 9) }
func Narrow32To7(v uint32) uint8 { return uint8(v >> 25) }
func Narrow16To14(v uint16) uint16 { return v >> 2 }
func Narrow32To14(v uint32) uint16 { return uint16(v >> 18) }
