package ump

import (
	"reflect"
	"testing"
)

func narrowAll(words []uint32) []uint32 {
	var out []uint32
	Split(words, func(p []uint32) { out = AppendMIDI2ToMIDI1(out, p) })
	return out
}

func widenAll(words []uint32) []uint32 {
	var t MIDI1ToMIDI2
	var out []uint32
	Split(words, func(p []uint32) { out = t.Append(out, p) })
	return out
}

func TestMIDI2ToMIDI1(t *testing.T) {
	tests := []struct {
		name string
		in   []uint32
		want []uint32
	}{
		{"note on", []uint32{0x41946410, 0x12345678}, []uint32{0x21946409}},
		{"note on velocity never zero", []uint32{0x4295327f, 0x00345678}, []uint32{0x22953201}},
		{"note off", []uint32{0x448b0520, 0xfedcba98}, []uint32{0x248b057f}},
		{"poly pressure", []uint32{0x49af0520, 0x80dcba98}, []uint32{0x29af0540}},
		{"control change", []uint32{0x49b00520, 0x80dcba98}, []uint32{0x29b00540}},
		{"channel pressure", []uint32{0x40d20520, 0x80dcba98}, []uint32{0x20d24000}},
		{
			"registered controller",
			[]uint32{0x44240123, 0x456789ab},
			[]uint32{0x24b46501, 0x24b46423, 0x24b40622, 0x24b42659},
		},
		{
			"assignable controller",
			[]uint32{0x48347f7f, 0xffffffff},
			[]uint32{0x28b4637f, 0x28b4627f, 0x28b4067f, 0x28b4267f},
		},
		{"program change without bank", []uint32{0x4cc10000, 0x70004020}, []uint32{0x2cc17000}},
		{
			"program change with bank",
			[]uint32{0x4bc20001, 0x70004020},
			[]uint32{0x2bb20040, 0x2bb22020, 0x2bc27000},
		},
		{"pitch bend", []uint32{0x4eee0000, 0x12340000}, []uint32{0x2eee0d09}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := narrowAll(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestMIDI2ToMIDI1DropsUnrepresentable(t *testing.T) {
	for _, opcode := range []byte{0x0, 0x1, 0x4, 0x5, 0x6, 0xf} {
		in := []uint32{BytesToWord(0x40, opcode<<4, 0, 0), 0}
		if got := narrowAll(in); len(got) != 0 {
			t.Errorf("opcode %#x produced %#x", opcode, got)
		}
	}

	for _, cc := range []byte{6, 38, 98, 99, 100, 101, 0, 32} {
		in := []uint32{0x40b00000 | uint32(cc)<<8, 0}
		if got := narrowAll(in); len(got) != 0 {
			t.Errorf("cc %d produced %#x", cc, got)
		}
	}
}

func TestMIDI2ToMIDI1PassesOtherTypesThrough(t *testing.T) {
	tests := []struct {
		name string
		in   []uint32
	}{
		{"utility", []uint32{0x00123456}},
		{"system", []uint32{0x10f80000}},
		{"midi1 voice", []uint32{0x23903c40}},
		{"sysex7", []uint32{0x3a160102, 0x03040506}},
		{"data128", []uint32{0x51000000, 1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := narrowAll(tt.in); !reflect.DeepEqual(got, tt.in) {
				t.Errorf("got %#x, want %#x", got, tt.in)
			}
		})
	}
}

func TestMIDI1ToMIDI2(t *testing.T) {
	tests := []struct {
		name string
		in   []uint32
		want []uint32
	}{
		{"note on", []uint32{0x20904040}, []uint32{0x40904000, uint32(Scale7To16(0x40)) << 16}},
		{"note on zero velocity is note off", []uint32{0x23935100}, []uint32{0x43835100, 0}},
		{"note off", []uint32{0x21831020}, []uint32{0x41831000, uint32(Scale7To16(0x20)) << 16}},
		{"poly pressure", []uint32{0x20af7330}, []uint32{0x40af7300, Scale7To32(0x30)}},
		{"control change", []uint32{0x29b1017f}, []uint32{0x49b10100, Scale7To32(0x7f)}},
		{
			"nrpn",
			[]uint32{0x20b06301, 0x20b06223, 0x20b00645, 0x20b02667},
			[]uint32{0x40300123, Scale14To32(0x45<<7 | 0x67)},
		},
		{
			"rpn",
			[]uint32{0x20b06543, 0x20b06421, 0x20b00601, 0x20b02623},
			[]uint32{0x40204321, Scale14To32(0x01<<7 | 0x23)},
		},
		{
			"program change with and without bank",
			[]uint32{0x2bb20030, 0x2bb22010, 0x2bc24000, 0x20c01000},
			[]uint32{0x4bc20001, 0x40003010, 0x40c00000, 0x10000000},
		},
		{"channel pressure", []uint32{0x20df3000}, []uint32{0x40df0000, Scale7To32(0x30)}},
		{"pitch bend", []uint32{0x20e74567}, []uint32{0x40e70000, Scale14To32(0x67<<7 | 0x45)}},
		{"system passes through", []uint32{0x10f80000}, []uint32{0x10f80000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := widenAll(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestMIDI1ToMIDI2AbsorbsParameterControllers(t *testing.T) {
	for _, cc := range []byte{6, 38, 98, 99, 100, 101, 0, 32} {
		in := []uint32{BytesToWord(0x20, 0xb0, cc, 0)}
		if got := widenAll(in); len(got) != 0 {
			t.Errorf("cc %d produced %#x", cc, got)
		}
	}
}

func TestWidenThenNarrowChannelVoice(t *testing.T) {
	in := []uint32{0x20903c64, 0x20803c00, 0x20b00740, 0x20e00040, 0x20c00500, 0x20d05500}
	if got := narrowAll(widenAll(in)); !reflect.DeepEqual(got, in) {
		t.Errorf("got %#x, want %#x", got, in)
	}
}
