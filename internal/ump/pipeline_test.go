package ump

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/leandrodaf/ump/sdk/contracts"
)

type recordingOutput struct {
	format contracts.WireFormat
	words  []uint32
	msgs   [][]byte
	groups []uint8
	err    error
}

func (o *recordingOutput) Close() error { return nil }
func (o *recordingOutput) Format() contracts.WireFormat { return o.format }
func (o *recordingOutput) SendUMP(words []uint32) error { o.words = append(o.words, words...); return o.err }
func (o *recordingOutput) SendBytes(g uint8, m []byte) error {
	o.groups = append(o.groups, g)
	o.msgs = append(o.msgs, append([]byte(nil), m...))
	return o.err
}

func TestInputConverterBytesToMIDI2(t *testing.T) {
	c := NewInputConverter(contracts.MIDI2)

	got := c.AppendBytes(nil, 0, []byte{0x90, 0x3c})
	if len(got) != 0 {
		t.Fatalf("partial message produced %#x", got)
	}

	got = c.AppendBytes(got, 0, []byte{0x40, 0x3e, 0x00})
	want := []uint32{
		0x40903c00, uint32(Scale7To16(0x40)) << 16,
		0x40803e00, 0,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#x, want %#x", got, want)
	}
}

func TestInputConverterBytesToMIDI1(t *testing.T) {
	c := NewInputConverter(contracts.MIDI1)
	got := c.AppendBytes(nil, 3, []byte{0xb2, 0x07, 0x64})
	want := []uint32{0x23b20764}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#x, want %#x", got, want)
	}
}

func TestInputConverterNarrowsUMP(t *testing.T) {
	c := NewInputConverter(contracts.MIDI1)
	got := c.AppendUMP(nil, []uint32{0x41946410, 0x12345678, 0x10f80000})
	want := []uint32{0x21946409, 0x10f80000}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#x, want %#x", got, want)
	}
}

func TestOutputConverterBytestream(t *testing.T) {
	out := &recordingOutput{format: contracts.WireFormat{Transport: contracts.TransportBytestream}}
	c := NewOutputConverter(out.Format())

	if err := c.Send([]uint32{0x42903c00, 0xffff0000, 0x21b00740}, out); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	want := [][]byte{{0x90, 0x3c, 0x7f}, {0xb0, 0x07, 0x40}}
	if !reflect.DeepEqual(out.msgs, want) {
		t.Errorf("msgs = %x, want %x", out.msgs, want)
	}
	if !reflect.DeepEqual(out.groups, []uint8{2, 1}) {
		t.Errorf("groups = %v", out.groups)
	}
}

func TestOutputConverterSysexAcrossSends(t *testing.T) {
	out := &recordingOutput{format: contracts.WireFormat{Transport: contracts.TransportBytestream}}
	c := NewOutputConverter(out.Format())

	sysex := []byte{0xf0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 0xf7}
	words := AppendFromBytestream(nil, 0, sysex)

	for i := 0; i < len(words); i += 2 {
		if err := c.Send(words[i:i+2], out); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	if len(out.msgs) != 1 || !bytes.Equal(out.msgs[0], sysex) {
		t.Errorf("msgs = %x, want %x", out.msgs, sysex)
	}
}

func TestOutputConverterUMPProtocols(t *testing.T) {
	t.Run("to midi2", func(t *testing.T) {
		out := &recordingOutput{format: contracts.WireFormat{Transport: contracts.TransportUMP, Protocol: contracts.MIDI2}}
		c := NewOutputConverter(out.Format())
		if err := c.Send([]uint32{0x20904040}, out); err != nil {
			t.Fatal(err)
		}
		want := []uint32{0x40904000, uint32(Scale7To16(0x40)) << 16}
		if !reflect.DeepEqual(out.words, want) {
			t.Errorf("got %#x, want %#x", out.words, want)
		}
	})

	t.Run("to midi1", func(t *testing.T) {
		out := &recordingOutput{format: contracts.WireFormat{Transport: contracts.TransportUMP, Protocol: contracts.MIDI1}}
		c := NewOutputConverter(out.Format())
		if err := c.Send([]uint32{0x41946410, 0x12345678}, out); err != nil {
			t.Fatal(err)
		}
		if want := []uint32{0x21946409}; !reflect.DeepEqual(out.words, want) {
			t.Errorf("got %#x, want %#x", out.words, want)
		}
	})

	t.Run("nothing to send", func(t *testing.T) {
		out := &recordingOutput{format: contracts.WireFormat{Transport: contracts.TransportUMP, Protocol: contracts.MIDI1}}
		c := NewOutputConverter(out.Format())
		if err := c.Send([]uint32{0x40000000, 0}, out); err != nil {
			t.Fatal(err)
		}
		if out.words != nil {
			t.Errorf("unexpected send %#x", out.words)
		}
	})
}

func TestOutputConverterCombinesErrors(t *testing.T) {
	boom := errors.New("boom")
	out := &recordingOutput{format: contracts.WireFormat{Transport: contracts.TransportBytestream}, err: boom}
	c := NewOutputConverter(out.Format())

	err := c.Send([]uint32{0x20903c40, 0x20803c40}, out)
	if !errors.Is(err, boom) {
		t.Errorf("Send() error = %v, want %v", err, boom)
	}
	if len(out.msgs) != 2 {
		t.Errorf("sent %d messages, want 2", len(out.msgs))
	}
}
