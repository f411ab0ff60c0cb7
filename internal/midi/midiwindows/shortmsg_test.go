package midiwindows

import (
	"bytes"
	"testing"
)

func TestShortMessageLen(t *testing.T) {
	tests := []struct {
		status byte
		want   int
	}{
		{0x40, 0},
		{0x90, 3},
		{0xB3, 3},
		{0xC0, 2},
		{0xDF, 2},
		{0xE1, 3},
		{0xF0, 0},
		{0xF1, 2},
		{0xF2, 3},
		{0xF3, 2},
		{0xF6, 1},
		{0xF7, 0},
		{0xF8, 1},
		{0xFD, 0},
		{0xFE, 1},
	}
	for _, tt := range tests {
		if got := shortMessageLen(tt.status); got != tt.want {
			t.Errorf("shortMessageLen(%#x) = %d, want %d", tt.status, got, tt.want)
		}
	}
}

func TestShortMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		param uint32
		want  []byte
	}{
		{"note on", 0x7F3C90, []byte{0x90, 0x3C, 0x7F}},
		{"program change drops padding", 0x0005C2, []byte{0xC2, 0x05}},
		{"clock", 0x0000F8, []byte{0xF8}},
		{"running status is rejected", 0x00403C, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := unpackShortMessage(tt.param)
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("unpackShortMessage(%#x) = % x, want % x", tt.param, got, tt.want)
			}
			if got != nil && packShortMessage(got) != tt.param {
				t.Errorf("packShortMessage(% x) = %#x, want %#x", got, packShortMessage(got), tt.param)
			}
		})
	}
}
