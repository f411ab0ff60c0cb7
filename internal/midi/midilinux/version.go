package midilinux

import (
	"errors"
	"fmt"
)

// ErrNoSequencer is returned when the ALSA sequencer device cannot be opened.
var ErrNoSequencer = errors.New("ALSA sequencer not available")

const seqDevice = "/dev/snd/seq"

// seqVersion packs a sequencer protocol version the way the kernel reports it.
func seqVersion(major, minor, sub int) int {
	return major<<16 | minor<<8 | sub
}

// umpSeqVersion is the first sequencer protocol version with UMP clients.
var umpSeqVersion = seqVersion(1, 0, 3)

// sequencerCaps records what the running kernel's sequencer offers. Every
// operation depending on a capability checks its flag first.
type sequencerCaps struct {
	present bool // the sequencer device can be opened
	version int
	ump     bool // UMP clients and endpoints are available
}

func newSequencerCaps(present bool, version int) sequencerCaps {
	return sequencerCaps{present: present, version: version, ump: present && version >= umpSeqVersion}
}

func (c sequencerCaps) String() string {
	if !c.present {
		return "absent"
	}
	return fmt.Sprintf("%d.%d.%d", c.version>>16, c.version>>8&0xff, c.version&0xff)
}
