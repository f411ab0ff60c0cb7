//go:build linux
// +build linux

package midilinux

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ioctlSeqPversion is SNDRV_SEQ_IOCTL_PVERSION, _IOR('S', 0x00, int).
const ioctlSeqPversion = 0x80045300

// probeSequencer opens the sequencer device and asks for its protocol version.
func probeSequencer(path string) (sequencerCaps, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return newSequencerCaps(false, 0), fmt.Errorf("%w: %v", ErrNoSequencer, err)
	}
	defer unix.Close(fd)

	version, err := unix.IoctlGetInt(fd, ioctlSeqPversion)
	if err != nil {
		return newSequencerCaps(true, 0), fmt.Errorf("sequencer version: %w", err)
	}
	return newSequencerCaps(true, version), nil
}
