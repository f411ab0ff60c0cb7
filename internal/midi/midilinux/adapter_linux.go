//go:build linux
// +build linux

package midilinux

import (
	"fmt"

	"github.com/leandrodaf/ump/sdk/contracts"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// NewAdapter checks the sequencer and opens the rtmidi driver.
func NewAdapter(opts *contracts.Options, n contracts.Notifier) (contracts.Adapter, error) {
	caps, err := probeSequencer(seqDevice)
	if !caps.present {
		return nil, err
	}
	if err != nil {
		opts.Logger.Warn("could not read sequencer version", opts.Logger.Field().Error("error", err))
	}

	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("rtmididrv: %w", err)
	}

	a := newAdapter(opts, n, drv, caps)
	a.logger.Info("ALSA adapter ready",
		a.logger.Field().String("sequencer", caps.String()),
		a.logger.Field().Bool("ump", caps.ump),
	)
	return a, nil
}
