//go:build !linux
// +build !linux

package midilinux

import (
	"fmt"

	"github.com/leandrodaf/ump/sdk/contracts"
)

// NewAdapter always fails outside Linux.
func NewAdapter(opts *contracts.Options, _ contracts.Notifier) (contracts.Adapter, error) {
	opts.Logger.Debug("ALSA backend skipped", opts.Logger.Field().String("reason", "not linux"))
	return nil, fmt.Errorf("%w: ALSA requires linux", contracts.ErrUnsupported)
}
