//go:build !darwin
// +build !darwin

package mididarwin

import (
	"fmt"

	"github.com/leandrodaf/ump/sdk/contracts"
)

// NewAdapter always fails outside macOS.
func NewAdapter(opts *contracts.Options, _ contracts.Notifier) (contracts.Adapter, error) {
	opts.Logger.Debug("CoreMIDI backend skipped", opts.Logger.Field().String("reason", "not darwin"))
	return nil, fmt.Errorf("%w: CoreMIDI requires darwin", contracts.ErrUnsupported)
}
