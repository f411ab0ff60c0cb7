//go:build !windows
// +build !windows

package midiwindows

import (
	"fmt"

	"github.com/leandrodaf/ump/sdk/contracts"
)

// NewAdapter always fails outside Windows.
func NewAdapter(opts *contracts.Options, _ contracts.Notifier) (contracts.Adapter, error) {
	opts.Logger.Debug("WinMM backend skipped", opts.Logger.Field().String("reason", "not windows"))
	return nil, fmt.Errorf("%w: WinMM requires windows", contracts.ErrUnsupported)
}
