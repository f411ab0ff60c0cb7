package midi

import (
	"time"

	"github.com/leandrodaf/ump/internal/logger"
	"github.com/leandrodaf/ump/sdk/contracts"
)

const (
	defaultClientName     = "GO MIDI Client"
	defaultRescanInterval = 2 * time.Second
)

// applyDefaultOptions sets default values for Options if not explicitly provided.
func applyDefaultOptions(opts ...contracts.Option) contracts.Options {
	options := &contracts.Options{}
	for _, opt := range opts {
		opt(options)
	}

	// Set defaults if options are not provided
	if options.Logger == nil {
		options.Logger = logger.NewZapLogger()
	}
	if options.ClientName == "" {
		options.ClientName = defaultClientName
	}
	if options.RescanInterval <= 0 {
		options.RescanInterval = defaultRescanInterval
	}

	options.Logger.SetLevel(options.LogLevel)
	return *options
}
