package midi

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/leandrodaf/ump/internal/midi/mididarwin"
	"github.com/leandrodaf/ump/internal/midi/midilinux"
	"github.com/leandrodaf/ump/internal/midi/midiserial"
	"github.com/leandrodaf/ump/internal/midi/midiwindows"
	"github.com/leandrodaf/ump/sdk/contracts"
	"go.uber.org/multierr"
)

// ErrUnsupportedOS is returned when no backend is known for the operating system.
var ErrUnsupportedOS = errors.New("unsupported operating system")

// ErrNoAdapter is returned for backends that have no adapter in this module.
var ErrNoAdapter = errors.New("no adapter for backend")

// platformBackends maps OS names to the backends tried there, in order.
var platformBackends = map[string][]contracts.Backend{
	"linux":   {contracts.BackendALSA},
	"darwin":  {contracts.BackendCoreMIDI},
	"windows": {contracts.BackendWinMM},
}

// adapterInitializers maps backends to the constructors of their adapters.
var adapterInitializers = map[contracts.Backend]contracts.AdapterFactory{
	contracts.BackendALSA:     midilinux.NewAdapter,
	contracts.BackendCoreMIDI: mididarwin.NewAdapter,
	contracts.BackendWinMM:    midiwindows.NewAdapter,
	contracts.BackendSerial:   midiserial.NewAdapter,
}

// backendCandidates returns the backends to try on goos: the preferred one
// first, then the platform defaults, then serial when ports are configured.
func backendCandidates(goos string, opts *contracts.Options) []contracts.Backend {
	var out []contracts.Backend
	seen := map[contracts.Backend]bool{}
	add := func(b contracts.Backend) {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}

	if opts.PreferredBackend != nil {
		add(*opts.PreferredBackend)
	}
	for _, b := range platformBackends[goos] {
		add(b)
	}
	if len(opts.SerialPorts) > 0 {
		add(contracts.BackendSerial)
	}
	return out
}

// newAdapter initializes the first backend that works on the current
// operating system. A caller-provided factory bypasses selection.
func newAdapter(opts *contracts.Options, n contracts.Notifier) (contracts.Adapter, error) {
	if opts.AdapterFactory != nil {
		return opts.AdapterFactory(opts, n)
	}

	candidates := backendCandidates(runtime.GOOS, opts)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOS, runtime.GOOS)
	}

	var errs error
	for _, b := range candidates {
		initializer, ok := adapterInitializers[b]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrNoAdapter, b))
			continue
		}

		adapter, err := initializer(opts, n)
		if err == nil {
			return adapter, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", b, err))
	}
	return nil, errs
}
