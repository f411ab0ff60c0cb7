package contracts

import "time"

// SerialPortConfig selects a serial device to expose as a MIDI endpoint.
type SerialPortConfig struct {
	Name     string // Device path, e.g. /dev/ttyUSB0 or COM3.
	BaudRate int    // 31250 for DIN MIDI; USB bridges often use 115200.
}

// Options defines the configuration of an Endpoints registry.
type Options struct {
	Logger           Logger             // Logger for logging events and errors.
	LogLevel         LogLevel           // Level of logging to use.
	ClientName       string             // Name announced to the OS MIDI service.
	PreferredBackend *Backend           // Backend to try before the platform defaults.
	AdapterFactory   AdapterFactory     // Overrides backend selection entirely.
	SerialPorts      []SerialPortConfig // Ports used by the serial backend.
	RescanInterval   time.Duration      // Hot-plug polling period for adapters without OS notifications.
}

// Option is a function that modifies Options.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		opts.Logger = l
	}
}

// WithLogLevel sets the logging level.
func WithLogLevel(level LogLevel) Option {
	return func(opts *Options) {
		opts.LogLevel = level
	}
}

// WithClientName sets the client name announced to the OS.
func WithClientName(name string) Option {
	return func(opts *Options) {
		opts.ClientName = name
	}
}

// WithPreferredBackend makes the registry try b first.
func WithPreferredBackend(b Backend) Option {
	return func(opts *Options) {
		opts.PreferredBackend = &b
	}
}

// WithAdapterFactory replaces backend selection with a caller-provided adapter.
func WithAdapterFactory(f AdapterFactory) Option {
	return func(opts *Options) {
		opts.AdapterFactory = f
	}
}

// WithSerialPort adds a serial port to the serial backend.
func WithSerialPort(cfg SerialPortConfig) Option {
	return func(opts *Options) {
		opts.SerialPorts = append(opts.SerialPorts, cfg)
	}
}

// WithRescanInterval sets how often polling adapters look for hot-plugged devices.
func WithRescanInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.RescanInterval = d
	}
}
