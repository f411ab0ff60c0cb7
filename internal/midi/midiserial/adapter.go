// Package midiserial exposes DIN MIDI and USB serial bridges as MIDI 1.0 endpoints.
package midiserial

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/leandrodaf/ump/internal/midi/fanout"
	"github.com/leandrodaf/ump/internal/midi/portmap"
	"github.com/leandrodaf/ump/internal/midi/rescan"
	"github.com/leandrodaf/ump/sdk/contracts"
	"go.bug.st/serial"
	"go.uber.org/multierr"
)

// DefaultBaudRate is the DIN MIDI rate used when a port does not set one.
const DefaultBaudRate = 31250

const (
	idPrefix   = "serial:"
	readBuffer = 256
)

// ErrNoPorts is returned when no serial port is configured or present.
var ErrNoPorts = errors.New("no serial ports available")

// opener opens a serial device. It is replaced in tests.
type opener func(name string, mode *serial.Mode) (io.ReadWriteCloser, error)

// lister lists serial devices present on the system.
type lister func() ([]string, error)

func openSerial(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(name, mode)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Adapter serves the configured serial ports. Without configuration it
// discovers ports and keeps looking for new ones.
type Adapter struct {
	logger   contracts.Logger
	notifier contracts.Notifier
	open     opener
	list     lister
	ids      *portmap.Allocator

	mu     sync.Mutex
	ports  []portmap.Port
	links  map[contracts.EndpointID]*link
	inputs map[contracts.EndpointID]*fanout.Shared

	seen rescan.Snapshot[contracts.EndpointID]
	loop *rescan.Loop
}

// NewAdapter builds the serial backend from opts.SerialPorts.
func NewAdapter(opts *contracts.Options, n contracts.Notifier) (contracts.Adapter, error) {
	a, err := newAdapter(opts, n, openSerial, serial.GetPortsList)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newAdapter(opts *contracts.Options, n contracts.Notifier, open opener, list lister) (*Adapter, error) {
	a := &Adapter{
		logger:   opts.Logger,
		notifier: n,
		open:     open,
		list:     list,
		ids:      portmap.NewAllocator(idPrefix),
		links:    make(map[contracts.EndpointID]*link),
		inputs:   make(map[contracts.EndpointID]*fanout.Shared),
	}

	if len(opts.SerialPorts) > 0 {
		a.configure(opts.SerialPorts)
		a.logger.Info("serial adapter ready", a.logger.Field().Int("ports", len(opts.SerialPorts)))
		return a, nil
	}

	ids, err := a.discover()
	if err != nil {
		return nil, fmt.Errorf("serial: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNoPorts
	}
	a.seen.Update(ids)
	a.loop = rescan.Start(opts.RescanInterval, a.rescan, n.EndpointsChanged)

	a.logger.Info("serial adapter ready", a.logger.Field().Int("ports", len(ids)))
	return a, nil
}

// configure replaces the port list. Links to ports that are still present
// are kept. Called without a.mu held.
func (a *Adapter) configure(cfgs []contracts.SerialPortConfig) []contracts.EndpointID {
	names := make([]string, len(cfgs))
	for i, cfg := range cfgs {
		names[i] = cfg.Name
	}
	ports := a.ids.Assign(names, names)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.ports = ports
	for _, p := range ports {
		if _, ok := a.links[p.ID]; ok {
			continue
		}
		cfg := cfgs[p.In]
		if cfg.BaudRate == 0 {
			cfg.BaudRate = DefaultBaudRate
		}
		a.links[p.ID] = &link{cfg: cfg, logger: a.logger, open: a.open}
	}
	return portmap.IDs(ports)
}

func (a *Adapter) discover() ([]contracts.EndpointID, error) {
	names, err := a.list()
	if err != nil {
		return nil, err
	}
	cfgs := make([]contracts.SerialPortConfig, len(names))
	for i, name := range names {
		cfgs[i] = contracts.SerialPortConfig{Name: name}
	}
	return a.configure(cfgs), nil
}

func (a *Adapter) rescan() bool {
	ids, err := a.discover()
	if err != nil {
		a.logger.Warn("failed to list serial ports", a.logger.Field().Error("error", err))
		return false
	}
	return a.seen.Update(ids)
}

func (a *Adapter) Backend() contracts.Backend { return contracts.BackendSerial }

func (a *Adapter) Capabilities() contracts.Capabilities { return contracts.Capabilities{} }

func (a *Adapter) Endpoints() []contracts.EndpointID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return portmap.IDs(a.ports)
}

func (a *Adapter) Endpoint(id contracts.EndpointID) (contracts.Endpoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := portmap.Find(a.ports, id)
	if !ok {
		return contracts.Endpoint{}, false
	}
	return p.Endpoint(), true
}

func (a *Adapter) StaticDeviceInfo(id contracts.EndpointID) (contracts.StaticDeviceInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := portmap.Find(a.ports, id)
	if !ok {
		return contracts.StaticDeviceInfo{}, false
	}
	return p.StaticDeviceInfo(""), true
}

// link returns the connection for a listed endpoint. Called with a.mu held.
func (a *Adapter) link(id contracts.EndpointID) (*link, error) {
	if _, ok := portmap.Find(a.ports, id); !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownEndpoint, id)
	}
	return a.links[id], nil
}

func (a *Adapter) OpenInput(id contracts.EndpointID, sink contracts.InputSink) (io.Closer, error) {
	a.mu.Lock()
	l, err := a.link(id)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	shared, ok := a.inputs[id]
	if !ok {
		shared = fanout.NewShared(func(sink contracts.InputSink) (io.Closer, error) {
			if err := l.acquire(); err != nil {
				return nil, err
			}
			l.setSink(sink)
			return closerFunc(func() error {
				l.setSink(nil)
				return l.release()
			}), nil
		})
		a.inputs[id] = shared
	}
	a.mu.Unlock()

	return shared.Attach(sink)
}

func (a *Adapter) OpenOutput(id contracts.EndpointID) (contracts.NativeOutput, error) {
	a.mu.Lock()
	l, err := a.link(id)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := l.acquire(); err != nil {
		return nil, err
	}
	return &output{link: l}, nil
}

func (a *Adapter) CreateVirtualEndpoint(contracts.VirtualEndpointConfig) (contracts.NativeVirtualEndpoint, error) {
	return nil, fmt.Errorf("%w: serial ports cannot be virtual", contracts.ErrUnsupported)
}

func (a *Adapter) CreateLegacyVirtualPort(contracts.EndpointID, string, contracts.Direction) (contracts.NativeVirtualPort, error) {
	return nil, fmt.Errorf("%w: serial ports cannot be virtual", contracts.ErrUnsupported)
}

func (a *Adapter) IsVirtualServiceActive(contracts.Transport) bool { return false }

func (a *Adapter) SetVirtualServiceActive(contracts.Transport, bool) {}

func (a *Adapter) Close() error {
	if a.loop != nil {
		a.loop.Stop()
	}

	a.mu.Lock()
	inputs, links := a.inputs, a.links
	a.inputs = make(map[contracts.EndpointID]*fanout.Shared)
	a.links = make(map[contracts.EndpointID]*link)
	a.ports = nil
	a.mu.Unlock()

	var err error
	for _, shared := range inputs {
		err = multierr.Append(err, shared.Close())
	}
	for _, l := range links {
		err = multierr.Append(err, l.closeAll())
	}
	return err
}

// link is one open serial device shared by the inputs and outputs of an
// endpoint. A reader goroutine runs while it is open.
type link struct {
	cfg    contracts.SerialPortConfig
	logger contracts.Logger
	open   opener

	mu   sync.Mutex
	port io.ReadWriteCloser
	refs int
	done chan struct{}

	sinkMu sync.Mutex
	sink   contracts.InputSink
}

func (l *link) acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs == 0 {
		port, err := l.open(l.cfg.Name, &serial.Mode{BaudRate: l.cfg.BaudRate})
		if err != nil {
			return fmt.Errorf("serial: failed to open %s: %w", l.cfg.Name, err)
		}
		l.logger.Info("serial: port opened",
			l.logger.Field().String("device", l.cfg.Name),
			l.logger.Field().Int("baud", l.cfg.BaudRate),
		)
		l.port = port
		l.done = make(chan struct{})
		go l.read(port, l.done)
	}
	l.refs++
	return nil
}

func (l *link) release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs == 0 {
		return nil
	}
	if l.refs--; l.refs > 0 {
		return nil
	}
	return l.shutdown()
}

func (l *link) closeAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs == 0 {
		return nil
	}
	l.refs = 0
	return l.shutdown()
}

// shutdown closes the port and waits for the reader. Called with l.mu held.
func (l *link) shutdown() error {
	err := l.port.Close()
	<-l.done
	l.port = nil
	l.logger.Info("serial: port closed", l.logger.Field().String("device", l.cfg.Name))
	return err
}

func (l *link) setSink(sink contracts.InputSink) {
	l.sinkMu.Lock()
	l.sink = sink
	l.sinkMu.Unlock()
}

func (l *link) currentSink() contracts.InputSink {
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	return l.sink
}

func (l *link) read(port io.Reader, done chan struct{}) {
	defer close(done)

	buf := make([]byte, readBuffer)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			if sink := l.currentSink(); sink != nil {
				sink.PushBytes(0, buf[:n], time.Now())
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.logger.Debug("serial: read stopped",
					l.logger.Field().String("device", l.cfg.Name),
					l.logger.Field().Error("error", err),
				)
			}
			return
		}
	}
}

func (l *link) write(msg []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return io.ErrClosedPipe
	}
	_, err := l.port.Write(msg)
	return err
}

type output struct {
	link *link
	once sync.Once
}

func (o *output) Format() contracts.WireFormat {
	return contracts.WireFormat{Transport: contracts.TransportBytestream}
}

func (o *output) SendUMP([]uint32) error { return contracts.ErrUnsupported }

// SendBytes writes msg to the wire. A serial link has a single group.
func (o *output) SendBytes(_ uint8, msg []byte) error { return o.link.write(msg) }

func (o *output) Close() error {
	var err error
	o.once.Do(func() { err = o.link.release() })
	return err
}
