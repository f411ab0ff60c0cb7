//go:build darwin
// +build darwin

package mididarwin

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
	"github.com/youpy/go-coremidi"
	"go.uber.org/multierr"
)

// Error definitions for CoreMIDI setup and connections.
var (
	ErrCreateClient        = errors.New("error creating CoreMIDI client")
	ErrCreateInputPort     = errors.New("error creating input port")
	ErrCreateOutputPort    = errors.New("error creating output port")
	ErrMIDIConnectionError = errors.New("error connecting to MIDI source")
)

const idPrefix = "coremidi:"

// portConnection is an established link between the input port and a source.
type portConnection interface {
	Disconnect()
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Adapter exposes CoreMIDI sources and destinations as MIDI 1.0 endpoints.
type Adapter struct {
	logger   contracts.Logger
	notifier contracts.Notifier

	client    coremidi.Client
	inputPort coremidi.InputPort
	outPort   coremidi.OutputPort
	ids       *portmap.Allocator

	mu       sync.Mutex
	ports    []portmap.Port
	sources  []coremidi.Source
	dests    []coremidi.Destination
	vendors  map[contracts.EndpointID]string
	inputs   map[contracts.EndpointID]*fanout.Shared
	routes   map[coremidi.Source]contracts.InputSink // read proc dispatch
	virtuals map[contracts.EndpointID]*virtualPort
	order    []contracts.EndpointID

	seen rescan.Snapshot[contracts.EndpointID]
	loop *rescan.Loop
}

// NewAdapter creates the CoreMIDI client and its shared ports.
func NewAdapter(opts *contracts.Options, n contracts.Notifier) (contracts.Adapter, error) {
	client, err := coremidi.NewClient(opts.ClientName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateClient, err)
	}

	a := &Adapter{
		logger:   opts.Logger,
		notifier: n,
		client:   client,
		ids:      portmap.NewAllocator(idPrefix),
		vendors:  make(map[contracts.EndpointID]string),
		inputs:   make(map[contracts.EndpointID]*fanout.Shared),
		routes:   make(map[coremidi.Source]contracts.InputSink),
		virtuals: make(map[contracts.EndpointID]*virtualPort),
	}

	a.inputPort, err = coremidi.NewInputPort(client, opts.ClientName+" Input", a.handlePacket)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateInputPort, err)
	}
	a.outPort, err = coremidi.NewOutputPort(client, opts.ClientName+" Output")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateOutputPort, err)
	}

	a.seen.Update(a.refresh())
	a.loop = rescan.Start(opts.RescanInterval, a.rescan, n.EndpointsChanged)

	a.logger.Info("CoreMIDI adapter ready", a.logger.Field().String("client", opts.ClientName))
	return a, nil
}

func (a *Adapter) Backend() contracts.Backend { return contracts.BackendCoreMIDI }

// Capabilities reports no UMP endpoints: the bindings only cover the MIDI 1.0 API.
func (a *Adapter) Capabilities() contracts.Capabilities {
	return contracts.Capabilities{LegacyVirtualPorts: true}
}

func (a *Adapter) refresh() []contracts.EndpointID {
	sources, err := coremidi.AllSources()
	if err != nil {
		a.logger.Error("error listing MIDI sources", a.logger.Field().Error("error", err))
	}
	dests, err := coremidi.AllDestinations()
	if err != nil {
		a.logger.Error("error listing MIDI destinations", a.logger.Field().Error("error", err))
	}

	inNames := make([]string, len(sources))
	for i, s := range sources {
		inNames[i] = s.Name()
	}
	outNames := make([]string, len(dests))
	for i, d := range dests {
		outNames[i] = d.Name()
	}
	ports := a.ids.Assign(inNames, outNames)

	vendors := make(map[contracts.EndpointID]string, len(ports))
	for _, p := range ports {
		switch {
		case p.In >= 0:
			vendors[p.ID] = sources[p.In].Entity().Manufacturer()
		case p.Out >= 0:
			vendors[p.ID] = dests[p.Out].Entity().Manufacturer()
		}
	}

	a.mu.Lock()
	a.ports, a.sources, a.dests, a.vendors = ports, sources, dests, vendors
	for id := range a.inputs {
		if _, ok := portmap.Find(ports, id); !ok {
			delete(a.inputs, id)
		}
	}
	a.mu.Unlock()

	return portmap.IDs(ports)
}

func (a *Adapter) rescan() bool {
	return a.seen.Update(a.refresh())
}

func (a *Adapter) handlePacket(source coremidi.Source, packet coremidi.Packet) {
	a.mu.Lock()
	sink := a.routes[source]
	a.mu.Unlock()

	if sink == nil {
		return
	}
	sink.PushBytes(0, packet.Data, time.Now())
}

func (a *Adapter) Endpoints() []contracts.EndpointID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append(portmap.IDs(a.ports), a.order...)
}

func (a *Adapter) Endpoint(id contracts.EndpointID) (contracts.Endpoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if v, ok := a.virtuals[id]; ok {
		return v.endpoint(), true
	}
	if p, ok := portmap.Find(a.ports, id); ok {
		return p.Endpoint(), true
	}
	return contracts.Endpoint{}, false
}

func (a *Adapter) StaticDeviceInfo(id contracts.EndpointID) (contracts.StaticDeviceInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if v, ok := a.virtuals[id]; ok {
		return contracts.StaticDeviceInfo{
			Name:      v.name,
			Product:   v.name,
			Transport: contracts.TransportBytestream,
			Direction: v.dir,
		}, true
	}
	if p, ok := portmap.Find(a.ports, id); ok {
		info := p.StaticDeviceInfo(a.vendors[id])
		if p.In >= 0 {
			info.Product = a.sources[p.In].Entity().Name()
		}
		return info, true
	}
	return contracts.StaticDeviceInfo{}, false
}

func (a *Adapter) OpenInput(id contracts.EndpointID, sink contracts.InputSink) (io.Closer, error) {
	a.mu.Lock()
	shared, err := a.sharedInput(id)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return shared.Attach(sink)
}

// sharedInput is called with a.mu held.
func (a *Adapter) sharedInput(id contracts.EndpointID) (*fanout.Shared, error) {
	if v, ok := a.virtuals[id]; ok {
		if v.inputs == nil {
			return nil, fmt.Errorf("%w: %s does not receive", contracts.ErrUnsupported, id)
		}
		return v.inputs, nil
	}
	if shared, ok := a.inputs[id]; ok {
		return shared, nil
	}

	if p, ok := portmap.Find(a.ports, id); !ok || p.In < 0 {
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownEndpoint, id)
	}

	shared := fanout.NewShared(func(sink contracts.InputSink) (io.Closer, error) {
		// Resolve the source from the latest scan, not the one the entry was made from.
		a.mu.Lock()
		p, ok := portmap.Find(a.ports, id)
		if !ok || p.In < 0 {
			a.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownEndpoint, id)
		}
		source := a.sources[p.In]
		a.routes[source] = sink
		a.mu.Unlock()

		conn, err := a.inputPort.Connect(source)
		if err != nil {
			a.unroute(source)
			return nil, fmt.Errorf("%w: %v", ErrMIDIConnectionError, err)
		}
		a.logger.Info("MIDI source connected", a.logger.Field().String("source", p.Name))

		var c portConnection = conn
		return closerFunc(func() error {
			c.Disconnect()
			a.unroute(source)
			return nil
		}), nil
	})
	a.inputs[id] = shared
	return shared, nil
}

func (a *Adapter) unroute(source coremidi.Source) {
	a.mu.Lock()
	delete(a.routes, source)
	a.mu.Unlock()
}

func (a *Adapter) OpenOutput(id contracts.EndpointID) (contracts.NativeOutput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if v, ok := a.virtuals[id]; ok {
		if v.source == nil {
			return nil, fmt.Errorf("%w: %s does not send", contracts.ErrUnsupported, id)
		}
		source := *v.source
		return &output{send: func(packet *coremidi.Packet) error { return packet.Received(&source) }}, nil
	}

	p, ok := portmap.Find(a.ports, id)
	if !ok || p.Out < 0 {
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownEndpoint, id)
	}
	dest := a.dests[p.Out]
	port := a.outPort
	return &output{send: func(packet *coremidi.Packet) error { return packet.Send(&port, &dest) }}, nil
}

func (a *Adapter) CreateVirtualEndpoint(contracts.VirtualEndpointConfig) (contracts.NativeVirtualEndpoint, error) {
	return nil, fmt.Errorf("%w: UMP endpoints need the MIDI 2.0 CoreMIDI API", contracts.ErrUnsupported)
}

// CreateLegacyVirtualPort publishes a destination for DirectionInput and a
// source for DirectionOutput.
func (a *Adapter) CreateLegacyVirtualPort(id contracts.EndpointID, name string, dir contracts.Direction) (contracts.NativeVirtualPort, error) {
	v := &virtualPort{id: id, name: name, dir: dir}

	switch dir {
	case contracts.DirectionInput:
		v.inputs = fanout.NewShared(func(contracts.InputSink) (io.Closer, error) {
			return closerFunc(func() error { return nil }), nil
		})
		sinks := v.inputs.Sinks()
		dest, err := coremidi.NewDestination(a.client, name, func(packet coremidi.Packet) {
			sinks.PushBytes(0, packet.Data, time.Now())
		})
		if err != nil {
			return nil, fmt.Errorf("virtual destination %q: %w", name, err)
		}
		v.dest = &dest
	case contracts.DirectionOutput:
		source, err := coremidi.NewSource(a.client, name)
		if err != nil {
			return nil, fmt.Errorf("virtual source %q: %w", name, err)
		}
		v.source = &source
	default:
		return nil, fmt.Errorf("%w: legacy port direction %s", contracts.ErrUnsupported, dir)
	}

	a.mu.Lock()
	a.virtuals[id] = v
	a.order = append(a.order, id)
	a.mu.Unlock()

	a.logger.Info("virtual port published",
		a.logger.Field().String("endpoint", id.String()),
		a.logger.Field().String("direction", dir.String()),
	)
	a.notifier.EndpointsChanged()
	return &nativeVirtual{adapter: a, id: id}, nil
}

func (a *Adapter) removeVirtual(id contracts.EndpointID) error {
	a.mu.Lock()
	v, ok := a.virtuals[id]
	if ok {
		delete(a.virtuals, id)
		for i, existing := range a.order {
			if existing == id {
				a.order = append(a.order[:i:i], a.order[i+1:]...)
				break
			}
		}
	}
	a.mu.Unlock()

	if !ok {
		return nil
	}
	err := v.close()
	a.notifier.EndpointsChanged()
	return err
}

// IsVirtualServiceActive is always true: CoreMIDI has no service to start.
func (a *Adapter) IsVirtualServiceActive(contracts.Transport) bool { return true }

func (a *Adapter) SetVirtualServiceActive(t contracts.Transport, _ bool) {
	a.logger.Debug("virtual service state is fixed on CoreMIDI", a.logger.Field().String("transport", t.String()))
}

func (a *Adapter) Close() error {
	a.loop.Stop()

	a.mu.Lock()
	inputs, virtuals := a.inputs, a.virtuals
	a.inputs = make(map[contracts.EndpointID]*fanout.Shared)
	a.virtuals = make(map[contracts.EndpointID]*virtualPort)
	a.order = nil
	a.mu.Unlock()

	var err error
	for _, shared := range inputs {
		err = multierr.Append(err, shared.Close())
	}
	for _, v := range virtuals {
		err = multierr.Append(err, v.close())
	}
	return err
}

type virtualPort struct {
	id     contracts.EndpointID
	name   string
	dir    contracts.Direction
	inputs *fanout.Shared
	dest   *coremidi.Destination
	source *coremidi.Source
}

func (v *virtualPort) endpoint() contracts.Endpoint {
	return contracts.Endpoint{
		Name:         v.name,
		Direction:    v.dir,
		Protocol:     contracts.MIDI1,
		MIDI1Support: true,
	}
}

func (v *virtualPort) close() error {
	var err error
	if v.inputs != nil {
		err = v.inputs.Close()
	}
	if v.dest != nil {
		v.dest.Dispose()
	}
	if v.source != nil {
		v.source.Dispose()
	}
	return err
}

type nativeVirtual struct {
	adapter *Adapter
	id      contracts.EndpointID
	once    sync.Once
}

func (n *nativeVirtual) ID() contracts.EndpointID { return n.id }

func (n *nativeVirtual) Close() error {
	var err error
	n.once.Do(func() { err = n.adapter.removeVirtual(n.id) })
	return err
}

type output struct {
	mu     sync.Mutex
	send   func(packet *coremidi.Packet) error
	closed bool
}

func (o *output) Format() contracts.WireFormat {
	return contracts.WireFormat{Transport: contracts.TransportBytestream}
}

func (o *output) SendUMP([]uint32) error { return contracts.ErrUnsupported }

func (o *output) SendBytes(_ uint8, msg []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return io.ErrClosedPipe
	}
	packet := coremidi.NewPacket(msg, 0)
	return o.send(&packet)
}

func (o *output) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}
