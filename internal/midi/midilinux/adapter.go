package midilinux

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/leandrodaf/ump/internal/midi/fanout"
	"github.com/leandrodaf/ump/internal/midi/portmap"
	"github.com/leandrodaf/ump/internal/midi/rescan"
	"github.com/leandrodaf/ump/sdk/contracts"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"go.uber.org/multierr"
)

const idPrefix = "alsa:"

// portDriver is the part of rtmididrv.Driver the adapter uses.
type portDriver interface {
	Ins() ([]drivers.In, error)
	Outs() ([]drivers.Out, error)
	OpenVirtualIn(name string) (drivers.In, error)
	OpenVirtualOut(name string) (drivers.Out, error)
	Close() error
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Adapter exposes ALSA sequencer ports through rtmidi.
type Adapter struct {
	logger   contracts.Logger
	notifier contracts.Notifier
	drv      portDriver
	caps     sequencerCaps
	ids      *portmap.Allocator

	mu       sync.Mutex
	ports    []portmap.Port
	ins      []drivers.In
	outs     []drivers.Out
	inputs   map[contracts.EndpointID]*fanout.Shared
	outputs  map[contracts.EndpointID]*sharedOutput
	virtuals map[contracts.EndpointID]*virtualPort
	order    []contracts.EndpointID // virtual endpoints in creation order

	seen rescan.Snapshot[contracts.EndpointID]
	loop *rescan.Loop
}

func newAdapter(opts *contracts.Options, n contracts.Notifier, drv portDriver, caps sequencerCaps) *Adapter {
	a := &Adapter{
		logger:   opts.Logger,
		notifier: n,
		drv:      drv,
		caps:     caps,
		ids:      portmap.NewAllocator(idPrefix),
		inputs:   make(map[contracts.EndpointID]*fanout.Shared),
		outputs:  make(map[contracts.EndpointID]*sharedOutput),
		virtuals: make(map[contracts.EndpointID]*virtualPort),
	}
	a.seen.Update(a.refresh())
	a.loop = rescan.Start(opts.RescanInterval, a.rescan, n.EndpointsChanged)
	return a
}

func (a *Adapter) Backend() contracts.Backend { return contracts.BackendALSA }

func (a *Adapter) Capabilities() contracts.Capabilities {
	return contracts.Capabilities{
		VirtualEndpoints:   a.caps.ump,
		LegacyVirtualPorts: a.caps.present,
	}
}

// refresh re-reads the port lists and returns the hardware endpoint IDs.
// Cached connections of endpoints that are gone are forgotten; handles still
// holding them keep working until closed.
func (a *Adapter) refresh() []contracts.EndpointID {
	ins, err := a.drv.Ins()
	if err != nil {
		a.logger.Error("failed to list inputs", a.logger.Field().Error("error", err))
	}
	outs, err := a.drv.Outs()
	if err != nil {
		a.logger.Error("failed to list outputs", a.logger.Field().Error("error", err))
	}

	inNames := make([]string, len(ins))
	for i, in := range ins {
		inNames[i] = in.String()
	}
	outNames := make([]string, len(outs))
	for i, out := range outs {
		outNames[i] = out.String()
	}
	ports := a.ids.Assign(inNames, outNames)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.ports, a.ins, a.outs = ports, ins, outs
	for id := range a.inputs {
		if _, ok := portmap.Find(ports, id); !ok {
			delete(a.inputs, id)
		}
	}
	for id := range a.outputs {
		if _, ok := portmap.Find(ports, id); !ok {
			delete(a.outputs, id)
		}
	}
	return portmap.IDs(ports)
}

func (a *Adapter) rescan() bool {
	return a.seen.Update(a.refresh())
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
		return v.endpoint.Clone(), true
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
		return v.info, true
	}
	if p, ok := portmap.Find(a.ports, id); ok {
		return p.StaticDeviceInfo(""), true
	}
	return contracts.StaticDeviceInfo{}, false
}

// currentIn returns the rtmidi input listed for id by the latest scan.
// rtmidi opens ports by number, so the port must be looked up at open time.
func (a *Adapter) currentIn(id contracts.EndpointID) (drivers.In, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := portmap.Find(a.ports, id)
	if !ok || p.In < 0 {
		return nil, "", fmt.Errorf("%w: %s", contracts.ErrUnknownEndpoint, id)
	}
	return a.ins[p.In], p.Name, nil
}

func (a *Adapter) currentOut(id contracts.EndpointID) (drivers.Out, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := portmap.Find(a.ports, id)
	if !ok || p.Out < 0 {
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownEndpoint, id)
	}
	return a.outs[p.Out], nil
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

// sharedInput returns the fan-out for id, creating it for hardware ports.
// Called with a.mu held.
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
		in, name, err := a.currentIn(id)
		if err != nil {
			return nil, err
		}
		if err := in.Open(); err != nil {
			return nil, fmt.Errorf("open %q: %w", name, err)
		}
		stop, err := a.listen(in, name, sink)
		if err != nil {
			_ = in.Close()
			return nil, err
		}
		return closerFunc(func() error {
			stop()
			return in.Close()
		}), nil
	})
	a.inputs[id] = shared
	return shared, nil
}

// listen delivers complete MIDI 1.0 messages from in to sink.
func (a *Adapter) listen(in drivers.In, name string, sink contracts.InputSink) (func(), error) {
	stop, err := midi.ListenTo(in, func(msg midi.Message, _ int32) {
		sink.PushBytes(0, msg, time.Now())
	},
		midi.UseSysEx(),
		midi.UseTimeCode(),
		midi.UseActiveSense(),
		midi.HandleError(func(err error) {
			a.logger.Warn("input error",
				a.logger.Field().String("port", name),
				a.logger.Field().Error("error", err),
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", name, err)
	}
	return stop, nil
}

func (a *Adapter) OpenOutput(id contracts.EndpointID) (contracts.NativeOutput, error) {
	a.mu.Lock()
	shared, err := a.sharedOutput(id)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return shared.acquire()
}

// sharedOutput is called with a.mu held.
func (a *Adapter) sharedOutput(id contracts.EndpointID) (*sharedOutput, error) {
	if v, ok := a.virtuals[id]; ok {
		if v.out == nil {
			return nil, fmt.Errorf("%w: %s does not send", contracts.ErrUnsupported, id)
		}
		return v.out, nil
	}
	if shared, ok := a.outputs[id]; ok {
		return shared, nil
	}

	p, ok := portmap.Find(a.ports, id)
	if !ok || p.Out < 0 {
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownEndpoint, id)
	}
	shared := &sharedOutput{name: p.Name, resolve: func() (drivers.Out, error) { return a.currentOut(id) }}
	a.outputs[id] = shared
	return shared, nil
}

func (a *Adapter) CreateLegacyVirtualPort(id contracts.EndpointID, name string, dir contracts.Direction) (contracts.NativeVirtualPort, error) {
	if !a.caps.present {
		return nil, fmt.Errorf("%w: %v", contracts.ErrUnsupported, ErrNoSequencer)
	}

	v, err := a.openVirtual(name, dir)
	if err != nil {
		return nil, err
	}
	v.id = id
	v.endpoint = contracts.Endpoint{
		Name:         name,
		Direction:    dir,
		Protocol:     contracts.MIDI1,
		MIDI1Support: true,
	}
	v.info = contracts.StaticDeviceInfo{
		Name:      name,
		Product:   name,
		Transport: contracts.TransportBytestream,
		Direction: dir,
	}

	a.register(v)
	return &nativeVirtual{adapter: a, id: id}, nil
}

// CreateVirtualEndpoint requires a UMP capable sequencer. rtmidi speaks MIDI
// 1.0 only, so the endpoint's traffic is carried by a virtual port pair and
// the block layout is kept as metadata.
func (a *Adapter) CreateVirtualEndpoint(cfg contracts.VirtualEndpointConfig) (contracts.NativeVirtualEndpoint, error) {
	if !a.caps.ump {
		return nil, fmt.Errorf("%w: sequencer %s has no UMP support", contracts.ErrUnsupported, a.caps)
	}

	dir := blocksDirection(cfg.Blocks)
	v, err := a.openVirtual(cfg.Name, dir)
	if err != nil {
		return nil, err
	}
	v.id = cfg.ID
	v.endpoint = contracts.Endpoint{
		Name:              cfg.Name,
		Direction:         dir,
		Protocol:          cfg.Protocol,
		ProductInstanceID: cfg.ProductInstanceID,
		MIDI1Support:      true,
		MIDI2Support:      cfg.Protocol == contracts.MIDI2,
		StaticBlocks:      bool(cfg.Static),
		Blocks:            append([]contracts.Block(nil), cfg.Blocks...),
	}
	v.info = contracts.StaticDeviceInfo{
		Name:      cfg.Name,
		Product:   cfg.Name,
		Transport: contracts.TransportUMP,
		Direction: dir,
		Device:    cfg.Device,
	}

	a.register(v)
	return &nativeVirtual{adapter: a, id: cfg.ID}, nil
}

// blocksDirection is what a client can do with an endpoint whose blocks
// declare the given directions. Blocks without a declared direction count as
// bidirectional.
func blocksDirection(blocks []contracts.Block) contracts.Direction {
	var in, out bool
	for _, b := range blocks {
		switch b.Direction {
		case contracts.BlockDirectionSender:
			in = true
		case contracts.BlockDirectionReceiver:
			out = true
		default:
			in, out = true, true
		}
	}
	switch {
	case in && out, len(blocks) == 0:
		return contracts.DirectionBidirectional
	case in:
		return contracts.DirectionInput
	}
	return contracts.DirectionOutput
}

// openVirtual creates the rtmidi ports for a virtual endpoint. A port the
// client receives on is a virtual input that other applications send to.
func (a *Adapter) openVirtual(name string, dir contracts.Direction) (*virtualPort, error) {
	v := &virtualPort{}

	if dir.CanInput() {
		in, err := a.drv.OpenVirtualIn(name)
		if err != nil {
			return nil, fmt.Errorf("virtual input %q: %w", name, err)
		}
		v.in = in
		v.inputs = fanout.NewShared(func(sink contracts.InputSink) (io.Closer, error) {
			stop, err := a.listen(in, name, sink)
			if err != nil {
				return nil, err
			}
			return closerFunc(func() error { stop(); return nil }), nil
		})
	}

	if dir.CanOutput() {
		out, err := a.drv.OpenVirtualOut(name)
		if err != nil {
			var closeErr error
			if v.in != nil {
				closeErr = v.in.Close()
			}
			return nil, multierr.Append(fmt.Errorf("virtual output %q: %w", name, err), closeErr)
		}
		v.out = &sharedOutput{out: out, name: name, virtual: true}
	}
	return v, nil
}

func (a *Adapter) register(v *virtualPort) {
	a.mu.Lock()
	a.virtuals[v.id] = v
	a.order = append(a.order, v.id)
	a.mu.Unlock()

	a.logger.Info("virtual port published",
		a.logger.Field().String("endpoint", v.id.String()),
		a.logger.Field().String("name", v.endpoint.Name),
	)
	a.notifier.EndpointsChanged()
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

func (a *Adapter) setBlock(id contracts.EndpointID, i int, b contracts.Block) error {
	a.mu.Lock()
	v, ok := a.virtuals[id]
	if !ok || i < 0 || i >= len(v.endpoint.Blocks) {
		a.mu.Unlock()
		return fmt.Errorf("%w: block %d of %s", contracts.ErrUnknownEndpoint, i, id)
	}
	v.endpoint.Blocks[i] = b
	a.mu.Unlock()

	a.notifier.EndpointsChanged()
	return nil
}

// IsVirtualServiceActive is constant: ALSA has no service to start.
func (a *Adapter) IsVirtualServiceActive(contracts.Transport) bool { return a.caps.present }

func (a *Adapter) SetVirtualServiceActive(t contracts.Transport, _ bool) {
	a.logger.Debug("virtual service state is fixed on ALSA", a.logger.Field().String("transport", t.String()))
}

func (a *Adapter) Close() error {
	a.loop.Stop()

	a.mu.Lock()
	inputs, outputs, virtuals := a.inputs, a.outputs, a.virtuals
	a.inputs = make(map[contracts.EndpointID]*fanout.Shared)
	a.outputs = make(map[contracts.EndpointID]*sharedOutput)
	a.virtuals = make(map[contracts.EndpointID]*virtualPort)
	a.order = nil
	a.mu.Unlock()

	var err error
	for _, shared := range inputs {
		err = multierr.Append(err, shared.Close())
	}
	for _, shared := range outputs {
		err = multierr.Append(err, shared.closeAll())
	}
	for _, v := range virtuals {
		err = multierr.Append(err, v.close())
	}
	return multierr.Append(err, a.drv.Close())
}

type virtualPort struct {
	id       contracts.EndpointID
	endpoint contracts.Endpoint
	info     contracts.StaticDeviceInfo
	in       drivers.In
	inputs   *fanout.Shared
	out      *sharedOutput
}

func (v *virtualPort) close() error {
	var err error
	if v.inputs != nil {
		err = multierr.Append(err, v.inputs.Close())
		err = multierr.Append(err, v.in.Close())
	}
	if v.out != nil {
		err = multierr.Append(err, v.out.closeAll())
	}
	return err
}

type nativeVirtual struct {
	adapter *Adapter
	id      contracts.EndpointID
	once    sync.Once
}

func (n *nativeVirtual) ID() contracts.EndpointID { return n.id }

func (n *nativeVirtual) SetBlock(i int, b contracts.Block) error {
	return n.adapter.setBlock(n.id, i, b)
}

func (n *nativeVirtual) Close() error {
	var err error
	n.once.Do(func() { err = n.adapter.removeVirtual(n.id) })
	return err
}

// sharedOutput reference-counts an rtmidi output between sessions. Hardware
// outputs resolve their port on every first open. Virtual outputs are opened
// at creation and only closed with their endpoint.
type sharedOutput struct {
	mu      sync.Mutex
	out     drivers.Out
	resolve func() (drivers.Out, error)
	name    string
	refs    int
	virtual bool
}

func (s *sharedOutput) acquire() (contracts.NativeOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 && !s.virtual {
		out, err := s.resolve()
		if err != nil {
			return nil, err
		}
		if err := out.Open(); err != nil {
			return nil, fmt.Errorf("open %q: %w", s.name, err)
		}
		s.out = out
	}
	s.refs++
	return &portOutput{shared: s}, nil
}

func (s *sharedOutput) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		return nil
	}
	if s.refs--; s.refs > 0 || s.virtual {
		return nil
	}
	return s.out.Close()
}

func (s *sharedOutput) closeAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 && !s.virtual {
		return nil
	}
	s.refs = 0
	return s.out.Close()
}

func (s *sharedOutput) send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		return io.ErrClosedPipe
	}
	return s.out.Send(msg)
}

type portOutput struct {
	shared *sharedOutput
	once   sync.Once
}

func (o *portOutput) Format() contracts.WireFormat {
	return contracts.WireFormat{Transport: contracts.TransportBytestream}
}

func (o *portOutput) SendUMP([]uint32) error { return contracts.ErrUnsupported }

// SendBytes writes msg to the port. ALSA MIDI 1.0 ports carry one group, so
// every group is sent to the same port.
func (o *portOutput) SendBytes(_ uint8, msg []byte) error {
	return o.shared.send(msg)
}

func (o *portOutput) Close() error {
	var err error
	o.once.Do(func() { err = o.shared.release() })
	return err
}
