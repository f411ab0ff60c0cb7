package midi

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/leandrodaf/ump/internal/logger"
	"github.com/leandrodaf/ump/sdk/contracts"
)

var errOpenFailed = errors.New("open failed")

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

type fakeOutput struct {
	format contracts.WireFormat
	mu     sync.Mutex
	words  []uint32
	msgs   [][]byte
	closes int
}

func (o *fakeOutput) Format() contracts.WireFormat { return o.format }

func (o *fakeOutput) SendUMP(words []uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.words = append(o.words, words...)
	return nil
}

func (o *fakeOutput) SendBytes(_ uint8, msg []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, append([]byte(nil), msg...))
	return nil
}

func (o *fakeOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closes++
	return nil
}

type fakeVirtual struct {
	adapter *fakeAdapter
	id      contracts.EndpointID
	blocks  []contracts.Block
}

func (v *fakeVirtual) ID() contracts.EndpointID { return v.id }

func (v *fakeVirtual) SetBlock(i int, b contracts.Block) error {
	v.adapter.mu.Lock()
	defer v.adapter.mu.Unlock()
	v.blocks[i] = b
	return nil
}

func (v *fakeVirtual) Close() error {
	a := v.adapter
	a.mu.Lock()
	a.virtualCloses++
	a.removeLocked(v.id)
	a.mu.Unlock()

	a.notifier.EndpointsChanged()
	return nil
}

type legacyRequest struct {
	name string
	dir  contracts.Direction
}

// fakeAdapter is an in-memory backend that counts every native operation.
type fakeAdapter struct {
	mu       sync.Mutex
	notifier contracts.Notifier

	caps      contracts.Capabilities
	ids       []contracts.EndpointID
	endpoints map[contracts.EndpointID]contracts.Endpoint
	infos     map[contracts.EndpointID]contracts.StaticDeviceInfo
	format    contracts.WireFormat
	openErr   error

	inputOpens  map[contracts.EndpointID]int
	inputCloses map[contracts.EndpointID]int
	sinks       map[contracts.EndpointID]contracts.InputSink
	outputOpens map[contracts.EndpointID]int
	outputs     map[contracts.EndpointID]*fakeOutput

	active          map[contracts.Transport]bool
	activationCalls map[contracts.Transport]int
	asyncActivation bool
	holdActivation  bool
	pending         []func()

	virtualConfigs []contracts.VirtualEndpointConfig
	virtualCloses  int
	legacyPorts    []legacyRequest
	closed         bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		caps:            contracts.Capabilities{VirtualEndpoints: true, LegacyVirtualPorts: true},
		endpoints:       make(map[contracts.EndpointID]contracts.Endpoint),
		infos:           make(map[contracts.EndpointID]contracts.StaticDeviceInfo),
		format:          contracts.WireFormat{Transport: contracts.TransportUMP, Protocol: contracts.MIDI2},
		inputOpens:      make(map[contracts.EndpointID]int),
		inputCloses:     make(map[contracts.EndpointID]int),
		sinks:           make(map[contracts.EndpointID]contracts.InputSink),
		outputOpens:     make(map[contracts.EndpointID]int),
		outputs:         make(map[contracts.EndpointID]*fakeOutput),
		active:          map[contracts.Transport]bool{contracts.TransportBytestream: true, contracts.TransportUMP: true},
		activationCalls: make(map[contracts.Transport]int),
	}
}

func (a *fakeAdapter) addEndpoint(id contracts.EndpointID, dir contracts.Direction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, id)
	a.endpoints[id] = contracts.Endpoint{Name: string(id), Direction: dir, Protocol: contracts.MIDI2}
}

func (a *fakeAdapter) removeLocked(id contracts.EndpointID) {
	for i, existing := range a.ids {
		if existing == id {
			a.ids = append(a.ids[:i:i], a.ids[i+1:]...)
			break
		}
	}
	delete(a.endpoints, id)
}

// newTestEndpoints builds a registry around a.
func newTestEndpoints(t *testing.T, a *fakeAdapter) *Endpoints {
	t.Helper()
	e := NewEndpoints(
		contracts.WithLogger(logger.NewNopLogger()),
		contracts.WithAdapterFactory(func(_ *contracts.Options, n contracts.Notifier) (contracts.Adapter, error) {
			a.notifier = n
			return a, nil
		}),
	)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func (a *fakeAdapter) Backend() contracts.Backend { return contracts.BackendAndroid }

func (a *fakeAdapter) Capabilities() contracts.Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caps
}

func (a *fakeAdapter) Endpoints() []contracts.EndpointID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]contracts.EndpointID(nil), a.ids...)
}

func (a *fakeAdapter) Endpoint(id contracts.EndpointID) (contracts.Endpoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ep, ok := a.endpoints[id]
	return ep, ok
}

func (a *fakeAdapter) StaticDeviceInfo(id contracts.EndpointID) (contracts.StaticDeviceInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, ok := a.infos[id]
	return info, ok
}

func (a *fakeAdapter) OpenInput(id contracts.EndpointID, sink contracts.InputSink) (io.Closer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.openErr != nil {
		return nil, a.openErr
	}
	a.inputOpens[id]++
	a.sinks[id] = sink
	return closeFunc(func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.inputCloses[id]++
		return nil
	}), nil
}

func (a *fakeAdapter) OpenOutput(id contracts.EndpointID) (contracts.NativeOutput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.openErr != nil {
		return nil, a.openErr
	}
	a.outputOpens[id]++
	out := &fakeOutput{format: a.format}
	a.outputs[id] = out
	return out, nil
}

func (a *fakeAdapter) CreateVirtualEndpoint(cfg contracts.VirtualEndpointConfig) (contracts.NativeVirtualEndpoint, error) {
	a.mu.Lock()
	a.virtualConfigs = append(a.virtualConfigs, cfg)
	a.ids = append(a.ids, cfg.ID)
	a.endpoints[cfg.ID] = contracts.Endpoint{
		Name:         cfg.Name,
		Direction:    contracts.DirectionBidirectional,
		Protocol:     cfg.Protocol,
		StaticBlocks: bool(cfg.Static),
		Blocks:       append([]contracts.Block(nil), cfg.Blocks...),
	}
	a.mu.Unlock()

	a.notifier.EndpointsChanged()
	return &fakeVirtual{adapter: a, id: cfg.ID, blocks: append([]contracts.Block(nil), cfg.Blocks...)}, nil
}

func (a *fakeAdapter) CreateLegacyVirtualPort(id contracts.EndpointID, name string, dir contracts.Direction) (contracts.NativeVirtualPort, error) {
	a.mu.Lock()
	a.legacyPorts = append(a.legacyPorts, legacyRequest{name: name, dir: dir})
	a.ids = append(a.ids, id)
	a.endpoints[id] = contracts.Endpoint{Name: name, Direction: dir, Protocol: contracts.MIDI1}
	a.mu.Unlock()

	a.notifier.EndpointsChanged()
	return &fakeVirtual{adapter: a, id: id}, nil
}

func (a *fakeAdapter) IsVirtualServiceActive(t contracts.Transport) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active[t]
}

// SetVirtualServiceActive completes on another goroutine when asyncActivation
// is set, like a backend waiting for a system service to bind. With
// holdActivation the request waits for releaseActivations.
func (a *fakeAdapter) SetVirtualServiceActive(t contracts.Transport, active bool) {
	complete := func() {
		a.mu.Lock()
		a.active[t] = active
		a.mu.Unlock()
		a.notifier.VirtualServiceActiveChanged()
	}

	a.mu.Lock()
	a.activationCalls[t]++
	async, hold := a.asyncActivation, a.holdActivation
	if hold {
		a.pending = append(a.pending, complete)
	}
	a.mu.Unlock()

	switch {
	case hold:
	case async:
		go complete()
	default:
		complete()
	}
}

// setActive changes a service state behind the registry's back and reports it.
func (a *fakeAdapter) setActive(t contracts.Transport, active bool) {
	a.mu.Lock()
	a.active[t] = active
	a.mu.Unlock()
	a.notifier.VirtualServiceActiveChanged()
}

func (a *fakeAdapter) releaseActivations() {
	a.mu.Lock()
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	for _, complete := range pending {
		complete()
	}
}

func (a *fakeAdapter) calls(t contracts.Transport) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activationCalls[t]
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fakeAdapter) counts(id contracts.EndpointID) (opens, closes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inputOpens[id], a.inputCloses[id]
}

func (a *fakeAdapter) sink(id contracts.EndpointID) contracts.InputSink {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sinks[id]
}
