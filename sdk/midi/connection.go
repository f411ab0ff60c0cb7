package midi

import (
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leandrodaf/ump/internal/ump"
	"github.com/leandrodaf/ump/sdk/contracts"
)

type consumerRef struct {
	owner    *Input
	consumer contracts.Consumer
}

// inputEntry is the cached native input shared by every Input handle for one
// (endpoint, protocol) pair. It is the sink the adapter delivers to.
type inputEntry struct {
	key    inputKey
	refs   int // guarded by Session.mu
	native io.Closer
	alive  atomic.Bool

	mu        sync.Mutex
	converter *ump.InputConverter
	consumers []consumerRef // copy on write
}

// PushUMP converts each packet to the entry's protocol by its message type,
// whatever protocol the adapter reports for the endpoint.
func (e *inputEntry) PushUMP(words []uint32, _ contracts.PacketProtocol, at time.Time) {
	if !e.alive.Load() {
		return
	}

	e.mu.Lock()
	out := e.converter.AppendUMP(nil, words)
	consumers := e.consumers
	e.mu.Unlock()

	deliver(consumers, out, at)
}

func (e *inputEntry) PushBytes(group uint8, data []byte, at time.Time) {
	if !e.alive.Load() {
		return
	}

	e.mu.Lock()
	out := e.converter.AppendBytes(nil, group, data)
	consumers := e.consumers
	e.mu.Unlock()

	deliver(consumers, out, at)
}

func deliver(consumers []consumerRef, words []uint32, at time.Time) {
	if len(words) == 0 {
		return
	}
	for _, ref := range consumers {
		ref.consumer.Consume(words, at)
	}
}

func (e *inputEntry) addConsumer(owner *Input, c contracts.Consumer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make([]consumerRef, 0, len(e.consumers)+1)
	next = append(next, e.consumers...)
	e.consumers = append(next, consumerRef{owner: owner, consumer: c})
}

func (e *inputEntry) removeConsumers(match func(consumerRef) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make([]consumerRef, 0, len(e.consumers))
	for _, ref := range e.consumers {
		if !match(ref) {
			next = append(next, ref)
		}
	}
	e.consumers = next
}

// sameConsumer compares consumers without panicking on uncomparable
// dynamic types such as contracts.ConsumerFunc.
func sameConsumer(a, b contracts.Consumer) bool {
	ta := reflect.TypeOf(a)
	if ta == nil || ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// Input receives packets from an endpoint. The zero value is a dead handle.
type Input struct {
	entry   *inputEntry
	session *Session
	closed  atomic.Bool
}

// IsAlive reports whether the input is connected.
func (in *Input) IsAlive() bool {
	return in.entry != nil && !in.closed.Load() && in.entry.alive.Load()
}

// EndpointID returns the endpoint the input is connected to.
func (in *Input) EndpointID() contracts.EndpointID {
	if in.entry == nil {
		return ""
	}
	return in.entry.key.id
}

// Protocol returns the protocol packets are delivered in.
func (in *Input) Protocol() contracts.PacketProtocol {
	if in.entry == nil {
		return contracts.MIDI1
	}
	return in.entry.key.protocol
}

// AddConsumer registers c to receive packets. Consumers run on a backend
// goroutine and must not retain or modify the words they are given.
func (in *Input) AddConsumer(c contracts.Consumer) {
	if !in.IsAlive() || c == nil {
		return
	}
	in.entry.addConsumer(in, c)
}

// RemoveConsumer unregisters c. Function consumers cannot be compared and
// are only removed when the input is closed.
func (in *Input) RemoveConsumer(c contracts.Consumer) {
	if in.entry == nil {
		return
	}
	in.entry.removeConsumers(func(ref consumerRef) bool {
		return ref.owner == in && sameConsumer(ref.consumer, c)
	})
}

// Close detaches the input's consumers and releases the native connection
// when no other handle uses it.
func (in *Input) Close() error {
	if in.entry == nil || !in.closed.CompareAndSwap(false, true) {
		return nil
	}
	in.entry.removeConsumers(func(ref consumerRef) bool { return ref.owner == in })
	return in.session.releaseInput(in.entry)
}

// outputEntry is the cached native output shared by Output handles for one endpoint.
type outputEntry struct {
	id     contracts.EndpointID
	refs   int // guarded by Session.mu
	native contracts.NativeOutput
	alive  atomic.Bool
	logger contracts.Logger

	mu        sync.Mutex
	converter *ump.OutputConverter
}

func (e *outputEntry) send(words []uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.alive.Load() {
		return false
	}
	if err := e.converter.Send(words, e.native); err != nil {
		e.logger.Warn("failed to send packets",
			e.logger.Field().String("endpoint", e.id.String()),
			e.logger.Field().Error("error", err),
		)
		return false
	}
	return true
}

// shutdown waits for an in-flight send before closing the native output.
func (e *outputEntry) shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.alive.Store(false)
	return e.native.Close()
}

// Output sends packets to an endpoint. The zero value is a dead handle.
type Output struct {
	entry   *outputEntry
	session *Session
	closed  atomic.Bool
}

// IsAlive reports whether the output is connected.
func (o *Output) IsAlive() bool {
	return o.entry != nil && !o.closed.Load() && o.entry.alive.Load()
}

// EndpointID returns the endpoint the output is connected to.
func (o *Output) EndpointID() contracts.EndpointID {
	if o.entry == nil {
		return ""
	}
	return o.entry.id
}

// Send writes whole UMP packets, converting them to what the endpoint
// expects. It returns false if the output is dead or the backend failed.
func (o *Output) Send(words []uint32) bool {
	if !o.IsAlive() {
		return false
	}
	return o.entry.send(words)
}

// Close releases the native connection when no other handle uses it.
func (o *Output) Close() error {
	if o.entry == nil || !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	return o.session.releaseOutput(o.entry)
}

// virtualEntry is a published virtual endpoint or legacy port.
type virtualEntry struct {
	id       contracts.EndpointID
	native   io.Closer
	endpoint contracts.NativeVirtualEndpoint // nil for legacy ports
	static   bool
	alive    atomic.Bool

	mu     sync.Mutex
	blocks []contracts.Block
}

// VirtualEndpoint is a UMP endpoint published by this process. The zero
// value is a dead handle.
type VirtualEndpoint struct {
	entry   *virtualEntry
	session *Session
}

func (v *VirtualEndpoint) IsAlive() bool {
	return v.entry != nil && v.entry.alive.Load()
}

// ID returns the endpoint's ID as listed by the registry.
func (v *VirtualEndpoint) ID() contracts.EndpointID {
	if v.entry == nil {
		return ""
	}
	return v.entry.id
}

// Blocks returns a copy of the current block layout.
func (v *VirtualEndpoint) Blocks() []contracts.Block {
	if v.entry == nil {
		return nil
	}
	v.entry.mu.Lock()
	defer v.entry.mu.Unlock()
	return append([]contracts.Block(nil), v.entry.blocks...)
}

// SetBlock replaces block i. It fails for static layouts, for indices
// outside the layout and for blocks with an invalid group range.
func (v *VirtualEndpoint) SetBlock(i int, b contracts.Block) bool {
	if !v.IsAlive() || v.entry.static || v.entry.endpoint == nil {
		return false
	}
	if validateBlock(b) != nil {
		return false
	}

	v.entry.mu.Lock()
	defer v.entry.mu.Unlock()

	if i < 0 || i >= len(v.entry.blocks) {
		return false
	}
	if err := v.entry.endpoint.SetBlock(i, b); err != nil {
		v.session.log().Warn("failed to update block",
			v.session.log().Field().String("endpoint", v.entry.id.String()),
			v.session.log().Field().Int("block", i),
			v.session.log().Field().Error("error", err),
		)
		return false
	}
	v.entry.blocks[i] = b
	return true
}

// Close withdraws the endpoint.
func (v *VirtualEndpoint) Close() error {
	if v.entry == nil {
		return nil
	}
	return v.session.releaseVirtual(v.entry)
}

type legacyPort struct {
	entry   *virtualEntry
	session *Session
}

func (p *legacyPort) IsAlive() bool {
	return p.entry != nil && p.entry.alive.Load()
}

// EndpointID returns the ID under which the port is listed by the registry.
func (p *legacyPort) EndpointID() contracts.EndpointID {
	if p.entry == nil {
		return ""
	}
	return p.entry.id
}

func (p *legacyPort) Close() error {
	if p.entry == nil {
		return nil
	}
	return p.session.releaseVirtual(p.entry)
}

// LegacyVirtualInput is a MIDI 1.0 port other applications can send to.
// Connect an Input to its EndpointID to receive. The zero value is a dead handle.
type LegacyVirtualInput struct {
	legacyPort
}

// LegacyVirtualOutput is a MIDI 1.0 port other applications can receive
// from. Connect an Output to its EndpointID to send. The zero value is a dead handle.
type LegacyVirtualOutput struct {
	legacyPort
}
