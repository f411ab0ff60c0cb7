package midi

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/leandrodaf/ump/internal/logger"
	"github.com/leandrodaf/ump/internal/ump"
	"github.com/leandrodaf/ump/sdk/contracts"
	"go.uber.org/multierr"
)

var (
	ErrSessionDead         = errors.New("session is not alive")
	ErrDirectionMismatch   = errors.New("endpoint does not support this direction")
	ErrTooManyBlocks       = errors.New("too many blocks")
	ErrInactiveStaticBlock = errors.New("static block layout with a disabled block")
	ErrInvalidBlock        = errors.New("block group range out of bounds")
	ErrVirtualUnsupported  = errors.New("virtual endpoints are not supported by the backend")
	ErrServiceInactive     = errors.New("virtual MIDI service is not active")
)

type inputKey struct {
	id       contracts.EndpointID
	protocol contracts.PacketProtocol
}

// Session caches the connections opened for one named use of the backend.
// Two connections to the same endpoint (and, for inputs, the same protocol)
// share a native handle, which is closed when the last handle is closed.
//
// Closing the session invalidates every handle it produced.
type Session struct {
	name    string
	adapter contracts.Adapter
	logger  contracts.Logger
	onClose func(*Session)

	mu       sync.Mutex
	closed   bool
	inputs   map[inputKey]*inputEntry
	outputs  map[contracts.EndpointID]*outputEntry
	virtuals map[*virtualEntry]struct{}
}

func newSession(name string, adapter contracts.Adapter, log contracts.Logger, onClose func(*Session)) *Session {
	return &Session{
		name:     name,
		adapter:  adapter,
		logger:   log,
		onClose:  onClose,
		inputs:   make(map[inputKey]*inputEntry),
		outputs:  make(map[contracts.EndpointID]*outputEntry),
		virtuals: make(map[*virtualEntry]struct{}),
	}
}

// IsAlive reports whether the session can create connections.
func (s *Session) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter != nil && !s.closed
}

// Name returns the session name, or an empty string if the session is dead.
func (s *Session) Name() string {
	if !s.IsAlive() {
		return ""
	}
	return s.name
}

// ConnectInput opens an input from id whose packets are delivered in protocol.
// The returned handle is dead if the endpoint cannot send to us.
func (s *Session) ConnectInput(id contracts.EndpointID, protocol contracts.PacketProtocol) *Input {
	entry, err := s.acquireInput(id, protocol)
	if err != nil {
		s.log().Warn("failed to connect input",
			s.log().Field().String("endpoint", id.String()),
			s.log().Field().String("protocol", protocol.String()),
			s.log().Field().Error("error", err),
		)
		return &Input{}
	}
	return &Input{entry: entry, session: s}
}

// ConnectOutput opens an output to id. The returned handle is dead if the
// endpoint cannot receive from us.
func (s *Session) ConnectOutput(id contracts.EndpointID) *Output {
	entry, err := s.acquireOutput(id)
	if err != nil {
		s.log().Warn("failed to connect output",
			s.log().Field().String("endpoint", id.String()),
			s.log().Field().Error("error", err),
		)
		return &Output{}
	}
	return &Output{entry: entry, session: s}
}

// CreateVirtualEndpoint publishes a UMP endpoint owned by this session.
// At most contracts.MaxBlocks blocks are allowed, and a static layout
// requires every block to be enabled.
func (s *Session) CreateVirtualEndpoint(
	name string,
	info contracts.DeviceInfo,
	productInstanceID string,
	protocol contracts.PacketProtocol,
	blocks []contracts.Block,
	static contracts.BlocksAreStatic,
) *VirtualEndpoint {
	cfg := contracts.VirtualEndpointConfig{
		ID:                newVirtualID(),
		Name:              name,
		Device:            info,
		ProductInstanceID: productInstanceID,
		Protocol:          protocol,
		Blocks:            append([]contracts.Block(nil), blocks...),
		Static:            static,
	}

	entry, err := s.createVirtualEndpoint(cfg)
	if err != nil {
		s.log().Warn("failed to create virtual endpoint",
			s.log().Field().String("name", name),
			s.log().Field().Int("blocks", len(blocks)),
			s.log().Field().Error("error", err),
		)
		return &VirtualEndpoint{}
	}
	return &VirtualEndpoint{entry: entry, session: s}
}

// CreateLegacyVirtualInput publishes a single-group MIDI 1.0 port that other
// applications can send to.
func (s *Session) CreateLegacyVirtualInput(name string) *LegacyVirtualInput {
	entry, err := s.createLegacyPort(name, contracts.DirectionInput)
	if err != nil {
		s.log().Warn("failed to create legacy virtual input",
			s.log().Field().String("name", name),
			s.log().Field().Error("error", err),
		)
		return &LegacyVirtualInput{}
	}
	return &LegacyVirtualInput{legacyPort{entry: entry, session: s}}
}

// CreateLegacyVirtualOutput publishes a single-group MIDI 1.0 port that other
// applications can receive from.
func (s *Session) CreateLegacyVirtualOutput(name string) *LegacyVirtualOutput {
	entry, err := s.createLegacyPort(name, contracts.DirectionOutput)
	if err != nil {
		s.log().Warn("failed to create legacy virtual output",
			s.log().Field().String("name", name),
			s.log().Field().Error("error", err),
		)
		return &LegacyVirtualOutput{}
	}
	return &LegacyVirtualOutput{legacyPort{entry: entry, session: s}}
}

// Close invalidates every handle created by the session and closes the
// native connections behind them. Errors from the backend are combined.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.adapter == nil || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var err error
	for key, e := range s.inputs {
		e.alive.Store(false)
		err = multierr.Append(err, e.native.Close())
		delete(s.inputs, key)
	}
	for id, e := range s.outputs {
		err = multierr.Append(err, e.shutdown())
		delete(s.outputs, id)
	}
	virtuals := make([]*virtualEntry, 0, len(s.virtuals))
	for e := range s.virtuals {
		e.alive.Store(false)
		virtuals = append(virtuals, e)
		delete(s.virtuals, e)
	}
	s.mu.Unlock()

	// Removing a virtual endpoint notifies listeners, who may call back in.
	for _, e := range virtuals {
		err = multierr.Append(err, e.native.Close())
	}

	if s.onClose != nil {
		s.onClose(s)
	}
	s.log().Debug("session closed", s.log().Field().String("session", s.name))
	return err
}

func (s *Session) log() contracts.Logger {
	if s.logger == nil {
		return logger.NewNopLogger()
	}
	return s.logger
}

// direction resolves what an endpoint can do, preferring the static device
// information which is available before the endpoint is opened.
func (s *Session) direction(id contracts.EndpointID) (contracts.Direction, error) {
	if info, ok := s.adapter.StaticDeviceInfo(id); ok && info.Direction != contracts.DirectionNone {
		return info.Direction, nil
	}
	if ep, ok := s.adapter.Endpoint(id); ok {
		return ep.Direction, nil
	}
	return contracts.DirectionNone, fmt.Errorf("%w: %s", contracts.ErrUnknownEndpoint, id)
}

func (s *Session) acquireInput(id contracts.EndpointID, protocol contracts.PacketProtocol) (*inputEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.adapter == nil || s.closed {
		return nil, ErrSessionDead
	}

	key := inputKey{id: id, protocol: protocol}
	if e, ok := s.inputs[key]; ok {
		e.refs++
		return e, nil
	}

	dir, err := s.direction(id)
	if err != nil {
		return nil, err
	}
	if !dir.CanInput() {
		return nil, fmt.Errorf("%w: %s is %s", ErrDirectionMismatch, id, dir)
	}

	e := &inputEntry{key: key, converter: ump.NewInputConverter(protocol)}
	e.alive.Store(true)

	native, err := s.adapter.OpenInput(id, e)
	if err != nil {
		e.alive.Store(false)
		return nil, fmt.Errorf("open input %s: %w", id, err)
	}
	e.native = native
	e.refs = 1
	s.inputs[key] = e

	s.log().Debug("input opened",
		s.log().Field().String("endpoint", id.String()),
		s.log().Field().String("protocol", protocol.String()),
	)
	return e, nil
}

func (s *Session) releaseInput(e *inputEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !e.alive.Load() {
		return nil
	}
	if e.refs--; e.refs > 0 {
		return nil
	}

	e.alive.Store(false)
	delete(s.inputs, e.key)
	return e.native.Close()
}

func (s *Session) acquireOutput(id contracts.EndpointID) (*outputEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.adapter == nil || s.closed {
		return nil, ErrSessionDead
	}

	if e, ok := s.outputs[id]; ok {
		e.refs++
		return e, nil
	}

	dir, err := s.direction(id)
	if err != nil {
		return nil, err
	}
	if !dir.CanOutput() {
		return nil, fmt.Errorf("%w: %s is %s", ErrDirectionMismatch, id, dir)
	}

	native, err := s.adapter.OpenOutput(id)
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", id, err)
	}

	e := &outputEntry{
		id:        id,
		refs:      1,
		native:    native,
		converter: ump.NewOutputConverter(native.Format()),
		logger:    s.log(),
	}
	e.alive.Store(true)
	s.outputs[id] = e

	s.log().Debug("output opened", s.log().Field().String("endpoint", id.String()))
	return e, nil
}

func (s *Session) releaseOutput(e *outputEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !e.alive.Load() {
		return nil
	}
	if e.refs--; e.refs > 0 {
		return nil
	}

	delete(s.outputs, e.id)
	return e.shutdown()
}

// validateBlocks checks a block layout for a new virtual endpoint.
func validateBlocks(blocks []contracts.Block, static contracts.BlocksAreStatic) error {
	if len(blocks) > contracts.MaxBlocks {
		return fmt.Errorf("%w: %d > %d", ErrTooManyBlocks, len(blocks), contracts.MaxBlocks)
	}
	for i, b := range blocks {
		if bool(static) && !b.Enabled {
			return fmt.Errorf("%w: block %d", ErrInactiveStaticBlock, i)
		}
		if err := validateBlock(b); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}

func validateBlock(b contracts.Block) error {
	if b.NumGroups == 0 || int(b.FirstGroup)+int(b.NumGroups) > 16 {
		return fmt.Errorf("%w: first group %d, %d groups", ErrInvalidBlock, b.FirstGroup, b.NumGroups)
	}
	return nil
}

func (s *Session) createVirtualEndpoint(cfg contracts.VirtualEndpointConfig) (*virtualEntry, error) {
	if err := validateBlocks(cfg.Blocks, cfg.Static); err != nil {
		return nil, err
	}

	if !s.IsAlive() {
		return nil, ErrSessionDead
	}
	if !s.adapter.Capabilities().VirtualEndpoints {
		return nil, ErrVirtualUnsupported
	}
	if !s.adapter.IsVirtualServiceActive(contracts.TransportUMP) {
		return nil, fmt.Errorf("%w: %s", ErrServiceInactive, contracts.TransportUMP)
	}

	// The adapter announces the endpoint to listeners before returning, so
	// it is called without s.mu.
	native, err := s.adapter.CreateVirtualEndpoint(cfg)
	if err != nil {
		return nil, fmt.Errorf("create virtual endpoint %q: %w", cfg.Name, err)
	}

	e := &virtualEntry{
		id:       native.ID(),
		native:   native,
		endpoint: native,
		static:   bool(cfg.Static),
		blocks:   cfg.Blocks,
	}
	if err := s.adopt(e); err != nil {
		return nil, err
	}

	s.log().Info("virtual endpoint created",
		s.log().Field().String("endpoint", e.id.String()),
		s.log().Field().String("name", cfg.Name),
	)
	return e, nil
}

// legacyEndpointConfig describes the UMP endpoint used in place of a legacy
// port on backends that only publish UMP endpoints: one group, flagged as a
// MIDI 1.0 proxy, receiving for inputs and sending for outputs.
func legacyEndpointConfig(id contracts.EndpointID, name string, dir contracts.Direction) contracts.VirtualEndpointConfig {
	blockDir, hint := contracts.BlockDirectionSender, contracts.BlockUIHintSender
	if dir == contracts.DirectionInput {
		blockDir, hint = contracts.BlockDirectionReceiver, contracts.BlockUIHintReceiver
	}

	block := contracts.Block{}.
		WithName(name).
		WithFirstGroup(0).
		WithNumGroups(1).
		WithMIDI1Proxy(contracts.MIDI1ProxyUnrestrictedBandwidth).
		WithUIHint(hint).
		WithDirection(blockDir).
		WithEnabled(true)

	return contracts.VirtualEndpointConfig{
		ID:       id,
		Name:     name,
		Protocol: contracts.MIDI1,
		Blocks:   []contracts.Block{block},
		Static:   contracts.BlocksStatic,
	}
}

func (s *Session) createLegacyPort(name string, dir contracts.Direction) (*virtualEntry, error) {
	if !s.IsAlive() {
		return nil, ErrSessionDead
	}

	caps := s.adapter.Capabilities()
	id := newVirtualID()

	var e *virtualEntry
	switch {
	case caps.LegacyVirtualPorts:
		if !s.adapter.IsVirtualServiceActive(contracts.TransportBytestream) {
			return nil, fmt.Errorf("%w: %s", ErrServiceInactive, contracts.TransportBytestream)
		}
		port, err := s.adapter.CreateLegacyVirtualPort(id, name, dir)
		if err != nil {
			return nil, fmt.Errorf("create legacy port %q: %w", name, err)
		}
		e = &virtualEntry{id: port.ID(), native: port}

	case caps.VirtualEndpoints:
		if !s.adapter.IsVirtualServiceActive(contracts.TransportUMP) {
			return nil, fmt.Errorf("%w: %s", ErrServiceInactive, contracts.TransportUMP)
		}
		cfg := legacyEndpointConfig(id, name, dir)
		ep, err := s.adapter.CreateVirtualEndpoint(cfg)
		if err != nil {
			return nil, fmt.Errorf("create legacy endpoint %q: %w", name, err)
		}
		e = &virtualEntry{id: ep.ID(), native: ep, static: true, blocks: cfg.Blocks}

	default:
		return nil, ErrVirtualUnsupported
	}

	if err := s.adopt(e); err != nil {
		return nil, err
	}

	s.log().Info("legacy virtual port created",
		s.log().Field().String("endpoint", e.id.String()),
		s.log().Field().String("name", name),
		s.log().Field().String("direction", dir.String()),
	)
	return e, nil
}

// adopt records a virtual entry created by the adapter. If the session was
// closed meanwhile the entry is closed again.
func (s *Session) adopt(e *virtualEntry) error {
	s.mu.Lock()
	if !s.closed {
		e.alive.Store(true)
		s.virtuals[e] = struct{}{}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return multierr.Append(ErrSessionDead, e.native.Close())
}

func (s *Session) releaseVirtual(e *virtualEntry) error {
	if !e.alive.CompareAndSwap(true, false) {
		return nil
	}

	s.mu.Lock()
	delete(s.virtuals, e)
	s.mu.Unlock()

	return e.native.Close()
}

func newVirtualID() contracts.EndpointID {
	return contracts.EndpointID("virtual:" + uuid.NewString())
}
