package midi

import (
	"sync"

	"github.com/leandrodaf/ump/sdk/contracts"
	"go.uber.org/multierr"
)

// Endpoints is the catalogue of MIDI endpoints known to the active backend.
// It owns one adapter, chosen at construction. When no backend can be
// initialized the registry still works: lists are empty, Backend reports
// false and every Session it makes is dead.
type Endpoints struct {
	logger  contracts.Logger
	adapter contracts.Adapter

	mu        sync.Mutex
	closed    bool
	listeners []contracts.EndpointsListener
	requested map[contracts.Transport]bool
	observed  map[contracts.Transport]bool // service states at the last notification
	sessions  map[*Session]struct{}
}

var serviceTransports = []contracts.Transport{contracts.TransportBytestream, contracts.TransportUMP}

var (
	instanceMu sync.Mutex
	instance   *Endpoints
)

// GetInstance returns the process-wide registry, creating it on first use.
// The options only take effect on that first call.
func GetInstance(opts ...contracts.Option) *Endpoints {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance == nil {
		instance = NewEndpoints(opts...)
	}
	return instance
}

// Shutdown closes the process-wide registry. The next GetInstance creates a new one.
func Shutdown() error {
	instanceMu.Lock()
	e := instance
	instance = nil
	instanceMu.Unlock()

	if e == nil {
		return nil
	}
	return e.Close()
}

// NewEndpoints creates an independent registry.
func NewEndpoints(opts ...contracts.Option) *Endpoints {
	options := applyDefaultOptions(opts...)

	e := &Endpoints{
		logger:    options.Logger,
		requested: make(map[contracts.Transport]bool),
		observed:  make(map[contracts.Transport]bool),
		sessions:  make(map[*Session]struct{}),
	}

	adapter, err := newAdapter(&options, registryNotifier{e})
	if err != nil {
		e.logger.Warn("no MIDI backend available", e.logger.Field().Error("error", err))
		return e
	}

	e.mu.Lock()
	e.adapter = adapter
	for _, t := range serviceTransports {
		e.observed[t] = adapter.IsVirtualServiceActive(t)
	}
	e.mu.Unlock()

	e.logger.Info("MIDI backend initialized", e.logger.Field().String("backend", adapter.Backend().String()))
	return e
}

// Endpoints returns the IDs of all endpoints currently known, in backend order.
func (e *Endpoints) Endpoints() []contracts.EndpointID {
	if e.adapter == nil || e.isClosed() {
		return nil
	}
	return e.adapter.Endpoints()
}

// Endpoint returns a snapshot of an endpoint's metadata.
func (e *Endpoints) Endpoint(id contracts.EndpointID) (contracts.Endpoint, bool) {
	if e.adapter == nil || e.isClosed() {
		return contracts.Endpoint{}, false
	}
	return e.adapter.Endpoint(id)
}

// StaticDeviceInfo returns metadata that does not depend on the endpoint being open.
func (e *Endpoints) StaticDeviceInfo(id contracts.EndpointID) (contracts.StaticDeviceInfo, bool) {
	if e.adapter == nil || e.isClosed() {
		return contracts.StaticDeviceInfo{}, false
	}
	return e.adapter.StaticDeviceInfo(id)
}

// Backend reports the technology in use, or false if no backend is active.
func (e *Endpoints) Backend() (contracts.Backend, bool) {
	if e.adapter == nil {
		return 0, false
	}
	return e.adapter.Backend(), true
}

// AddListener registers l for change notifications. Listeners must be
// comparable, which pointer receivers always are.
func (e *Endpoints) AddListener(l contracts.EndpointsListener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners = append(append([]contracts.EndpointsListener(nil), e.listeners...), l)
}

// RemoveListener unregisters l. It is a no-op if l was never added.
func (e *Endpoints) RemoveListener(l contracts.EndpointsListener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := make([]contracts.EndpointsListener, 0, len(e.listeners))
	for _, existing := range e.listeners {
		if existing != l {
			kept = append(kept, existing)
		}
	}
	e.listeners = kept
}

// MakeSession creates a session. The session is dead when no backend is active.
func (e *Endpoints) MakeSession(name string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.adapter == nil || e.closed {
		return &Session{logger: e.logger}
	}

	s := newSession(name, e.adapter, e.logger, e.forgetSession)
	e.sessions[s] = struct{}{}
	return s
}

// IsVirtualMidiBytestreamServiceActive reports whether legacy virtual ports can be created.
func (e *Endpoints) IsVirtualMidiBytestreamServiceActive() bool {
	return e.serviceActive(contracts.TransportBytestream)
}

// IsVirtualMidiUMPServiceActive reports whether virtual UMP endpoints can be created.
func (e *Endpoints) IsVirtualMidiUMPServiceActive() bool {
	return e.serviceActive(contracts.TransportUMP)
}

// SetVirtualMidiBytestreamServiceActive requests a change of the byte stream
// virtual service. It returns immediately; completion is reported to listeners.
func (e *Endpoints) SetVirtualMidiBytestreamServiceActive(active bool) {
	e.requestService(contracts.TransportBytestream, active)
}

// SetVirtualMidiUMPServiceActive requests a change of the UMP virtual
// service. It returns immediately; completion is reported to listeners.
func (e *Endpoints) SetVirtualMidiUMPServiceActive(active bool) {
	e.requestService(contracts.TransportUMP, active)
}

// Close closes every session made by the registry and then the adapter.
func (e *Endpoints) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := make([]*Session, 0, len(e.sessions))
	for s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.listeners = nil
	e.mu.Unlock()

	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.Close())
	}
	if e.adapter != nil {
		err = multierr.Append(err, e.adapter.Close())
	}
	return err
}

func (e *Endpoints) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Endpoints) serviceActive(t contracts.Transport) bool {
	if e.adapter == nil || e.isClosed() {
		return false
	}
	return e.adapter.IsVirtualServiceActive(t)
}

// requestService forwards an activation request unless it repeats the last
// one. The adapter is called without holding the lock so that it may notify
// synchronously.
func (e *Endpoints) requestService(t contracts.Transport, active bool) {
	if e.adapter == nil {
		return
	}

	current := e.adapter.IsVirtualServiceActive(t)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	last, ok := e.requested[t]
	if !ok {
		last = current
	}
	if last == active {
		e.requested[t] = active
		e.mu.Unlock()
		return
	}
	e.requested[t] = active
	e.mu.Unlock()

	e.logger.Debug("virtual MIDI service requested",
		e.logger.Field().String("transport", t.String()),
		e.logger.Field().Bool("active", active),
	)
	e.adapter.SetVirtualServiceActive(t, active)
}

// resyncRequests takes the reported service states as the last requests for
// the transports whose state changed, leaving requests still in flight on the
// others alone. A notification that changes nothing reports a failed request
// and resets every transport so it can be retried.
func (e *Endpoints) resyncRequests(states map[contracts.Transport]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var changed []contracts.Transport
	for _, t := range serviceTransports {
		if states[t] != e.observed[t] {
			changed = append(changed, t)
		}
	}
	if len(changed) == 0 {
		changed = serviceTransports
	}
	for _, t := range changed {
		e.requested[t] = states[t]
	}
	for t, active := range states {
		e.observed[t] = active
	}
}

func (e *Endpoints) forgetSession(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, s)
}

func (e *Endpoints) snapshotListeners() []contracts.EndpointsListener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listeners
}

// registryNotifier receives adapter events and fans them out to listeners on
// the calling goroutine.
type registryNotifier struct {
	e *Endpoints
}

func (n registryNotifier) EndpointsChanged() {
	for _, l := range n.e.snapshotListeners() {
		l.EndpointsChanged()
	}
}

func (n registryNotifier) VirtualServiceActiveChanged() {
	e := n.e

	e.mu.Lock()
	adapter := e.adapter
	e.mu.Unlock()

	if adapter != nil {
		states := make(map[contracts.Transport]bool, len(serviceTransports))
		for _, t := range serviceTransports {
			states[t] = adapter.IsVirtualServiceActive(t)
		}
		e.resyncRequests(states)
	}

	for _, l := range e.snapshotListeners() {
		l.VirtualMidiServiceActiveChanged()
	}
}

// ListenerFuncs adapts a pair of functions to contracts.EndpointsListener.
// Either function may be nil. Register it by pointer.
type ListenerFuncs struct {
	OnEndpointsChanged                func()
	OnVirtualMidiServiceActiveChanged func()
}

func (l *ListenerFuncs) EndpointsChanged() {
	if l.OnEndpointsChanged != nil {
		l.OnEndpointsChanged()
	}
}

func (l *ListenerFuncs) VirtualMidiServiceActiveChanged() {
	if l.OnVirtualMidiServiceActiveChanged != nil {
		l.OnVirtualMidiServiceActiveChanged()
	}
}
