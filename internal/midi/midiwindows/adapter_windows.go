//go:build windows
// +build windows

package midiwindows

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/leandrodaf/ump/internal/midi/fanout"
	"github.com/leandrodaf/ump/internal/midi/portmap"
	"github.com/leandrodaf/ump/internal/midi/rescan"
	"github.com/leandrodaf/ump/sdk/contracts"
	"go.uber.org/multierr"
	"golang.org/x/sys/windows"
)

// Type definitions for MIDI handles
type (
	HMIDIIN  windows.Handle
	HMIDIOUT windows.Handle
)

// Constants for callback flags
const (
	CALLBACK_FUNCTION = 0x00030000 // Indicates that the callback is a function
	MIDI_IO_STATUS    = 0x00000020 // MIDI input/output status
)

// Constants for MIDI message types
const (
	MIM_OPEN      = 0x3C1 // MIDI device opened
	MIM_CLOSE     = 0x3C2 // MIDI device closed
	MIM_DATA      = 0x3C3 // MIDI data received
	MIM_LONGDATA  = 0x3C4 // System exclusive buffer returned
	MIM_ERROR     = 0x3C5 // MIDI error
	MIM_LONGERROR = 0x3C6 // Long MIDI error
	MIM_MOREDATA  = 0x3CC // More MIDI data available
)

const (
	mhdrDone       = 0x00000001
	midiHdrSize    = unsafe.Sizeof(midiHdr{})
	longMsgTimeout = time.Second
	idPrefix       = "winmm:"

	sysexBuffers    = 4
	sysexBufferSize = 4096
)

var errLongMsgTimeout = errors.New("system exclusive message not completed")

// Struct representing MIDI device capabilities
type midiInCaps struct {
	wMid           uint16
	wPid           uint16
	vDriverVersion uint32
	szPname        [32]uint16
	dwSupport      uint32
}

type midiOutCaps struct {
	wMid           uint16
	wPid           uint16
	vDriverVersion uint32
	szPname        [32]uint16
	wTechnology    uint16
	wVoices        uint16
	wNotes         uint16
	wChannelMask   uint16
	dwSupport      uint32
}

type midiHdr struct {
	lpData          uintptr
	dwBufferLength  uint32
	dwBytesRecorded uint32
	dwUser          uintptr
	dwFlags         uint32
	lpNext          uintptr
	reserved        uintptr
	dwOffset        uint32
	dwReserved      [8]uintptr
}

// Load the winmm.dll library and required functions
var (
	winmm                      = windows.NewLazySystemDLL("winmm.dll")
	procMidiInGetNumDevs       = winmm.NewProc("midiInGetNumDevs")
	procMidiInGetDevCaps       = winmm.NewProc("midiInGetDevCapsW")
	procMidiInOpen             = winmm.NewProc("midiInOpen")
	procMidiInStart            = winmm.NewProc("midiInStart")
	procMidiInStop             = winmm.NewProc("midiInStop")
	procMidiInClose            = winmm.NewProc("midiInClose")
	procMidiInReset            = winmm.NewProc("midiInReset")
	procMidiInPrepareHeader    = winmm.NewProc("midiInPrepareHeader")
	procMidiInUnprepareHeader  = winmm.NewProc("midiInUnprepareHeader")
	procMidiInAddBuffer        = winmm.NewProc("midiInAddBuffer")
	procMidiOutGetNumDevs      = winmm.NewProc("midiOutGetNumDevs")
	procMidiOutGetDevCaps      = winmm.NewProc("midiOutGetDevCapsW")
	procMidiOutOpen            = winmm.NewProc("midiOutOpen")
	procMidiOutShortMsg        = winmm.NewProc("midiOutShortMsg")
	procMidiOutLongMsg         = winmm.NewProc("midiOutLongMsg")
	procMidiOutPrepareHeader   = winmm.NewProc("midiOutPrepareHeader")
	procMidiOutUnprepareHeader = winmm.NewProc("midiOutUnprepareHeader")
	procMidiOutClose           = winmm.NewProc("midiOutClose")
)

// WinMM calls back with an instance value. It carries an ID from this table
// rather than a Go pointer.
var (
	callbackOnce sync.Once
	callbackPtr  uintptr

	handlesMu  sync.Mutex
	nextHandle uintptr
	handles    = map[uintptr]*nativeInput{}
)

func registerInput(in *nativeInput) uintptr {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	nextHandle++
	handles[nextHandle] = in
	return nextHandle
}

func unregisterInput(id uintptr) {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	delete(handles, id)
}

func lookupInput(id uintptr) *nativeInput {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	return handles[id]
}

// midiInCallback processes incoming MIDI messages
func midiInCallback(hMidiIn uintptr, wMsg uint32, dwInstance uintptr, dwParam1 uintptr, dwParam2 uintptr) uintptr {
	in := lookupInput(dwInstance)
	if in == nil {
		return 0
	}

	switch wMsg {
	case MIM_DATA:
		if msg := unpackShortMessage(uint32(dwParam1)); msg != nil {
			in.sink.PushBytes(0, msg, time.Now())
		}
	case MIM_ERROR, MIM_LONGERROR:
		in.logger.Warn("MIDI input error",
			in.logger.Field().String("port", in.name),
			in.logger.Field().Int("message", int(wMsg)),
		)
	case MIM_LONGDATA:
		in.longData(dwParam1)
	case MIM_OPEN, MIM_CLOSE, MIM_MOREDATA:
	default:
		in.logger.Debug("unknown MIDI message", in.logger.Field().Int("message", int(wMsg)))
	}
	return 0
}

func mmError(op string, r1 uintptr) error {
	return fmt.Errorf("%s failed: MMRESULT %d", op, r1)
}

// Adapter exposes WinMM devices as MIDI 1.0 endpoints.
type Adapter struct {
	logger   contracts.Logger
	notifier contracts.Notifier
	longMsg  bool // system exclusive output
	longIn   bool // system exclusive input
	ids      *portmap.Allocator

	mu      sync.Mutex
	ports   []portmap.Port
	inputs  map[contracts.EndpointID]*fanout.Shared
	outputs map[contracts.EndpointID]*sharedOutput

	seen rescan.Snapshot[contracts.EndpointID]
	loop *rescan.Loop
}

// NewAdapter checks that winmm.dll exports the MIDI API.
func NewAdapter(opts *contracts.Options, n contracts.Notifier) (contracts.Adapter, error) {
	for _, proc := range []*windows.LazyProc{procMidiInOpen, procMidiOutOpen, procMidiOutShortMsg} {
		if err := proc.Find(); err != nil {
			return nil, fmt.Errorf("winmm: %w", err)
		}
	}
	callbackOnce.Do(func() { callbackPtr = windows.NewCallback(midiInCallback) })

	a := &Adapter{
		logger:   opts.Logger,
		notifier: n,
		longMsg: procMidiOutLongMsg.Find() == nil &&
			procMidiOutPrepareHeader.Find() == nil &&
			procMidiOutUnprepareHeader.Find() == nil,
		longIn: procMidiInReset.Find() == nil &&
			procMidiInPrepareHeader.Find() == nil &&
			procMidiInUnprepareHeader.Find() == nil &&
			procMidiInAddBuffer.Find() == nil,
		ids:     portmap.NewAllocator(idPrefix),
		inputs:  make(map[contracts.EndpointID]*fanout.Shared),
		outputs: make(map[contracts.EndpointID]*sharedOutput),
	}
	a.seen.Update(a.refresh())
	a.loop = rescan.Start(opts.RescanInterval, a.rescan, n.EndpointsChanged)

	a.logger.Info("MIDI client created for Windows", 
		a.logger.Field().Bool("sysex_out", a.longMsg),
		a.logger.Field().Bool("sysex_in", a.longIn),
	)
	return a, nil
}

func (a *Adapter) Backend() contracts.Backend { return contracts.BackendWinMM }

func (a *Adapter) Capabilities() contracts.Capabilities { return contracts.Capabilities{} }

func deviceNames(count *windows.LazyProc, caps *windows.LazyProc, capsSize uintptr, name func(unsafe.Pointer) []uint16, buf unsafe.Pointer) []string {
	r0, _, _ := count.Call()
	names := make([]string, 0, int(r0))
	for i := uintptr(0); i < r0; i++ {
		if r1, _, _ := caps.Call(i, uintptr(buf), capsSize); r1 != 0 {
			names = append(names, fmt.Sprintf("MIDI device %d", i))
			continue
		}
		names = append(names, windows.UTF16ToString(name(buf)))
	}
	return names
}

func (a *Adapter) refresh() []contracts.EndpointID {
	var inCaps midiInCaps
	ins := deviceNames(procMidiInGetNumDevs, procMidiInGetDevCaps, unsafe.Sizeof(inCaps),
		func(p unsafe.Pointer) []uint16 { return (*midiInCaps)(p).szPname[:] }, unsafe.Pointer(&inCaps))

	var outCaps midiOutCaps
	outs := deviceNames(procMidiOutGetNumDevs, procMidiOutGetDevCaps, unsafe.Sizeof(outCaps),
		func(p unsafe.Pointer) []uint16 { return (*midiOutCaps)(p).szPname[:] }, unsafe.Pointer(&outCaps))

	ports := a.ids.Assign(ins, outs)

	a.mu.Lock()
	a.ports = ports
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
	a.mu.Unlock()
	return portmap.IDs(ports)
}

func (a *Adapter) rescan() bool {
	return a.seen.Update(a.refresh())
}

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

// device returns the current WinMM index of id in the given direction.
func (a *Adapter) device(id contracts.EndpointID, input bool) (portmap.Port, int, bool) {
	p, ok := portmap.Find(a.ports, id)
	if !ok {
		return p, -1, false
	}
	if input {
		return p, p.In, p.In >= 0
	}
	return p, p.Out, p.Out >= 0
}

func (a *Adapter) OpenInput(id contracts.EndpointID, sink contracts.InputSink) (io.Closer, error) {
	a.mu.Lock()
	shared, ok := a.inputs[id]
	if !ok {
		if _, _, found := a.device(id, true); !found {
			a.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownEndpoint, id)
		}
		shared = fanout.NewShared(func(sink contracts.InputSink) (io.Closer, error) {
			return a.openInput(id, sink)
		})
		a.inputs[id] = shared
	}
	a.mu.Unlock()

	return shared.Attach(sink)
}

func (a *Adapter) openInput(id contracts.EndpointID, sink contracts.InputSink) (io.Closer, error) {
	a.mu.Lock()
	p, index, ok := a.device(id, true)
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownEndpoint, id)
	}

	in := &nativeInput{name: p.Name, sink: sink, logger: a.logger}
	in.instance = registerInput(in)

	r1, _, _ := procMidiInOpen.Call(
		uintptr(unsafe.Pointer(&in.handle)),
		uintptr(index),
		callbackPtr,
		in.instance,
		uintptr(CALLBACK_FUNCTION|MIDI_IO_STATUS),
	)
	if r1 != 0 {
		unregisterInput(in.instance)
		return nil, mmError("midiInOpen "+p.Name, r1)
	}
	if a.longIn {
		if err := in.queueSysex(); err != nil {
			return nil, multierr.Append(err, in.Close())
		}
	}
	if r1, _, _ = procMidiInStart.Call(uintptr(in.handle)); r1 != 0 {
		return nil, multierr.Append(mmError("midiInStart "+p.Name, r1), in.Close())
	}

	a.logger.Info("MIDI input connected", a.logger.Field().String("port", p.Name))
	return in, nil
}

type nativeInput struct {
	name     string
	handle   HMIDIIN
	instance uintptr
	sink     contracts.InputSink
	logger   contracts.Logger

	// System exclusive buffers owned by the driver while the input is open.
	bufs    [][]byte
	headers []*midiHdr
	pinner  runtime.Pinner
	closing atomic.Bool
}

// queueSysex prepares the input buffers and hands them to the driver.
func (in *nativeInput) queueSysex() error {
	h := uintptr(in.handle)
	for i := 0; i < sysexBuffers; i++ {
		buf := make([]byte, sysexBufferSize)
		hdr := &midiHdr{lpData: uintptr(unsafe.Pointer(&buf[0])), dwBufferLength: uint32(len(buf))}
		in.pinner.Pin(&buf[0])
		in.pinner.Pin(hdr)

		if r1, _, _ := procMidiInPrepareHeader.Call(h, uintptr(unsafe.Pointer(hdr)), midiHdrSize); r1 != 0 {
			return mmError("midiInPrepareHeader", r1)
		}
		in.bufs = append(in.bufs, buf)
		in.headers = append(in.headers, hdr)
		if r1, _, _ := procMidiInAddBuffer.Call(h, uintptr(unsafe.Pointer(hdr)), midiHdrSize); r1 != 0 {
			return mmError("midiInAddBuffer", r1)
		}
	}
	return nil
}

// longData delivers a buffer the driver returned and queues it again.
// Messages longer than a buffer arrive in several pieces.
func (in *nativeInput) longData(param uintptr) {
	for i, hdr := range in.headers {
		if uintptr(unsafe.Pointer(hdr)) != param {
			continue
		}
		if in.closing.Load() {
			return
		}
		if data := longDataBytes(in.bufs[i], hdr.dwBytesRecorded); len(data) > 0 {
			in.sink.PushBytes(0, data, time.Now())
		}
		hdr.dwBytesRecorded = 0
		if r1, _, _ := procMidiInAddBuffer.Call(uintptr(in.handle), param, midiHdrSize); r1 != 0 {
			in.logger.Warn("failed to requeue sysex buffer",
				in.logger.Field().String("port", in.name),
				in.logger.Field().Error("error", mmError("midiInAddBuffer", r1)),
			)
		}
		return
	}
}

func (in *nativeInput) Close() error {
	in.closing.Store(true)
	h := uintptr(in.handle)

	var err error
	if r1, _, _ := procMidiInStop.Call(h); r1 != 0 {
		err = multierr.Append(err, mmError("midiInStop", r1))
	}
	if len(in.headers) > 0 {
		// Reset returns every queued buffer to the application.
		if r1, _, _ := procMidiInReset.Call(h); r1 != 0 {
			err = multierr.Append(err, mmError("midiInReset", r1))
		}
		for _, hdr := range in.headers {
			if r1, _, _ := procMidiInUnprepareHeader.Call(h, uintptr(unsafe.Pointer(hdr)), midiHdrSize); r1 != 0 {
				err = multierr.Append(err, mmError("midiInUnprepareHeader", r1))
			}
		}
	}
	if r1, _, _ := procMidiInClose.Call(h); r1 != 0 {
		err = multierr.Append(err, mmError("midiInClose", r1))
	}
	unregisterInput(in.instance)
	in.pinner.Unpin()
	return err
}

func (a *Adapter) OpenOutput(id contracts.EndpointID) (contracts.NativeOutput, error) {
	a.mu.Lock()
	shared, ok := a.outputs[id]
	if !ok {
		p, _, found := a.device(id, false)
		if !found {
			a.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownEndpoint, id)
		}
		shared = &sharedOutput{adapter: a, id: id, name: p.Name}
		a.outputs[id] = shared
	}
	a.mu.Unlock()

	// acquire resolves the device index under a.mu.
	return shared.acquire()
}

func (a *Adapter) CreateVirtualEndpoint(contracts.VirtualEndpointConfig) (contracts.NativeVirtualEndpoint, error) {
	return nil, fmt.Errorf("%w: WinMM has no virtual endpoints", contracts.ErrUnsupported)
}

func (a *Adapter) CreateLegacyVirtualPort(contracts.EndpointID, string, contracts.Direction) (contracts.NativeVirtualPort, error) {
	return nil, fmt.Errorf("%w: WinMM has no virtual ports", contracts.ErrUnsupported)
}

func (a *Adapter) IsVirtualServiceActive(contracts.Transport) bool { return false }

func (a *Adapter) SetVirtualServiceActive(t contracts.Transport, _ bool) {
	a.logger.Warn("WinMM has no virtual MIDI service", a.logger.Field().String("transport", t.String()))
}

func (a *Adapter) Close() error {
	a.loop.Stop()

	a.mu.Lock()
	inputs, outputs := a.inputs, a.outputs
	a.inputs = make(map[contracts.EndpointID]*fanout.Shared)
	a.outputs = make(map[contracts.EndpointID]*sharedOutput)
	a.mu.Unlock()

	var err error
	for _, shared := range inputs {
		err = multierr.Append(err, shared.Close())
	}
	for _, shared := range outputs {
		err = multierr.Append(err, shared.closeAll())
	}
	return err
}

// sharedOutput opens a WinMM output once for all handles; many drivers
// refuse a second open of the same device.
type sharedOutput struct {
	adapter *Adapter
	id      contracts.EndpointID
	name    string

	mu     sync.Mutex
	handle HMIDIOUT
	refs   int
}

func (s *sharedOutput) acquire() (contracts.NativeOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		s.adapter.mu.Lock()
		_, index, ok := s.adapter.device(s.id, false)
		s.adapter.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownEndpoint, s.id)
		}
		if r1, _, _ := procMidiOutOpen.Call(uintptr(unsafe.Pointer(&s.handle)), uintptr(index), 0, 0, 0); r1 != 0 {
			return nil, mmError("midiOutOpen "+s.name, r1)
		}
	}
	s.refs++
	return &output{shared: s}, nil
}

func (s *sharedOutput) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		return nil
	}
	if s.refs--; s.refs > 0 {
		return nil
	}
	return s.close()
}

func (s *sharedOutput) closeAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		return nil
	}
	s.refs = 0
	return s.close()
}

func (s *sharedOutput) close() error {
	r1, _, _ := procMidiOutClose.Call(uintptr(s.handle))
	s.handle = 0
	if r1 != 0 {
		return mmError("midiOutClose "+s.name, r1)
	}
	return nil
}

func (s *sharedOutput) send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		return io.ErrClosedPipe
	}
	if len(msg) > 0 && msg[0] == 0xF0 {
		return s.sendLong(msg)
	}
	if r1, _, _ := procMidiOutShortMsg.Call(uintptr(s.handle), uintptr(packShortMessage(msg))); r1 != 0 {
		return mmError("midiOutShortMsg", r1)
	}
	return nil
}

// sendLong writes a system exclusive message and waits for the driver to
// hand the buffer back.
func (s *sharedOutput) sendLong(msg []byte) error {
	if !s.adapter.longMsg {
		return fmt.Errorf("%w: midiOutLongMsg unavailable", contracts.ErrUnsupported)
	}

	buf := append([]byte(nil), msg...)
	hdr := &midiHdr{lpData: uintptr(unsafe.Pointer(&buf[0])), dwBufferLength: uint32(len(buf))}

	var pinner runtime.Pinner
	pinner.Pin(&buf[0])
	pinner.Pin(hdr)
	defer pinner.Unpin()

	h := uintptr(s.handle)
	if r1, _, _ := procMidiOutPrepareHeader.Call(h, uintptr(unsafe.Pointer(hdr)), midiHdrSize); r1 != 0 {
		return mmError("midiOutPrepareHeader", r1)
	}

	var err error
	if r1, _, _ := procMidiOutLongMsg.Call(h, uintptr(unsafe.Pointer(hdr)), midiHdrSize); r1 != 0 {
		err = mmError("midiOutLongMsg", r1)
	} else {
		deadline := time.Now().Add(longMsgTimeout)
		for hdr.dwFlags&mhdrDone == 0 {
			if time.Now().After(deadline) {
				err = errLongMsgTimeout
				break
			}
			time.Sleep(time.Millisecond)
		}
	}

	if r1, _, _ := procMidiOutUnprepareHeader.Call(h, uintptr(unsafe.Pointer(hdr)), midiHdrSize); r1 != 0 {
		err = multierr.Append(err, mmError("midiOutUnprepareHeader", r1))
	}
	return err
}

type output struct {
	shared *sharedOutput
	once   sync.Once
}

func (o *output) Format() contracts.WireFormat {
	return contracts.WireFormat{Transport: contracts.TransportBytestream}
}

func (o *output) SendUMP([]uint32) error { return contracts.ErrUnsupported }

func (o *output) SendBytes(_ uint8, msg []byte) error { return o.shared.send(msg) }

func (o *output) Close() error {
	var err error
	o.once.Do(func() { err = o.shared.release() })
	return err
}
