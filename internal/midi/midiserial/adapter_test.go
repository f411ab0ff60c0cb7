package midiserial

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/leandrodaf/ump/internal/logger"
	"github.com/leandrodaf/ump/sdk/contracts"
	"go.bug.st/serial"
)

// fakePort delivers whatever is written to feed and records writes.
type fakePort struct {
	r    *io.PipeReader
	feed *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, feed: w}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.r.Close()
}

type fakeSystem struct {
	mu    sync.Mutex
	ports map[string]*fakePort
	modes map[string]serial.Mode
	opens int
	names []string
}

func (s *fakeSystem) open(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ports == nil {
		s.ports = make(map[string]*fakePort)
		s.modes = make(map[string]serial.Mode)
	}
	s.opens++
	p := newFakePort()
	s.ports[name] = p
	s.modes[name] = *mode
	return p, nil
}

func (s *fakeSystem) list() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...), nil
}

func (s *fakeSystem) port(name string) *fakePort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports[name]
}

type nopNotifier struct{}

func (nopNotifier) EndpointsChanged()            {}
func (nopNotifier) VirtualServiceActiveChanged() {}

type chanSink chan []byte

func (c chanSink) PushUMP([]uint32, contracts.PacketProtocol, time.Time) {}

func (c chanSink) PushBytes(_ uint8, data []byte, _ time.Time) {
	c <- append([]byte(nil), data...)
}

func testOptions(ports ...contracts.SerialPortConfig) *contracts.Options {
	return &contracts.Options{
		Logger:         logger.NewNopLogger(),
		SerialPorts:    ports,
		RescanInterval: time.Hour,
	}
}

func TestConfiguredPorts(t *testing.T) {
	sys := &fakeSystem{}
	a, err := newAdapter(testOptions(
		contracts.SerialPortConfig{Name: "/dev/ttyUSB0"},
		contracts.SerialPortConfig{Name: "/dev/ttyAMA0", BaudRate: 115200},
	), nopNotifier{}, sys.open, sys.list)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	want := []contracts.EndpointID{"serial:/dev/ttyUSB0", "serial:/dev/ttyAMA0"}
	if got := a.Endpoints(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Endpoints() = %v, want %v", got, want)
	}

	ep, ok := a.Endpoint("serial:/dev/ttyUSB0")
	if !ok || ep.Direction != contracts.DirectionBidirectional || ep.Protocol != contracts.MIDI1 {
		t.Errorf("Endpoint() = %+v, %v", ep, ok)
	}
	info, ok := a.StaticDeviceInfo("serial:/dev/ttyAMA0")
	if !ok || info.Transport != contracts.TransportBytestream {
		t.Errorf("StaticDeviceInfo() = %+v, %v", info, ok)
	}

	out, err := a.OpenOutput("serial:/dev/ttyAMA0")
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	if baud := sys.modes["/dev/ttyAMA0"].BaudRate; baud != 115200 {
		t.Errorf("baud = %d, want 115200", baud)
	}

	out2, err := a.OpenOutput("serial:/dev/ttyUSB0")
	if err != nil {
		t.Fatal(err)
	}
	defer out2.Close()
	if baud := sys.modes["/dev/ttyUSB0"].BaudRate; baud != DefaultBaudRate {
		t.Errorf("default baud = %d, want %d", baud, DefaultBaudRate)
	}
}

func TestInputAndOutputShareThePort(t *testing.T) {
	sys := &fakeSystem{}
	a, err := newAdapter(testOptions(contracts.SerialPortConfig{Name: "COM3"}), nopNotifier{}, sys.open, sys.list)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	sink := make(chanSink, 4)
	in, err := a.OpenInput("serial:COM3", sink)
	if err != nil {
		t.Fatal(err)
	}
	out, err := a.OpenOutput("serial:COM3")
	if err != nil {
		t.Fatal(err)
	}
	if sys.opens != 1 {
		t.Fatalf("opens = %d, want 1", sys.opens)
	}

	if out.Format().Transport != contracts.TransportBytestream {
		t.Error("output is not a byte stream")
	}
	if err := out.SendUMP([]uint32{0x20903C7F}); !errors.Is(err, contracts.ErrUnsupported) {
		t.Errorf("SendUMP() = %v", err)
	}
	if err := out.SendBytes(0, []byte{0x90, 0x3C, 0x7F}); err != nil {
		t.Fatal(err)
	}

	port := sys.port("COM3")
	go port.feed.Write([]byte{0x80, 0x3C, 0x00})

	select {
	case got := <-sink:
		if !bytes.Equal(got, []byte{0x80, 0x3C, 0x00}) {
			t.Errorf("received % x", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no input delivered")
	}

	port.mu.Lock()
	written := port.written.Bytes()
	port.mu.Unlock()
	if !bytes.Equal(written, []byte{0x90, 0x3C, 0x7F}) {
		t.Errorf("written % x", written)
	}

	if err := in.Close(); err != nil {
		t.Fatal(err)
	}
	if port.closed {
		t.Fatal("port closed while an output uses it")
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
	if !port.closed {
		t.Error("port left open")
	}
	if err := out.SendBytes(0, []byte{0xF8}); err == nil {
		t.Error("send on a released port succeeded")
	}
}

func TestDiscovery(t *testing.T) {
	sys := &fakeSystem{names: []string{"/dev/ttyACM0"}}
	a, err := newAdapter(testOptions(), nopNotifier{}, sys.open, sys.list)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if got := a.Endpoints(); !reflect.DeepEqual(got, []contracts.EndpointID{"serial:/dev/ttyACM0"}) {
		t.Fatalf("Endpoints() = %v", got)
	}

	sys.mu.Lock()
	sys.names = append(sys.names, "/dev/ttyACM1")
	sys.mu.Unlock()
	if !a.rescan() {
		t.Error("rescan() missed a new port")
	}
	if a.rescan() {
		t.Error("rescan() reported a change twice")
	}
	if n := len(a.Endpoints()); n != 2 {
		t.Errorf("%d endpoints after rescan, want 2", n)
	}

	sys.mu.Lock()
	sys.names = []string{"/dev/ttyACM1"}
	sys.mu.Unlock()
	a.rescan()
	sys.mu.Lock()
	sys.names = []string{"/dev/ttyACM1", "/dev/ttyACM0"}
	sys.mu.Unlock()
	a.rescan()

	want := []contracts.EndpointID{"serial:/dev/ttyACM1", "serial:/dev/ttyACM0 #2"}
	if got := a.Endpoints(); !reflect.DeepEqual(got, want) {
		t.Errorf("Endpoints() after replug = %v, want %v", got, want)
	}
}

func TestNoPorts(t *testing.T) {
	sys := &fakeSystem{}
	if _, err := newAdapter(testOptions(), nopNotifier{}, sys.open, sys.list); !errors.Is(err, ErrNoPorts) {
		t.Errorf("newAdapter() = %v, want ErrNoPorts", err)
	}
}

func TestUnsupportedOperations(t *testing.T) {
	sys := &fakeSystem{}
	a, err := newAdapter(testOptions(contracts.SerialPortConfig{Name: "COM1"}), nopNotifier{}, sys.open, sys.list)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, err := a.OpenInput("serial:COM9", make(chanSink)); !errors.Is(err, contracts.ErrUnknownEndpoint) {
		t.Errorf("OpenInput(unknown) = %v", err)
	}
	if _, err := a.CreateVirtualEndpoint(contracts.VirtualEndpointConfig{}); !errors.Is(err, contracts.ErrUnsupported) {
		t.Errorf("CreateVirtualEndpoint() = %v", err)
	}
	if _, err := a.CreateLegacyVirtualPort("x", "x", contracts.DirectionInput); !errors.Is(err, contracts.ErrUnsupported) {
		t.Errorf("CreateLegacyVirtualPort() = %v", err)
	}
	if a.Backend() != contracts.BackendSerial || a.IsVirtualServiceActive(contracts.TransportUMP) {
		t.Error("unexpected backend state")
	}
}
