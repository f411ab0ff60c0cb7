// Package fanout lets several sessions share one native input connection.
package fanout

import (
	"io"
	"sync"
	"time"

	"github.com/leandrodaf/ump/sdk/contracts"
)

// Sinks is a contracts.InputSink that forwards to every attached sink.
type Sinks struct {
	mu    sync.Mutex
	next  int
	sinks map[int]contracts.InputSink
	list  []contracts.InputSink // rebuilt on every change
}

func (s *Sinks) add(sink contracts.InputSink) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sinks == nil {
		s.sinks = make(map[int]contracts.InputSink)
	}
	s.next++
	s.sinks[s.next] = sink
	s.rebuild()
	return s.next
}

func (s *Sinks) remove(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sinks[id]; !ok {
		return false
	}
	delete(s.sinks, id)
	s.rebuild()
	return true
}

func (s *Sinks) rebuild() {
	list := make([]contracts.InputSink, 0, len(s.sinks))
	for id := 1; id <= s.next; id++ {
		if sink, ok := s.sinks[id]; ok {
			list = append(list, sink)
		}
	}
	s.list = list
}

func (s *Sinks) snapshot() []contracts.InputSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list
}

// Len returns the number of attached sinks.
func (s *Sinks) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sinks)
}

func (s *Sinks) PushUMP(words []uint32, protocol contracts.PacketProtocol, at time.Time) {
	for _, sink := range s.snapshot() {
		sink.PushUMP(words, protocol, at)
	}
}

func (s *Sinks) PushBytes(group uint8, data []byte, at time.Time) {
	for _, sink := range s.snapshot() {
		sink.PushBytes(group, data, at)
	}
}

// OpenFunc opens a native input delivering to sink.
type OpenFunc func(sink contracts.InputSink) (io.Closer, error)

// Shared opens its native input when the first sink attaches and closes it
// when the last one detaches.
type Shared struct {
	mu     sync.Mutex
	open   OpenFunc
	sinks  Sinks
	native io.Closer
}

func NewShared(open OpenFunc) *Shared {
	return &Shared{open: open}
}

// Attach adds sink, opening the native input if needed. Closing the returned
// io.Closer detaches it.
func (s *Shared) Attach(sink contracts.InputSink) (io.Closer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.sinks.add(sink)
	if s.native == nil {
		native, err := s.open(&s.sinks)
		if err != nil {
			s.sinks.remove(id)
			return nil, err
		}
		s.native = native
	}
	return &attachment{shared: s, id: id}, nil
}

// Sinks returns the fan-out sink so that owners can deliver directly.
func (s *Shared) Sinks() *Sinks { return &s.sinks }

// IsOpen reports whether the native input is currently open.
func (s *Shared) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.native != nil
}

// Close detaches every sink and closes the native input.
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sinks.mu.Lock()
	s.sinks.sinks = nil
	s.sinks.list = nil
	s.sinks.mu.Unlock()

	if s.native == nil {
		return nil
	}
	err := s.native.Close()
	s.native = nil
	return err
}

func (s *Shared) detach(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sinks.remove(id) || s.sinks.Len() > 0 || s.native == nil {
		return nil
	}
	err := s.native.Close()
	s.native = nil
	return err
}

type attachment struct {
	shared *Shared
	id     int
	once   sync.Once
}

func (a *attachment) Close() error {
	var err error
	a.once.Do(func() { err = a.shared.detach(a.id) })
	return err
}
