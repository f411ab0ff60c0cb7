package contracts

import "time"

// Consumer receives packets from an Input. Words always hold whole UMP packets
// in the protocol requested when the input was connected.
//
// Consume runs on a backend goroutine and must not call back into the
// Endpoints registry or a Session synchronously.
type Consumer interface {
	Consume(words []uint32, at time.Time)
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(words []uint32, at time.Time)

func (f ConsumerFunc) Consume(words []uint32, at time.Time) { f(words, at) }

// EndpointsListener is notified about changes to the set of endpoints.
//
// All listeners for one event are called in turn on the same backend goroutine.
// Listeners must return quickly and must not call back into the registry synchronously.
type EndpointsListener interface {
	// EndpointsChanged is called after any connection, disconnection or property change.
	EndpointsChanged()
	// VirtualMidiServiceActiveChanged is called when a virtual MIDI service changes state.
	VirtualMidiServiceActiveChanged()
}
