package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/leandrodaf/ump/internal/logger"
	"github.com/leandrodaf/ump/internal/ump"
	"github.com/leandrodaf/ump/sdk/contracts"
	"github.com/leandrodaf/ump/sdk/midi"
	gomidi "gitlab.com/gomidi/midi/v2"
)

func main() {
	log := logger.NewZapLogger()

	endpoints := midi.GetInstance(
		contracts.WithLogger(log),
		contracts.WithLogLevel(contracts.InfoLevel),
		contracts.WithClientName("UMP Example"),
	)
	defer midi.Shutdown()

	backend, ok := endpoints.Backend()
	if !ok {
		log.Error("No MIDI backend available")
		return
	}
	fmt.Println("Backend:", backend)

	ids := endpoints.Endpoints()
	if len(ids) == 0 {
		log.Error("No MIDI endpoints found")
		return
	}
	for _, id := range ids {
		ep, _ := endpoints.Endpoint(id)
		fmt.Printf("  %s  %q  %s  %s\n", id, ep.Name, ep.Direction, ep.Protocol)
	}

	endpoints.AddListener(&midi.ListenerFuncs{
		OnEndpointsChanged: func() { log.Info("Endpoints changed") },
	})

	session := endpoints.MakeSession("example")
	defer session.Close()

	for _, id := range ids {
		ep, _ := endpoints.Endpoint(id)

		if ep.Direction.CanInput() {
			in := session.ConnectInput(id, contracts.MIDI2)
			in.AddConsumer(contracts.ConsumerFunc(func(words []uint32, at time.Time) {
				ump.Split(words, func(packet []uint32) {
					log.Info("UMP packet",
						log.Field().String("endpoint", id.String()),
						log.Field().Int("type", int(ump.TypeOf(packet[0]))),
						log.Field().Time("at", at),
					)
				})
			}))
		}

		if ep.Direction.CanOutput() {
			out := session.ConnectOutput(id)
			note := ump.AppendFromBytestream(nil, 0, gomidi.NoteOn(0, 60, 100))
			note = ump.AppendFromBytestream(note, 0, gomidi.NoteOff(0, 60))
			if !out.Send(note) {
				log.Warn("Send failed", log.Field().String("endpoint", id.String()))
			}
		}
	}

	fmt.Println("Listening for MIDI... Press Ctrl+C to exit.")
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop
}
