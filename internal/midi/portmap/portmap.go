// Package portmap merges the separate input and output port lists of MIDI 1.0
// APIs into endpoints.
package portmap

import (
	"fmt"
	"sync"

	"github.com/leandrodaf/ump/sdk/contracts"
)

// Port is one endpoint assembled from an input port, an output port or both
// sharing a name. In and Out are indices into the lists given to Assign, or -1.
type Port struct {
	ID   contracts.EndpointID
	Name string
	In   int
	Out  int
}

// Direction reports what the client can do with the port.
func (p Port) Direction() contracts.Direction {
	switch {
	case p.In >= 0 && p.Out >= 0:
		return contracts.DirectionBidirectional
	case p.In >= 0:
		return contracts.DirectionInput
	case p.Out >= 0:
		return contracts.DirectionOutput
	}
	return contracts.DirectionNone
}

// Endpoint describes the port as a MIDI 1.0 byte stream endpoint.
func (p Port) Endpoint() contracts.Endpoint {
	return contracts.Endpoint{
		Name:         p.Name,
		Direction:    p.Direction(),
		Protocol:     contracts.MIDI1,
		MIDI1Support: true,
	}
}

// StaticDeviceInfo describes the port without opening it.
func (p Port) StaticDeviceInfo(manufacturer string) contracts.StaticDeviceInfo {
	return contracts.StaticDeviceInfo{
		Name:         p.Name,
		Manufacturer: manufacturer,
		Product:      p.Name,
		Transport:    contracts.TransportBytestream,
		Direction:    p.Direction(),
	}
}

// pair matches inputs and outputs with equal names, in order of appearance.
// The n-th input named X pairs with the n-th output named X. The returned
// ports have no ID yet.
func pair(ins, outs []string) []Port {
	var ports []Port
	index := map[string]int{} // "name#n" -> position in ports

	place := func(name string, occurrence int) *Port {
		key := fmt.Sprintf("%s#%d", name, occurrence)
		if i, ok := index[key]; ok {
			return &ports[i]
		}
		ports = append(ports, Port{Name: name, In: -1, Out: -1})
		index[key] = len(ports) - 1
		return &ports[len(ports)-1]
	}

	seen := map[string]int{}
	for i, name := range ins {
		seen[name]++
		place(name, seen[name]).In = i
	}

	seen = map[string]int{}
	for i, name := range outs {
		seen[name]++
		place(name, seen[name]).Out = i
	}
	return ports
}

// Allocator keeps endpoint IDs stable across rescans. A port keeps its ID
// for as long as it is listed; an ID is never handed out twice.
//
// Ports are told apart by name only. When fewer ports share a name than at
// the previous scan, the survivors cannot be matched to their old IDs, so
// they all get new ones.
type Allocator struct {
	prefix string

	mu     sync.Mutex
	live   map[string][]contracts.EndpointID // name -> IDs of listed ports, in order
	minted map[string]int
	issued map[contracts.EndpointID]struct{}
}

func NewAllocator(prefix string) *Allocator {
	return &Allocator{
		prefix: prefix,
		live:   make(map[string][]contracts.EndpointID),
		minted: make(map[string]int),
		issued: make(map[contracts.EndpointID]struct{}),
	}
}

// Assign pairs ins and outs into ports and gives each one its ID.
func (a *Allocator) Assign(ins, outs []string) []Port {
	ports := pair(ins, outs)

	groups := map[string][]int{}
	var names []string
	for i, p := range ports {
		if _, ok := groups[p.Name]; !ok {
			names = append(names, p.Name)
		}
		groups[p.Name] = append(groups[p.Name], i)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	live := make(map[string][]contracts.EndpointID, len(groups))
	for _, name := range names {
		idx := groups[name]
		prev := a.live[name]
		keep := len(idx) >= len(prev)

		for k, i := range idx {
			var id contracts.EndpointID
			if keep && k < len(prev) {
				id = prev[k]
			} else {
				id = a.mint(name)
			}
			ports[i].ID = id
			live[name] = append(live[name], id)
		}
	}
	a.live = live
	return ports
}

// mint returns an ID that was never issued before. Called with a.mu held.
func (a *Allocator) mint(name string) contracts.EndpointID {
	for {
		a.minted[name]++
		id := contracts.EndpointID(a.prefix + name)
		if n := a.minted[name]; n > 1 {
			id = contracts.EndpointID(fmt.Sprintf("%s%s #%d", a.prefix, name, n))
		}
		if _, used := a.issued[id]; !used {
			a.issued[id] = struct{}{}
			return id
		}
	}
}

// IDs returns the IDs of ports in order.
func IDs(ports []Port) []contracts.EndpointID {
	ids := make([]contracts.EndpointID, len(ports))
	for i, p := range ports {
		ids[i] = p.ID
	}
	return ids
}

// Find returns the port with the given ID.
func Find(ports []Port, id contracts.EndpointID) (Port, bool) {
	for _, p := range ports {
		if p.ID == id {
			return p, true
		}
	}
	return Port{}, false
}
