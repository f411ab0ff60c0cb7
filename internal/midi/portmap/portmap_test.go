package portmap

import (
	"reflect"
	"testing"

	"github.com/leandrodaf/ump/sdk/contracts"
)

func TestAssignPairsByName(t *testing.T) {
	tests := []struct {
		name string
		ins  []string
		outs []string
		want []Port
	}{
		{
			"bidirectional pair",
			[]string{"Synth"},
			[]string{"Synth"},
			[]Port{{ID: "alsa:Synth", Name: "Synth", In: 0, Out: 0}},
		},
		{
			"separate directions",
			[]string{"Keys"},
			[]string{"Drums"},
			[]Port{
				{ID: "alsa:Keys", Name: "Keys", In: 0, Out: -1},
				{ID: "alsa:Drums", Name: "Drums", In: -1, Out: 0},
			},
		},
		{
			"repeated names",
			[]string{"USB MIDI", "USB MIDI"},
			[]string{"USB MIDI"},
			[]Port{
				{ID: "alsa:USB MIDI", Name: "USB MIDI", In: 0, Out: 0},
				{ID: "alsa:USB MIDI #2", Name: "USB MIDI", In: 1, Out: -1},
			},
		},
		{"empty", nil, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewAllocator("alsa:").Assign(tt.ins, tt.outs); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Assign() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPortDescriptions(t *testing.T) {
	ports := NewAllocator("x:").Assign([]string{"In"}, []string{"Out", "In"})

	tests := []struct {
		id   contracts.EndpointID
		want contracts.Direction
	}{
		{"x:In", contracts.DirectionBidirectional},
		{"x:Out", contracts.DirectionOutput},
	}
	for _, tt := range tests {
		p, ok := Find(ports, tt.id)
		if !ok {
			t.Fatalf("Find(%q) failed", tt.id)
		}
		ep := p.Endpoint()
		if ep.Direction != tt.want || ep.Protocol != contracts.MIDI1 || !ep.MIDI1Support {
			t.Errorf("%s: endpoint = %+v", tt.id, ep)
		}
		info := p.StaticDeviceInfo("Acme")
		if info.Direction != tt.want || info.Transport != contracts.TransportBytestream || info.Manufacturer != "Acme" {
			t.Errorf("%s: info = %+v", tt.id, info)
		}
	}

	if _, ok := Find(ports, "x:missing"); ok {
		t.Error("found a missing port")
	}
	if got, want := IDs(ports), []contracts.EndpointID{"x:In", "x:Out"}; !reflect.DeepEqual(got, want) {
		t.Errorf("IDs() = %v, want %v", got, want)
	}
}

func TestAllocatorKeepsIDsAcrossScans(t *testing.T) {
	a := NewAllocator("winmm:")

	first := IDs(a.Assign([]string{"Keys", "Pads"}, []string{"Keys"}))
	if want := []contracts.EndpointID{"winmm:Keys", "winmm:Pads"}; !reflect.DeepEqual(first, want) {
		t.Fatalf("first scan = %v, want %v", first, want)
	}

	// Keys unplugged, Drums plugged in ahead of Pads
	second := IDs(a.Assign([]string{"Drums", "Pads"}, nil))
	if want := []contracts.EndpointID{"winmm:Drums", "winmm:Pads"}; !reflect.DeepEqual(second, want) {
		t.Fatalf("second scan = %v, want %v", second, want)
	}

	// Keys comes back: its old ID is gone for good
	third := IDs(a.Assign([]string{"Drums", "Pads", "Keys"}, nil))
	if want := []contracts.EndpointID{"winmm:Drums", "winmm:Pads", "winmm:Keys #2"}; !reflect.DeepEqual(third, want) {
		t.Errorf("third scan = %v, want %v", third, want)
	}
}

func TestAllocatorNeverReusesVanishedIDs(t *testing.T) {
	a := NewAllocator("winmm:")

	before := IDs(a.Assign([]string{"USB MIDI", "USB MIDI"}, nil))
	if want := []contracts.EndpointID{"winmm:USB MIDI", "winmm:USB MIDI #2"}; !reflect.DeepEqual(before, want) {
		t.Fatalf("before = %v, want %v", before, want)
	}

	// one of two identical devices unplugged
	after := IDs(a.Assign([]string{"USB MIDI"}, nil))
	if len(after) != 1 {
		t.Fatalf("after = %v", after)
	}
	for _, old := range before {
		if after[0] == old {
			t.Errorf("survivor was given %q, which may have named the unplugged device", old)
		}
	}

	again := IDs(a.Assign([]string{"USB MIDI", "USB MIDI"}, nil))
	if again[0] != after[0] {
		t.Errorf("survivor changed id %q -> %q", after[0], again[0])
	}
	for _, old := range before {
		if again[1] == old {
			t.Errorf("replugged device reuses %q", old)
		}
	}
}

func TestAllocatorSkipsIDsTakenByOtherNames(t *testing.T) {
	a := NewAllocator("x:")

	ids := IDs(a.Assign([]string{"Synth #2", "Synth", "Synth"}, nil))
	seen := map[contracts.EndpointID]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %q in %v", id, ids)
		}
		seen[id] = true
	}
	if ids[2] != "x:Synth #3" {
		t.Errorf("second Synth = %q, want x:Synth #3", ids[2])
	}
}
