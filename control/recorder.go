package control

import (
	"fmt"
	"maps"
	"slices"

	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/rt"
)

// Region is what one armed port captured during a recording. Start is the
// transport frame of the first sample. Audio and CV ports record Samples,
// MIDI ports record Events with frames relative to Start.
type Region struct {
	Port       patchbay.PortID
	Type       patchbay.PortType
	Start      uint64
	SampleRate int
	Samples    []float32            `yaml:",flow,omitempty"`
	Events     []patchbay.MIDIEvent `yaml:",omitempty"`
}

// Frames is the length of the region in frames.
func (r Region) Frames() int {
	if r.Type == patchbay.MIDI {
		if len(r.Events) == 0 {
			return 0
		}
		return int(r.Events[len(r.Events)-1].Frame) + 1
	}
	return len(r.Samples)
}

// recorder owns the taps of a recording and collects what they capture.
type recorder struct {
	armed   map[patchbay.PortID]patchbay.PortType
	taps    map[patchbay.PortID]*rt.Tap
	samples map[patchbay.PortID][]float32
	events  map[patchbay.PortID][]patchbay.MIDIEvent
	scratch []float32
	evbuf   []patchbay.MIDIEvent
}

func newRecorder() *recorder {
	return &recorder{armed: map[patchbay.PortID]patchbay.PortType{}}
}

func (r *recorder) arm(g *patchbay.Graph, id patchbay.PortID) error {
	p := g.Port(id)
	if p == nil {
		return fmt.Errorf("cannot arm port %d: %w", id, patchbay.ErrUnknownPort)
	}
	if p.Type == patchbay.Control {
		return fmt.Errorf("cannot arm parameter port %d (%s)", id, p.Name)
	}
	r.armed[id] = p.Type
	return nil
}

func (r *recorder) recording() bool { return r.taps != nil }

// start creates one tap per armed port still present in g.
func (r *recorder) start(g *patchbay.Graph, capacity int) error {
	for id := range r.armed {
		if g.Port(id) == nil {
			delete(r.armed, id)
		}
	}
	if len(r.armed) == 0 {
		return ErrNotArmed
	}
	r.taps = make(map[patchbay.PortID]*rt.Tap, len(r.armed))
	r.samples = map[patchbay.PortID][]float32{}
	r.events = map[patchbay.PortID][]patchbay.MIDIEvent{}
	for id, typ := range r.armed {
		r.taps[id] = rt.NewTap(id, typ, capacity)
	}
	return nil
}

// drain moves what the taps captured so far into the recorder.
func (r *recorder) drain() {
	if r.scratch == nil {
		r.scratch = make([]float32, 4096)
		r.evbuf = make([]patchbay.MIDIEvent, 256)
	}
	for id, t := range r.taps {
		if t.Audio != nil {
			for {
				n := t.Audio.Read(r.scratch)
				if n == 0 {
					break
				}
				r.samples[id] = append(r.samples[id], r.scratch[:n]...)
			}
			continue
		}
		for {
			n := t.Events.Read(r.evbuf)
			if n == 0 {
				break
			}
			r.events[id] = append(r.events[id], r.evbuf[:n]...)
		}
	}
}

// stop drains the taps one last time and turns them into regions, ordered by
// port. Taps that never captured anything yield no region.
func (r *recorder) stop(rate int) []Region {
	r.drain()
	var ret []Region
	for _, id := range slices.Sorted(maps.Keys(r.taps)) {
		t := r.taps[id]
		start, ok := t.Origin()
		if !ok {
			continue
		}
		reg := Region{Port: id, Type: r.armed[id], Start: start, SampleRate: rate}
		if t.Audio != nil {
			reg.Samples = r.samples[id]
		} else {
			reg.Events = r.events[id]
		}
		ret = append(ret, reg)
	}
	r.taps, r.samples, r.events = nil, nil, nil
	return ret
}
